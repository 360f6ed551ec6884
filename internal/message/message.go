package message

// This file provides the common data objects used by the rest of the
// program.

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in a storage
	// system.
	PermID string

	// The permanent and unique ID of a thread associated with the
	// message.  May be empty in storage systems that do not
	// support this concept.
	ThreadID string
}

// Header defines the metadata associated with a message.
type Header struct {
	// The message's permanent unique identifiers.
	ID

	// The current set of label identifiers associated with the
	// message.  These identifiers are not the user visible label
	// names!
	LabelIDs []string

	// An estimated size of the message (bytes).
	SizeEstimate int64

	// The sender address, from the From header, if known.
	From string

	// The Subject header, if known.
	Subject string

	// Milliseconds since the epoch at which the message was
	// received, as reported by the server.
	InternalDate int64
}

// Body defines a complete message, including the message body.
type Body struct {
	Header

	// The entire email message in an RFC 2822 formatted string.
	Raw string
}

// Profile defines per-account information in a message mailbox.
type Profile struct {
	EmailAddress string

	// Total number of messages in the mailbox.
	MessagesTotal int64
}

// State is the lifecycle state of a message in the progress ledger.
//
// States advance strictly forward in declaration order, except
// StateFailed, which is reachable from any non-terminal state and is
// terminal.  A retry after failure is a fresh attempt, never a state
// reversal.
type State int

const (
	// StateDiscovered: the id was returned by a search; nothing
	// has been fetched yet.
	StateDiscovered State = iota

	// StateFetched: the full message content was downloaded and a
	// fetch-time checksum recorded.
	StateFetched

	// StateArchived: the content was written to the local archive
	// store.
	StateArchived

	// StateVerified: the archived bytes read back with a checksum
	// matching the fetch-time checksum.  Only verified messages
	// may be deleted remotely.
	StateVerified

	// StateDeletionQueued: the id has been handed to the deletion
	// batcher in the current run.
	StateDeletionQueued

	// StateDeleted: the remote service confirmed the delete.
	// Terminal.
	StateDeleted

	// StateFailed: terminal failure; excluded from deletion.
	StateFailed
)

var stateNames = map[State]string{
	StateDiscovered:     "discovered",
	StateFetched:        "fetched",
	StateArchived:       "archived",
	StateVerified:       "verified",
	StateDeletionQueued: "deletion-queued",
	StateDeleted:        "deleted",
	StateFailed:         "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "invalid"
}

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	return s == StateDeleted || s == StateFailed
}

// CanTransition reports whether a transition from s to t obeys the
// forward-only lifecycle ordering.
func (s State) CanTransition(t State) bool {
	if s.Terminal() {
		return false
	}
	if t == StateFailed {
		return true
	}
	return t == s+1
}
