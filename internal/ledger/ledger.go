// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger is the durable per-message progress record.
//
// The ledger is the single source of truth for resumption: every
// lifecycle transition is committed to sqlite before the transition
// call returns, and transitions use a compare-and-set discipline so
// that a restart mid-operation can never produce a lost update or a
// double delete.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/matta/gmsweep/internal/message"

	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The messages table holds lifecycle state for each
		// message the sweep has discovered.
		//
		// Field: message_id
		//
		//   GMail API: Users.messages resource "id" field,
		//   returned by Users.messages.list and
		//   Users.messages.get (for all formats).
		//
		// Field: thread_id
		//
		//   GMail API: Users.messages resource "threadId" field.
		//
		// Field: state
		//
		//   The message.State ordinal.  Mutated only through
		//   Transition and the Mark* helpers, which enforce the
		//   forward-only lifecycle ordering with a
		//   compare-and-set UPDATE.
		//
		// Field: checksum
		//
		//   Hex SHA-256 of the raw message bytes, captured at
		//   fetch time.  NULL until the message has been
		//   fetched.  Never changed once set; a mismatch on
		//   archive read-back fails the message instead.
		//
		// Field: verified
		//
		//   1 once the archive read-back checksum matched the
		//   fetch-time checksum.  Recovery re-queues any
		//   fetched or archived row with verified = 0.
		//
		// Field: size_estimate
		//
		//   GMail API: Users.messages resource "sizeEstimate".
		//   NULL until fetched.
		//
		// Field: retries
		//
		//   Attempts consumed by the current stage.  Reset on a
		//   successful forward transition.
		//
		// Field: fail_reason
		//
		//   Human readable reason recorded when state becomes
		//   failed; NULL otherwise.
		`
CREATE TABLE IF NOT EXISTS messages (
message_id TEXT NOT NULL PRIMARY KEY,
thread_id TEXT NOT NULL,
state INTEGER NOT NULL,
checksum TEXT,
verified INTEGER NOT NULL DEFAULT 0,
size_estimate INTEGER,
retries INTEGER NOT NULL DEFAULT 0,
fail_reason TEXT,
updated_at INTEGER NOT NULL
);`,
		// The transitions table is an append-only audit of every
		// state change, including recovery re-queues (the only
		// place a backward transition is ever recorded).
		//
		// Field: at
		//
		//   Unix nanoseconds at which the transition committed.
		`
CREATE TABLE IF NOT EXISTS transitions (
message_id TEXT NOT NULL,
from_state INTEGER NOT NULL,
to_state INTEGER NOT NULL,
at INTEGER NOT NULL,
FOREIGN KEY (message_id) REFERENCES messages (message_id)
);`,
		`
CREATE INDEX IF NOT EXISTS messages_by_state ON messages (state);`,
	}
)

var (
	// ErrBadTransition reports a transition request that violates
	// the lifecycle ordering.  This is a logic error in the
	// caller, not a data race; it fails loudly.
	ErrBadTransition = errors.New("illegal lifecycle transition")

	// ErrConflict reports a compare-and-set transition that found
	// the row in a different state than the caller expected.  The
	// row is unchanged.
	ErrConflict = errors.New("ledger state conflict")

	// ErrNotFound reports an id the ledger has never seen.
	ErrNotFound = errors.New("message not in ledger")
)

// Entry is one message's ledger row.
type Entry struct {
	ID           message.ID
	State        message.State
	Checksum     string
	Verified     bool
	SizeEstimate int64
	Retries      int
	FailReason   string
	UpdatedAt    time.Time
}

type DB struct {
	db  *sql.DB
	now func() time.Time
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially with several
	// fetch workers committing transitions; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Printf("opening ledger at %q", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// Insert records a freshly discovered id at StateDiscovered and
// reports whether a row was created.  An id already present, in any
// state, is left untouched and reported false: re-discovery of an
// archived, deleted, or failed message must not reset its progress.
func (db *DB) Insert(ctx context.Context, id message.ID) (bool, error) {
	const q = `INSERT INTO messages (message_id, thread_id, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO NOTHING`
	res, err := db.db.ExecContext(ctx, q, id.PermID, id.ThreadID,
		int(message.StateDiscovered), db.now().UnixNano())
	if err != nil {
		return false, errors.Wrapf(err, "inserting %v", id.PermID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the ledger entry for id, or ErrNotFound.
func (db *DB) Get(ctx context.Context, id string) (*Entry, error) {
	const q = `
SELECT message_id, thread_id, state, checksum, verified, size_estimate,
       retries, fail_reason, updated_at
FROM messages WHERE message_id = $1`
	row := db.db.QueryRowContext(ctx, q, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading ledger entry %v", id)
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var state int
	var checksum, failReason sql.NullString
	var sizeEstimate sql.NullInt64
	var verified int
	var updatedAt int64
	err := row.Scan(&e.ID.PermID, &e.ID.ThreadID, &state, &checksum,
		&verified, &sizeEstimate, &e.Retries, &failReason, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.State = message.State(state)
	e.Checksum = checksum.String
	e.Verified = verified != 0
	e.SizeEstimate = sizeEstimate.Int64
	e.FailReason = failReason.String
	e.UpdatedAt = time.Unix(0, updatedAt)
	return &e, nil
}

// Transition advances id from exactly the state the caller believes
// it is in to the next.  Returns ErrBadTransition when the ordering
// forbids the move and ErrConflict when the persisted state is not
// `from`; in both cases nothing is written.  The write, including
// the audit row, is committed before Transition returns.
func (db *DB) Transition(ctx context.Context, id string, from, to message.State) error {
	if !from.CanTransition(to) {
		return errors.Wrapf(ErrBadTransition, "%v: %v -> %v", id, from, to)
	}
	return db.cas(ctx, id, from, to, func(ctx context.Context, tx *sql.Tx) error {
		return nil
	})
}

// MarkFetched advances id from Discovered to Fetched, recording the
// fetch-time checksum and size in the same committed transaction.
func (db *DB) MarkFetched(ctx context.Context, id string, checksum string, sizeEstimate int64) error {
	return db.cas(ctx, id, message.StateDiscovered, message.StateFetched,
		func(ctx context.Context, tx *sql.Tx) error {
			const q = `UPDATE messages SET checksum = $1, size_estimate = $2, retries = 0
				WHERE message_id = $3`
			_, err := tx.ExecContext(ctx, q, checksum, sizeEstimate, id)
			return err
		})
}

// MarkVerified advances id from Archived to Verified, recording that
// the archived bytes read back with a matching checksum.
func (db *DB) MarkVerified(ctx context.Context, id string) error {
	return db.cas(ctx, id, message.StateArchived, message.StateVerified,
		func(ctx context.Context, tx *sql.Tx) error {
			const q = `UPDATE messages SET verified = 1, retries = 0 WHERE message_id = $1`
			_, err := tx.ExecContext(ctx, q, id)
			return err
		})
}

// MarkFailed moves id from whatever non-terminal state it currently
// occupies to Failed, recording the reason.  Failing an id that is
// already terminal returns ErrConflict.
func (db *DB) MarkFailed(ctx context.Context, id string, reason string) error {
	e, err := db.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.State.Terminal() {
		return errors.Wrapf(ErrConflict, "%v already %v", id, e.State)
	}
	return db.cas(ctx, id, e.State, message.StateFailed,
		func(ctx context.Context, tx *sql.Tx) error {
			const q = `UPDATE messages SET fail_reason = $1 WHERE message_id = $2`
			_, err := tx.ExecContext(ctx, q, reason, id)
			return err
		})
}

// MarkDeferred returns id from DeletionQueued to Verified after a
// deletion batch exhausted its retries.  Together with Recover this
// is the only sanctioned backward move; the id stays eligible for
// the next run.
func (db *DB) MarkDeferred(ctx context.Context, id string) error {
	return db.cas(ctx, id, message.StateDeletionQueued, message.StateVerified,
		func(ctx context.Context, tx *sql.Tx) error {
			return nil
		})
}

// AddRetry increments and returns the retry counter for id's current
// stage.
func (db *DB) AddRetry(ctx context.Context, id string) (int, error) {
	const q = `UPDATE messages SET retries = retries + 1, updated_at = $1
		WHERE message_id = $2`
	res, err := db.db.ExecContext(ctx, q, db.now().UnixNano(), id)
	if err != nil {
		return 0, errors.Wrapf(err, "incrementing retries for %v", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	e, err := db.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.Retries, nil
}

// cas runs the compare-and-set state update plus any extra writes in
// one transaction, appending the audit row.
func (db *DB) cas(ctx context.Context, id string, from, to message.State,
	extra func(context.Context, *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	now := db.now().UnixNano()
	const q = `UPDATE messages SET state = $1, updated_at = $2
		WHERE message_id = $3 AND state = $4`
	res, err := tx.ExecContext(ctx, q, int(to), now, id, int(from))
	if err != nil {
		return errors.Wrapf(err, "transitioning %v to %v", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		// Either the id is unknown or another worker (or a
		// previous run) moved it first.
		if _, err := db.Get(ctx, id); err != nil {
			return err
		}
		return errors.Wrapf(ErrConflict, "%v is not in state %v", id, from)
	}

	if err := extra(ctx, tx); err != nil {
		return errors.Wrapf(err, "transitioning %v to %v", id, to)
	}

	const audit = `INSERT INTO transitions (message_id, from_state, to_state, at)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, audit, id, int(from), int(to), now); err != nil {
		return errors.Wrapf(err, "recording transition for %v", id)
	}
	return tx.Commit()
}

// ListByState streams every id currently in the given state to the
// handler, in discovery order.
func (db *DB) ListByState(ctx context.Context, state message.State, handler func(message.ID) error) error {
	const q = `SELECT message_id, thread_id FROM messages
		WHERE state = $1 ORDER BY rowid`
	rows, err := db.db.QueryContext(ctx, q, int(state))
	if err != nil {
		return errors.Wrap(err, "querying ledger by state")
	}
	defer rows.Close()

	for rows.Next() {
		var permID, threadID string
		if err := rows.Scan(&permID, &threadID); err != nil {
			return errors.Wrap(err, "db scan failed in ListByState")
		}
		if err := handler(message.ID{PermID: permID, ThreadID: threadID}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Counts returns the number of ids in each state.
func (db *DB) Counts(ctx context.Context) (map[message.State]int, error) {
	const q = `SELECT state, COUNT(*) FROM messages GROUP BY state`
	rows, err := db.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "counting ledger entries")
	}
	defer rows.Close()

	counts := make(map[message.State]int)
	for rows.Next() {
		var state, n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "db scan failed in Counts")
		}
		counts[message.State(state)] = n
	}
	return counts, rows.Err()
}

// ListFailures streams every failed entry, with its recorded reason.
func (db *DB) ListFailures(ctx context.Context, handler func(id, reason string) error) error {
	const q = `SELECT message_id, fail_reason FROM messages
		WHERE state = $1 ORDER BY rowid`
	rows, err := db.db.QueryContext(ctx, q, int(message.StateFailed))
	if err != nil {
		return errors.Wrap(err, "querying ledger failures")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var reason sql.NullString
		if err := rows.Scan(&id, &reason); err != nil {
			return errors.Wrap(err, "db scan failed in ListFailures")
		}
		if err := handler(id, reason.String); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Recover re-queues work left in flight by an interrupted run and
// returns the number of rows it moved.
//
// A row fetched or archived but never checksum-verified goes back to
// Fetched: its archive entry cannot be trusted and will be
// re-verified (and re-fetched if absent).  A row queued for deletion
// with no confirmed remote result goes back to Verified: the remote
// delete is idempotent per id, so re-attempting is safe.
func (db *DB) Recover(ctx context.Context) (int, error) {
	// Archived but never verified: the archive write may not
	// have reached disk; go back to Fetched so the verify pass
	// re-checks (and re-fetches on a missing entry).  Fetched
	// rows are already at the re-queue stage and stay put.
	moved, err := db.recoverRows(ctx, message.StateArchived, message.StateFetched,
		"AND verified = 0")
	if err != nil {
		return moved, err
	}
	n, err := db.recoverRows(ctx, message.StateDeletionQueued, message.StateVerified, "")
	if err != nil {
		return moved, err
	}
	return moved + n, nil
}

func (db *DB) recoverRows(ctx context.Context, from, to message.State, guard string) (int, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	now := db.now().UnixNano()
	audit := fmt.Sprintf(`INSERT INTO transitions (message_id, from_state, to_state, at)
		SELECT message_id, $1, $2, $3 FROM messages WHERE state = $1 %s`, guard)
	if _, err := tx.ExecContext(ctx, audit, int(from), int(to), now); err != nil {
		return 0, errors.Wrap(err, "recording recovery transitions")
	}
	q := fmt.Sprintf(`UPDATE messages SET state = $1, updated_at = $2
		WHERE state = $3 %s`, guard)
	res, err := tx.ExecContext(ctx, q, int(to), now, int(from))
	if err != nil {
		return 0, errors.Wrap(err, "recovering in-flight ledger rows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
