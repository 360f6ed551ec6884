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

// Package verify decides per message whether the local archive can
// be trusted enough to delete the remote copy.
//
// The gate recomputes the checksum from the archived bytes and
// compares it with the checksum captured at fetch time.  A mismatch
// means silent corruption somewhere between fetch and disk; it is
// never papered over by retry.
package verify

import (
	"github.com/matta/gmsweep/internal/archive"

	"github.com/pkg/errors"
)

// Status is the outcome of verifying one message.
type Status int

const (
	// OK: the archived bytes match the fetch-time checksum.
	OK Status = iota

	// Mismatch: the archived bytes read back with a different
	// checksum.  Hard stop for this id; excluded from deletion
	// and never retried automatically.
	Mismatch

	// Missing: the archive reports no (or empty) content for the
	// id even though an archive write succeeded.  Retried by
	// re-fetching, up to the configured bound.
	Missing
)

func (s Status) String() string {
	switch s {
	case OK:
		return "verified"
	case Mismatch:
		return "checksum-mismatch"
	default:
		return "missing-archive"
	}
}

// ChecksumReader reads back the content digest of an archived
// message.  Satisfied by *archive.Store.
type ChecksumReader interface {
	ReadChecksum(id string) (string, error)
}

// Gate verifies archived messages against their fetch-time
// checksums.
type Gate struct {
	archive ChecksumReader
}

func New(a ChecksumReader) *Gate {
	return &Gate{archive: a}
}

// Verify reads back the archived bytes of id and compares their
// checksum with the fetch-time checksum.  An error is returned only
// for I/O trouble distinct from the three statuses.
func (g *Gate) Verify(id, fetchChecksum string) (Status, error) {
	if fetchChecksum == "" {
		return Missing, errors.Errorf("no fetch-time checksum recorded for %v", id)
	}
	got, err := g.archive.ReadChecksum(id)
	switch errors.Cause(err) {
	case nil:
	case archive.ErrAbsent, archive.ErrIntegrity:
		return Missing, nil
	default:
		return Missing, errors.Wrapf(err, "reading back archived message %v", id)
	}
	if got != fetchChecksum {
		return Mismatch, nil
	}
	return OK, nil
}
