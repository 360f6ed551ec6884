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

package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/matta/gmsweep/internal/message"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() = %v, want nil", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustInsert(t *testing.T, db *DB, id string) {
	t.Helper()
	if _, err := db.Insert(context.Background(), message.ID{PermID: id, ThreadID: "t-" + id}); err != nil {
		t.Fatalf("Insert(%v) = %v, want nil", id, err)
	}
}

// drive walks id forward through the given states using the same
// calls production code uses.
func drive(t *testing.T, db *DB, id string, upto message.State) {
	t.Helper()
	ctx := context.Background()
	steps := []func() error{
		func() error { return db.MarkFetched(ctx, id, "c0ffee", 42) },
		func() error {
			return db.Transition(ctx, id, message.StateFetched, message.StateArchived)
		},
		func() error { return db.MarkVerified(ctx, id) },
		func() error {
			return db.Transition(ctx, id, message.StateVerified, message.StateDeletionQueued)
		},
		func() error {
			return db.Transition(ctx, id, message.StateDeletionQueued, message.StateDeleted)
		},
	}
	for i := 0; i < int(upto); i++ {
		if err := steps[i](); err != nil {
			t.Fatalf("driving %v to %v: step %d = %v, want nil", id, upto, i, err)
		}
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := message.ID{PermID: "id1", ThreadID: "t-id1"}
	inserted, err := db.Insert(ctx, id)
	if err != nil || !inserted {
		t.Fatalf("Insert(id1) = (%v, %v), want (true, nil)", inserted, err)
	}
	drive(t, db, "id1", message.StateFetched)

	// Re-discovery must not reset progress, and must not count as
	// a fresh insertion.
	inserted, err = db.Insert(ctx, id)
	if err != nil || inserted {
		t.Fatalf("re-Insert(id1) = (%v, %v), want (false, nil)", inserted, err)
	}
	e, err := db.Get(ctx, "id1")
	if err != nil {
		t.Fatalf("Get(id1) = %v, want nil", err)
	}
	if e.State != message.StateFetched {
		t.Errorf("state after re-insert = %v, want %v", e.State, message.StateFetched)
	}
	if e.Checksum != "c0ffee" {
		t.Errorf("checksum after re-insert = %q, want %q", e.Checksum, "c0ffee")
	}
}

func TestGetNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Get(context.Background(), "nope"); errors.Cause(err) != ErrNotFound {
		t.Errorf("Get(nope) = %v, want ErrNotFound", err)
	}
}

func TestTransitionConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustInsert(t, db, "id1")
	drive(t, db, "id1", message.StateArchived)

	// A second actor believing the row is still Fetched loses.
	err := db.Transition(ctx, "id1", message.StateFetched, message.StateArchived)
	if errors.Cause(err) != ErrConflict {
		t.Errorf("stale Transition = %v, want ErrConflict", err)
	}
	e, err := db.Get(ctx, "id1")
	if err != nil {
		t.Fatalf("Get(id1) = %v, want nil", err)
	}
	if e.State != message.StateArchived {
		t.Errorf("state after rejected transition = %v, want %v", e.State, message.StateArchived)
	}
}

func TestTransitionRejectsIllegalOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustInsert(t, db, "id1")

	cases := []struct{ from, to message.State }{
		{message.StateDiscovered, message.StateArchived},
		{message.StateDiscovered, message.StateDeleted},
		{message.StateDeleted, message.StateDiscovered},
		{message.StateVerified, message.StateFetched},
	}
	for _, tc := range cases {
		err := db.Transition(ctx, "id1", tc.from, tc.to)
		if errors.Cause(err) != ErrBadTransition {
			t.Errorf("Transition(%v -> %v) = %v, want ErrBadTransition", tc.from, tc.to, err)
		}
	}
}

func TestDeletedIsTerminal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustInsert(t, db, "id1")
	drive(t, db, "id1", message.StateDeleted)

	// A repeated delete confirmation produces no duplicate
	// transition.
	err := db.Transition(ctx, "id1", message.StateDeletionQueued, message.StateDeleted)
	if errors.Cause(err) != ErrConflict {
		t.Errorf("re-delete Transition = %v, want ErrConflict", err)
	}
	if err := db.MarkFailed(ctx, "id1", "late failure"); errors.Cause(err) != ErrConflict {
		t.Errorf("MarkFailed on deleted id = %v, want ErrConflict", err)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustInsert(t, db, "id1")
	drive(t, db, "id1", message.StateArchived)

	if err := db.MarkFailed(ctx, "id1", "checksum mismatch"); err != nil {
		t.Fatalf("MarkFailed = %v, want nil", err)
	}
	var gotID, gotReason string
	err := db.ListFailures(ctx, func(id, reason string) error {
		gotID, gotReason = id, reason
		return nil
	})
	if err != nil {
		t.Fatalf("ListFailures = %v, want nil", err)
	}
	if gotID != "id1" || gotReason != "checksum mismatch" {
		t.Errorf("ListFailures yielded (%q, %q), want (%q, %q)",
			gotID, gotReason, "id1", "checksum mismatch")
	}
}

func TestListByStateAndCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustInsert(t, db, "id1")
	mustInsert(t, db, "id2")
	mustInsert(t, db, "id3")
	drive(t, db, "id2", message.StateVerified)
	drive(t, db, "id3", message.StateVerified)

	var verified []string
	err := db.ListByState(ctx, message.StateVerified, func(id message.ID) error {
		verified = append(verified, id.PermID)
		return nil
	})
	if err != nil {
		t.Fatalf("ListByState = %v, want nil", err)
	}
	if len(verified) != 2 || verified[0] != "id2" || verified[1] != "id3" {
		t.Errorf("ListByState(verified) = %v, want [id2 id3]", verified)
	}

	counts, err := db.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts = %v, want nil", err)
	}
	if counts[message.StateDiscovered] != 1 || counts[message.StateVerified] != 2 {
		t.Errorf("Counts = %v, want 1 discovered and 2 verified", counts)
	}
}

func TestAddRetry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mustInsert(t, db, "id1")
	for want := 1; want <= 3; want++ {
		got, err := db.AddRetry(ctx, "id1")
		if err != nil {
			t.Fatalf("AddRetry = %v, want nil", err)
		}
		if got != want {
			t.Errorf("AddRetry = %d, want %d", got, want)
		}
	}
	// A successful forward transition resets the counter.
	if err := db.MarkFetched(ctx, "id1", "c0ffee", 1); err != nil {
		t.Fatalf("MarkFetched = %v, want nil", err)
	}
	e, err := db.Get(ctx, "id1")
	if err != nil {
		t.Fatalf("Get = %v, want nil", err)
	}
	if e.Retries != 0 {
		t.Errorf("Retries after MarkFetched = %d, want 0", e.Retries)
	}
}

func TestRecover(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// One id per non-terminal in-flight state, plus settled ones.
	mustInsert(t, db, "discovered")
	mustInsert(t, db, "fetched")
	drive(t, db, "fetched", message.StateFetched)
	mustInsert(t, db, "archived-unverified")
	drive(t, db, "archived-unverified", message.StateArchived)
	mustInsert(t, db, "verified")
	drive(t, db, "verified", message.StateVerified)
	mustInsert(t, db, "queued")
	drive(t, db, "queued", message.StateDeletionQueued)
	mustInsert(t, db, "deleted")
	drive(t, db, "deleted", message.StateDeleted)

	moved, err := db.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover = %v, want nil", err)
	}
	if moved != 2 {
		t.Errorf("Recover moved %d rows, want 2", moved)
	}

	want := map[string]message.State{
		"discovered":          message.StateDiscovered,
		"fetched":             message.StateFetched,
		"archived-unverified": message.StateFetched,
		"verified":            message.StateVerified,
		"queued":              message.StateVerified,
		"deleted":             message.StateDeleted,
	}
	for id, wantState := range want {
		e, err := db.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%v) = %v, want nil", id, err)
		}
		if e.State != wantState {
			t.Errorf("after Recover, %v state = %v, want %v", id, e.State, wantState)
		}
	}
}
