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

// Package sweep drives one archival-and-deletion run end to end:
// discover -> fetch -> archive -> verify -> batch delete, with the
// ledger as the single source of truth for resumption.
//
// Deletion of a message can only follow its own checksum-verified
// archival; the ledger's compare-and-set transitions enforce this
// even across crashes and concurrent workers.
package sweep

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/matta/gmsweep/internal/archive"
	"github.com/matta/gmsweep/internal/batch"
	"github.com/matta/gmsweep/internal/gmail"
	"github.com/matta/gmsweep/internal/ledger"
	"github.com/matta/gmsweep/internal/message"
	"github.com/matta/gmsweep/internal/verify"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Options configures a run.
type Options struct {
	// Query is the remote search expression selecting candidate
	// messages.
	Query string

	// Mode selects trash or permanent delete.
	Mode batch.Mode

	// DryRun stops after verification; no deletion calls are
	// ever issued.
	DryRun bool

	// Concurrency bounds the parallel fetch workers.
	Concurrency int

	// FetchAttempts bounds retries of a failing fetch or archive
	// read-back per message.
	FetchAttempts int
}

// DefaultFetchAttempts bounds per-message fetch and archive read-back
// retries when Options leaves FetchAttempts unset.
const DefaultFetchAttempts = 3

const (
	defaultConcurrency = 4

	fetchRetryBase = 500 * time.Millisecond
	fetchRetryMax  = 10 * time.Second
)

func (o *Options) fill() {
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.FetchAttempts <= 0 {
		o.FetchAttempts = DefaultFetchAttempts
	}
}

// Summary reports what one run did.
type Summary struct {
	Discovered int
	Archived   int
	Verified   int
	Deleted    int
	Failed     int
	Deferred   int

	// Mismatches lists ids whose archived bytes did not match
	// their fetch-time checksum.  These are excluded from every
	// deletion count and need manual review.
	Mismatches []string
}

func (s *Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "discovered %d, archived %d, verified %d, deleted %d, failed %d, deferred %d",
		s.Discovered, s.Archived, s.Verified, s.Deleted, s.Failed, s.Deferred)
	if len(s.Mismatches) > 0 {
		fmt.Fprintf(&sb, "; checksum mismatches needing review: %s",
			strings.Join(s.Mismatches, ", "))
	}
	return sb.String()
}

type run struct {
	opts    Options
	remote  MessageStorage
	db      *ledger.DB
	archive ArchiveStore
	gate    *verify.Gate
	batcher Submitter

	mu      sync.Mutex
	summary Summary
}

// Run executes (or resumes) one sweep.  Per-message failures are
// recorded in the ledger and do not abort the run; the returned
// error reports run-level trouble only, and in that case the ledger
// is left consistent for a later resumption.
func Run(ctx context.Context, opts Options, remote MessageStorage, db *ledger.DB,
	ar ArchiveStore, b Submitter) (*Summary, error) {
	opts.fill()
	r := &run{
		opts:    opts,
		remote:  remote,
		db:      db,
		archive: ar,
		gate:    verify.New(ar),
		batcher: b,
	}

	requeued, err := db.Recover(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "recovering interrupted work")
	}
	if requeued > 0 {
		log.Printf("re-queued %d messages left in flight by a previous run", requeued)
	}

	log.Print("discovering candidate messages")
	if err := r.discover(ctx); err != nil {
		return &r.summary, errors.Wrap(err, "failed to discover messages")
	}
	log.Print("downloading and archiving")
	if err := r.download(ctx); err != nil {
		return &r.summary, errors.Wrap(err, "failed to download messages")
	}
	log.Print("verifying archived messages")
	if err := r.verifyPass(ctx); err != nil {
		return &r.summary, errors.Wrap(err, "failed to verify archive")
	}
	if opts.DryRun {
		log.Print("dry run; skipping deletion")
		return &r.summary, nil
	}
	log.Printf("deleting verified messages (%v)", opts.Mode)
	if err := r.deletePass(ctx); err != nil {
		return &r.summary, errors.Wrap(err, "failed to delete messages")
	}
	return &r.summary, nil
}

// discover streams search results into the ledger.  New ids enter at
// Discovered; ids the ledger already tracks are left untouched and do
// not count as discovered again.
func (r *run) discover(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	ids := make(chan message.ID, 1000)
	grp.Go(func() error {
		defer close(ids)
		err := r.remote.Search(ctx, r.opts.Query, func(id message.ID) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ids <- id:
				return nil
			}
		})
		if err != nil {
			return errors.Wrap(err, "unable to search for candidate messages")
		}
		return nil
	})
	grp.Go(func() error {
		for id := range ids {
			inserted, err := r.db.Insert(ctx, id)
			if err != nil {
				return err
			}
			if inserted {
				r.add(func(s *Summary) { s.Discovered++ })
			}
		}
		return nil
	})
	return grp.Wait()
}

// download fetches and archives every id at Discovered or Fetched,
// with a bounded worker pool.  Within one id the steps are strictly
// sequential; across ids there is no ordering.
func (r *run) download(ctx context.Context) error {
	var pending []message.ID
	for _, state := range []message.State{message.StateDiscovered, message.StateFetched} {
		if err := r.snapshot(ctx, state, &pending); err != nil {
			return err
		}
	}

	grp, ctx := errgroup.WithContext(ctx)
	ids := make(chan message.ID)
	grp.Go(func() error {
		defer close(ids)
		for _, id := range pending {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ids <- id:
			}
		}
		return nil
	})
	for i := 0; i < r.opts.Concurrency; i++ {
		grp.Go(func() error {
			for id := range ids {
				if err := r.fetchAndArchive(ctx, id); err != nil {
					return errors.Wrapf(err, "unable to archive message %v", id.PermID)
				}
			}
			return nil
		})
	}
	return grp.Wait()
}

// snapshot collects the ids currently in state.  The ledger is read
// completely before workers start writing transitions, keeping
// sqlite readers and writers out of each other's way.
func (r *run) snapshot(ctx context.Context, state message.State, out *[]message.ID) error {
	return r.db.ListByState(ctx, state, func(id message.ID) error {
		*out = append(*out, id)
		return nil
	})
}

// fetchAndArchive drives one id from Discovered (or a recovered
// Fetched) to Archived.  Per-id failures are recorded and return
// nil; only run-level trouble propagates.
func (r *run) fetchAndArchive(ctx context.Context, id message.ID) error {
	e, err := r.db.Get(ctx, id.PermID)
	if err != nil {
		return err
	}

	switch e.State {
	case message.StateDiscovered:
		body, err := r.fetchWithRetry(ctx, id.PermID)
		if err != nil {
			return r.failFetch(ctx, id.PermID, err)
		}
		raw := []byte(body.Raw)
		sum := archive.Checksum(raw)
		if err := r.db.MarkFetched(ctx, id.PermID, sum, body.SizeEstimate); err != nil {
			return err
		}
		if _, err := r.archive.Write(&body.Header, raw); err != nil {
			return r.failArchive(ctx, id.PermID, err)
		}
		if err := r.db.Transition(ctx, id.PermID, message.StateFetched, message.StateArchived); err != nil {
			return err
		}

	case message.StateFetched:
		// A previous run fetched this id but its archive entry
		// was never verified.  Trust the archive if it has the
		// bytes; re-download otherwise.
		if !r.archive.Have(id.PermID) {
			body, err := r.fetchWithRetry(ctx, id.PermID)
			if err != nil {
				return r.failFetch(ctx, id.PermID, err)
			}
			raw := []byte(body.Raw)
			if sum := archive.Checksum(raw); sum != e.Checksum {
				// The server returned different content
				// than the recorded fetch.  Messages are
				// immutable; treat as integrity trouble.
				return r.fail(ctx, id.PermID, fmt.Sprintf(
					"re-fetch checksum %.12s does not match recorded %.12s", sum, e.Checksum))
			}
			if _, err := r.archive.Write(&body.Header, raw); err != nil {
				return r.failArchive(ctx, id.PermID, err)
			}
		}
		if err := r.db.Transition(ctx, id.PermID, message.StateFetched, message.StateArchived); err != nil {
			return err
		}

	default:
		// Another worker or a concurrent pass moved it; nothing
		// to do.
		return nil
	}

	r.add(func(s *Summary) { s.Archived++ })
	return nil
}

// fetchWithRetry downloads one message, retrying transient failures
// with capped doubling delay up to the configured attempt bound.
func (r *run) fetchWithRetry(ctx context.Context, id string) (*message.Body, error) {
	delay := fetchRetryBase
	for attempt := 1; ; attempt++ {
		body, err := r.remote.GetMessageFull(ctx, id)
		if err == nil {
			return body, nil
		}
		if errors.Cause(err) == gmail.ErrMessageNotFound {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= r.opts.FetchAttempts {
			return nil, err
		}
		if _, err := r.db.AddRetry(ctx, id); err != nil {
			return nil, err
		}
		log.Printf("fetch of %v failed (attempt %d of %d), retrying in %v: %v",
			id, attempt, r.opts.FetchAttempts, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > fetchRetryMax {
			delay = fetchRetryMax
		}
	}
}

func (r *run) failFetch(ctx context.Context, id string, err error) error {
	if errors.Cause(err) == ctx.Err() && ctx.Err() != nil {
		return err
	}
	reason := fmt.Sprintf("fetch failed: %v", err)
	if errors.Cause(err) == gmail.ErrMessageNotFound {
		reason = "message disappeared before archival"
	}
	return r.fail(ctx, id, reason)
}

func (r *run) failArchive(ctx context.Context, id string, err error) error {
	return r.fail(ctx, id, fmt.Sprintf("archive write failed: %v", err))
}

// fail records a terminal per-id failure without aborting the run.
func (r *run) fail(ctx context.Context, id, reason string) error {
	log.Printf("message %v failed: %s", id, reason)
	if err := r.db.MarkFailed(ctx, id, reason); err != nil {
		return err
	}
	r.add(func(s *Summary) { s.Failed++ })
	return nil
}

// verifyPass checks every Archived id against its fetch-time
// checksum.  Mismatches are terminal and reported; a missing archive
// entry is re-downloaded up to the attempt bound.
func (r *run) verifyPass(ctx context.Context) error {
	var pending []message.ID
	if err := r.snapshot(ctx, message.StateArchived, &pending); err != nil {
		return err
	}
	for _, id := range pending {
		if err := r.verifyOne(ctx, id); err != nil {
			return errors.Wrapf(err, "unable to verify message %v", id.PermID)
		}
	}
	return nil
}

func (r *run) verifyOne(ctx context.Context, id message.ID) error {
	for attempt := 1; ; attempt++ {
		e, err := r.db.Get(ctx, id.PermID)
		if err != nil {
			return err
		}
		if e.State != message.StateArchived {
			return nil
		}
		status, err := r.gate.Verify(id.PermID, e.Checksum)
		if err != nil {
			return err
		}
		switch status {
		case verify.OK:
			if err := r.db.MarkVerified(ctx, id.PermID); err != nil {
				return err
			}
			r.add(func(s *Summary) { s.Verified++ })
			return nil

		case verify.Mismatch:
			// Silent corruption between fetch and read-back.
			// Never retried; needs a human.
			r.add(func(s *Summary) { s.Mismatches = append(s.Mismatches, id.PermID) })
			return r.fail(ctx, id.PermID,
				"checksum mismatch between fetched and archived content")

		case verify.Missing:
			if attempt >= r.opts.FetchAttempts {
				return r.fail(ctx, id.PermID,
					"archive entry missing after repeated re-download")
			}
			if _, err := r.db.AddRetry(ctx, id.PermID); err != nil {
				return err
			}
			body, err := r.fetchWithRetry(ctx, id.PermID)
			if err != nil {
				return r.failFetch(ctx, id.PermID, err)
			}
			if _, err := r.archive.Write(&body.Header, []byte(body.Raw)); err != nil {
				return r.failArchive(ctx, id.PermID, err)
			}
			// Loop around and verify the rewritten entry.
		}
	}
}

// deletePass queues every Verified id and submits the deletion
// batches, applying the per-id outcomes to the ledger.
func (r *run) deletePass(ctx context.Context) error {
	var pending []message.ID
	if err := r.snapshot(ctx, message.StateVerified, &pending); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	queued := make([]string, 0, len(pending))
	for _, id := range pending {
		err := r.db.Transition(ctx, id.PermID, message.StateVerified, message.StateDeletionQueued)
		if errors.Cause(err) == ledger.ErrConflict {
			continue
		}
		if err != nil {
			return err
		}
		queued = append(queued, id.PermID)
	}

	results, submitErr := r.batcher.Submit(ctx, queued, r.opts.Mode)
	for _, res := range results {
		switch res.Outcome {
		case batch.OutcomeDeleted:
			if err := r.db.Transition(ctx, res.ID,
				message.StateDeletionQueued, message.StateDeleted); err != nil {
				return err
			}
			r.add(func(s *Summary) { s.Deleted++ })
		case batch.OutcomeRejected:
			if err := r.fail(ctx, res.ID, "deletion rejected: "+res.Reason); err != nil {
				return err
			}
		case batch.OutcomeDeferred:
			if err := r.db.MarkDeferred(ctx, res.ID); err != nil {
				return err
			}
			r.add(func(s *Summary) { s.Deferred++ })
		}
	}
	// Ids the submit never reached (run-level abort) stay
	// DeletionQueued; the next run's recovery re-queues them at
	// Verified.
	return submitErr
}

func (r *run) add(f func(*Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.summary)
}
