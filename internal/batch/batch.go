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

// Package batch groups verified message ids into bounded deletion
// batches and drives them against the remote service with bounded,
// jittered exponential backoff.
//
// Ids are never dropped: every submitted id comes back as Deleted,
// Rejected, or Deferred.  Deferred ids remain eligible for the next
// run; Rejected ids are permanently excluded.
package batch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/matta/gmsweep/internal/gmail"

	"github.com/pkg/errors"
)

// Mode selects soft delete (trash) or permanent delete.  It is
// always caller-supplied, never inferred.
type Mode int

const (
	ModeTrash Mode = iota
	ModePermanent
)

func (m Mode) String() string {
	if m == ModePermanent {
		return "permanent-delete"
	}
	return "trash"
}

// Outcome is the terminal per-id result of a Submit call.
type Outcome int

const (
	// OutcomeDeleted: the service confirmed removal (or the id
	// was already absent; deletion is idempotent per id).
	OutcomeDeleted Outcome = iota

	// OutcomeRejected: a permanent refusal; the id must not be
	// retried.
	OutcomeRejected

	// OutcomeDeferred: transient failures outlasted the retry
	// budget; the id stays eligible for the next run.
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeleted:
		return "deleted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "deferred"
	}
}

// Result is the per-id outcome of a Submit call.
type Result struct {
	ID      string
	Outcome Outcome
	Reason  string
}

// Deleter issues remote deletion calls with per-id results.
// Satisfied by *gmail.Service.
type Deleter interface {
	Trash(ctx context.Context, ids []string) ([]gmail.DeleteResult, error)
	DeletePermanent(ctx context.Context, ids []string) ([]gmail.DeleteResult, error)
}

const (
	// DefaultSize is the service-imposed batch bound.
	DefaultSize = 100

	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = time.Minute
)

// Batcher submits deletion batches.  The zero value is not usable;
// call New.
type Batcher struct {
	deleter     Deleter
	size        int
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
	rand  *rand.Rand
}

// Option adjusts a Batcher.
type Option func(*Batcher)

// WithSize bounds the number of ids per remote batch.
func WithSize(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.size = n
		}
	}
}

// WithRetry bounds the attempt count and backoff delays.
func WithRetry(maxAttempts int, base, max time.Duration) Option {
	return func(b *Batcher) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if base > 0 {
			b.baseDelay = base
		}
		if max > 0 {
			b.maxDelay = max
		}
	}
}

func withSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Batcher) { b.sleep = f }
}

func New(d Deleter, opts ...Option) *Batcher {
	b := &Batcher{
		deleter:     d,
		size:        DefaultSize,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		sleep:       sleepCtx,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the jittered delay before retry attempt n (0
// based): the capped exponential delay, scaled to between half and
// full value so synchronized clients spread out.
func (b *Batcher) backoff(attempt int) time.Duration {
	d := b.baseDelay << uint(attempt)
	if d > b.maxDelay || d <= 0 {
		d = b.maxDelay
	}
	half := d / 2
	return half + time.Duration(b.rand.Int63n(int64(half)+1))
}

// Submit deletes the ids in batches of at most the configured size,
// in the given mode.  The returned results cover every submitted id
// exactly once.  A non-nil error reports run-level cancellation; the
// results accumulated so far are still valid, and unreported ids
// remain untouched in the ledger for the next run.
func (b *Batcher) Submit(ctx context.Context, ids []string, mode Mode) ([]Result, error) {
	results := make([]Result, 0, len(ids))
	for start := 0; start < len(ids); start += b.size {
		end := start + b.size
		if end > len(ids) {
			end = len(ids)
		}
		got, err := b.submitBatch(ctx, ids[start:end], mode)
		results = append(results, got...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (b *Batcher) submitBatch(ctx context.Context, ids []string, mode Mode) ([]Result, error) {
	results := make([]Result, 0, len(ids))
	pending := ids
	for attempt := 0; ; attempt++ {
		remote, err := b.call(ctx, pending, mode)
		// The remote results cover a prefix of pending when the
		// call aborted mid-batch; everything after it stays
		// pending.
		var retry []string
		var retryReason string
		for _, r := range remote {
			switch r.Status {
			case gmail.DeleteOK, gmail.DeleteNotFound:
				results = append(results, Result{ID: r.ID, Outcome: OutcomeDeleted})
			case gmail.DeleteRejected:
				results = append(results, Result{
					ID:      r.ID,
					Outcome: OutcomeRejected,
					Reason:  fmt.Sprintf("%v", r.Err),
				})
			default:
				retry = append(retry, r.ID)
				if retryReason == "" {
					retryReason = fmt.Sprintf("%v", r.Err)
				}
			}
		}
		if err != nil {
			// Run-level abort (cancellation).  Uncalled ids
			// are not Deferred; they were never attempted
			// this run.
			return results, errors.Wrapf(err, "%v batch aborted", mode)
		}
		retry = append(retry, pending[len(remote):]...)
		if len(retry) == 0 {
			return results, nil
		}
		if attempt+1 >= b.maxAttempts {
			for _, id := range retry {
				results = append(results, Result{
					ID:      id,
					Outcome: OutcomeDeferred,
					Reason:  retryReason,
				})
			}
			return results, nil
		}
		if err := b.sleep(ctx, b.backoff(attempt)); err != nil {
			return results, errors.Wrapf(err, "%v batch aborted during backoff", mode)
		}
		pending = retry
	}
}

func (b *Batcher) call(ctx context.Context, ids []string, mode Mode) ([]gmail.DeleteResult, error) {
	if mode == ModePermanent {
		return b.deleter.DeletePermanent(ctx, ids)
	}
	return b.deleter.Trash(ctx, ids)
}
