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

// Package quota tracks the Gmail API quota budget.
//
// Every remote call consumes a number of quota units from a per-user
// per-second budget.  A single Budget is shared by all concurrent
// activity in a run and must be acquired before each call that
// consumes quota; acquisition blocks until the window has room.
package quota

import (
	"context"

	"golang.org/x/time/rate"
)

// Per-call costs in quota units.
// See https://developers.google.com/gmail/api/v1/reference/quota
const (
	UnitsMessagesGet    = 5
	UnitsMessagesList   = 5
	UnitsMessagesTrash  = 5
	UnitsMessagesDelete = 10
	UnitsGetProfile     = 1
)

const (
	// DefaultUnitsPerSecond is the documented per-user budget.
	DefaultUnitsPerSecond = 250
)

// Budget gates remote calls on the service's quota-unit budget.  It
// is safe for concurrent use; all workers in a run share one Budget.
type Budget struct {
	limiter *rate.Limiter
}

// NewBudget returns a Budget admitting unitsPerSecond quota units per
// second.  The limiter runs at 80% of the nominal budget to leave
// headroom for clock skew and undercounted call costs; burst is one
// full window.
func NewBudget(unitsPerSecond int) *Budget {
	if unitsPerSecond <= 0 {
		unitsPerSecond = DefaultUnitsPerSecond
	}
	return &Budget{
		limiter: rate.NewLimiter(rate.Limit(float64(unitsPerSecond)*0.8), unitsPerSecond),
	}
}

// Acquire blocks until n quota units are available in the current
// window, or until ctx is done.
func (b *Budget) Acquire(ctx context.Context, n int) error {
	return b.limiter.WaitN(ctx, n)
}

// Burst returns the maximum units a single acquisition may request.
func (b *Budget) Burst() int {
	return b.limiter.Burst()
}
