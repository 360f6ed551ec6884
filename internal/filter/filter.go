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

// Package filter builds Gmail search query expressions from
// deletion-candidate criteria.
package filter

import (
	"fmt"
	"strings"
)

// Criteria selects the messages a run considers for archival and
// deletion.  The zero value matches nothing useful; Default returns
// the conservative starting point.
type Criteria struct {
	// Only messages received more than OlderThanDays ago.
	OlderThanDays int

	// Only messages larger than LargerThanBytes, if > 0.
	LargerThanBytes int64

	// Only messages from these senders (OR-ed), if non-empty.
	FromSenders []string

	// Never messages from these senders.
	ExcludeSenders []string

	// Never messages carrying any of these labels.
	ExcludeLabels []string

	// Raw query fragment appended verbatim, for anything the
	// structured fields cannot express.
	RawQuery string
}

// Default returns the criteria a fresh configuration starts with:
// messages older than a year, keeping anything important, starred,
// sent, or drafted.
func Default() Criteria {
	return Criteria{
		OlderThanDays: 365,
		ExcludeLabels: []string{"IMPORTANT", "STARRED", "SENT", "DRAFT"},
	}
}

// Query renders the criteria as a Gmail search expression.  Chat
// messages are always excluded; they cannot be fetched in raw form.
func (c Criteria) Query() string {
	terms := []string{"-is:chat"}
	if c.OlderThanDays > 0 {
		terms = append(terms, fmt.Sprintf("older_than:%dd", c.OlderThanDays))
	}
	if c.LargerThanBytes > 0 {
		terms = append(terms, fmt.Sprintf("larger:%d", c.LargerThanBytes))
	}
	if len(c.FromSenders) > 0 {
		quoted := make([]string, 0, len(c.FromSenders))
		for _, s := range c.FromSenders {
			quoted = append(quoted, "from:"+s)
		}
		terms = append(terms, "{"+strings.Join(quoted, " ")+"}")
	}
	for _, s := range c.ExcludeSenders {
		terms = append(terms, "-from:"+s)
	}
	for _, l := range c.ExcludeLabels {
		terms = append(terms, "-label:"+strings.ToLower(l))
	}
	if c.RawQuery != "" {
		terms = append(terms, c.RawQuery)
	}
	return strings.Join(terms, " ")
}
