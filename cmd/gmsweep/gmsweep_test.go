package main

import (
	"testing"

	"github.com/matta/gmsweep/internal/batch"
)

func TestSplitList(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a@example.com", []string{"a@example.com"}},
		{"a@example.com, b@example.com ,", []string{"a@example.com", "b@example.com"}},
	}
	for _, tc := range cases {
		got := splitList(tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("splitList(%q) = %#v, want %#v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("splitList(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		}
	}
}

func TestDeletionMode(t *testing.T) {
	defer func(old string) { *flagMode = old }(*flagMode)

	*flagMode = "trash"
	if mode, _, err := deletionMode(); err != nil || mode != batch.ModeTrash {
		t.Errorf("deletionMode() = (%v, %v), want (%v, nil)", mode, err, batch.ModeTrash)
	}
	*flagMode = "delete"
	if mode, _, err := deletionMode(); err != nil || mode != batch.ModePermanent {
		t.Errorf("deletionMode() = (%v, %v), want (%v, nil)", mode, err, batch.ModePermanent)
	}
	*flagMode = "obliterate"
	if _, _, err := deletionMode(); err == nil {
		t.Error("deletionMode() accepted invalid mode, want error")
	}
}

func TestSweepOptionsCarryRetryBounds(t *testing.T) {
	defer func(fetch, workers int, dry bool) {
		*flagFetchAttempts = fetch
		*flagConcurrency = workers
		*flagDryRun = dry
	}(*flagFetchAttempts, *flagConcurrency, *flagDryRun)

	*flagFetchAttempts = 7
	*flagConcurrency = 2
	*flagDryRun = false

	opts := sweepOptions(batch.ModePermanent)
	if opts.FetchAttempts != 7 {
		t.Errorf("sweepOptions FetchAttempts = %d, want 7", opts.FetchAttempts)
	}
	if opts.Concurrency != 2 {
		t.Errorf("sweepOptions Concurrency = %d, want 2", opts.Concurrency)
	}
	if opts.DryRun || opts.Mode != batch.ModePermanent {
		t.Errorf("sweepOptions = %+v, want permanent mode without dry run", opts)
	}
}
