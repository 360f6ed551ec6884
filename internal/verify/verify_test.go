package verify

import (
	"testing"

	"github.com/matta/gmsweep/internal/archive"
	"github.com/matta/gmsweep/internal/message"

	"github.com/pkg/errors"
)

type fakeReader struct {
	sums map[string]string
	errs map[string]error
}

func (f *fakeReader) ReadChecksum(id string) (string, error) {
	if err, ok := f.errs[id]; ok {
		return "", err
	}
	if sum, ok := f.sums[id]; ok {
		return sum, nil
	}
	return "", archive.ErrAbsent
}

func TestVerify(t *testing.T) {
	f := &fakeReader{
		sums: map[string]string{
			"good": "aaaa",
			"bad":  "bbbb",
		},
		errs: map[string]error{
			"empty":   archive.ErrIntegrity,
			"wrapped": errors.Wrap(archive.ErrAbsent, "reading archived message"),
		},
	}
	g := New(f)

	cases := []struct {
		name  string
		id    string
		fetch string
		want  Status
	}{
		{"match", "good", "aaaa", OK},
		{"mismatch", "bad", "aaaa", Mismatch},
		{"absent", "gone", "aaaa", Missing},
		{"empty file", "empty", "aaaa", Missing},
		{"wrapped absent", "wrapped", "aaaa", Missing},
	}
	for _, tc := range cases {
		got, err := g.Verify(tc.id, tc.fetch)
		if err != nil {
			t.Errorf("%s: Verify = error %v, want nil", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: Verify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestVerifyRequiresFetchChecksum(t *testing.T) {
	g := New(&fakeReader{})
	if _, err := g.Verify("id1", ""); err == nil {
		t.Error("Verify with empty fetch checksum = nil error, want error")
	}
}

// The gate against a real archive store: archived bytes that differ
// from the fetch-time checksum must come back Mismatch, never OK.
func TestVerifyAgainstStore(t *testing.T) {
	s, err := archive.New(t.TempDir())
	if err != nil {
		t.Fatalf("archive.New = %v, want nil", err)
	}
	hdr := &message.Header{ID: message.ID{PermID: "id1", ThreadID: "t1"}}
	archived := []byte("what actually hit the disk\n")
	if _, err := s.Write(hdr, archived); err != nil {
		t.Fatalf("Write = %v, want nil", err)
	}

	g := New(s)

	got, err := g.Verify("id1", archive.Checksum(archived))
	if err != nil || got != OK {
		t.Errorf("Verify(matching) = (%v, %v), want (OK, nil)", got, err)
	}

	fetched := archive.Checksum([]byte("what the fetch actually returned\n"))
	got, err = g.Verify("id1", fetched)
	if err != nil || got != Mismatch {
		t.Errorf("Verify(corrupted) = (%v, %v), want (Mismatch, nil)", got, err)
	}
}
