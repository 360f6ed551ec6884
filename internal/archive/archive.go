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

// Package archive is the durable local store for downloaded
// messages.
//
// Each message is written once, keyed by its permanent id, as a raw
// RFC 2822 file plus a JSON metadata sidecar.  The store never
// mutates or removes an entry; a second Write for the same id is a
// no-op when the content checksum matches and an integrity error
// otherwise.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/matta/gmsweep/internal/message"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	metaSuffix = ".meta.json"

	pathFarm16 = "abcdefghijklmnop"
)

var (
	// ErrAbsent reports that no entry exists for the id.
	ErrAbsent = errors.New("archive entry absent")

	// ErrIntegrity reports that an entry exists for the id with
	// different content than a write supplied, or that its bytes
	// read back corrupted.
	ErrIntegrity = errors.New("archive entry integrity violation")
)

// Store is a write-once filesystem archive rooted at a directory.
type Store struct {
	root string
}

type path struct {
	root string
	dirs []string
	base string
}

func (p path) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

// New opens (creating if necessary) an archive rooted at root.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	if err := mkdirfarm(root, 2); err != nil {
		return nil, errors.Wrapf(err, "unable to create archive directories under %q", root)
	}
	return s, nil
}

// Checksum returns the content digest the archive records for raw
// message bytes, as a hex string.
func Checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Have reports whether an entry for id exists.
func (s *Store) Have(id string) bool {
	_, err := os.Stat(s.makePath(id).Join())
	return err == nil
}

// Write stores the message under its id and returns the checksum of
// the bytes as written.  Writing an id that already exists succeeds
// without touching the file when the stored bytes carry the same
// checksum, and returns ErrIntegrity when they do not.
func (s *Store) Write(hdr *message.Header, raw []byte) (string, error) {
	if hdr.PermID == "" {
		return "", errors.New("message has no ID")
	}
	if len(raw) == 0 {
		return "", errors.New("message has no content")
	}
	sum := Checksum(raw)
	p := s.makePath(hdr.PermID).Join()

	if s.Have(hdr.PermID) {
		existing, err := s.ReadChecksum(hdr.PermID)
		switch {
		case errors.Cause(err) == ErrIntegrity:
			// An empty entry from an interrupted write is
			// not content; fall through and rewrite it.
		case err != nil:
			return "", err
		case existing != sum:
			return "", errors.Wrapf(ErrIntegrity,
				"rewrite of %v with different content (have %.12s, got %.12s)",
				hdr.PermID, existing, sum)
		default:
			return sum, nil
		}
	}

	// Write the sidecar first; an entry is only considered
	// present once the message file itself exists.
	meta, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "encoding metadata for %v", hdr.PermID)
	}
	if err := os.WriteFile(p+metaSuffix, meta, messageFileMode); err != nil {
		return "", errors.Wrapf(err, "writing metadata for %v", hdr.PermID)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, raw, messageFileMode); err != nil {
		return "", errors.Wrapf(err, "writing message %v", hdr.PermID)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", errors.Wrapf(err, "finalizing message %v", hdr.PermID)
	}
	return sum, nil
}

// ReadChecksum recomputes the checksum from the archived bytes of
// id.  Returns ErrAbsent when no entry exists.
func (s *Store) ReadChecksum(id string) (string, error) {
	raw, err := os.ReadFile(s.makePath(id).Join())
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrAbsent
		}
		return "", errors.Wrapf(err, "reading archived message %v", id)
	}
	if len(raw) == 0 {
		return "", errors.Wrapf(ErrIntegrity, "archived message %v is empty", id)
	}
	return Checksum(raw), nil
}

// ReadMetadata returns the metadata sidecar recorded for id.
func (s *Store) ReadMetadata(id string) (*message.Header, error) {
	b, err := os.ReadFile(s.makePath(id).Join() + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAbsent
		}
		return nil, errors.Wrapf(err, "reading metadata for %v", id)
	}
	var hdr message.Header
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrapf(err, "decoding metadata for %v", id)
	}
	return &hdr, nil
}

// basename holds the fields encoded into the basename portion of an
// archived message's file name.
type basename struct {
	// A unique string designating the scope under which the
	// permID is both unique and permanent.  For Gmail, the
	// account's email address.
	scope string

	// A unique string identifying the message; the Gmail API's
	// Users.messages resource "id" field.
	permID string
}

// Return the specified string with characters that should not appear
// in an archive filename escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the specified character should be escaped when
// appearing in an archive filename.  Only unpunctuated portable
// filename characters pass through.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}
	return true
}

// encode returns the basename in a filename safe form, prefixed with
// a distinguisher and an encoding version.
func (b basename) encode() string {
	var sb strings.Builder
	const prefix = "gmsweep-1-"
	sb.Grow(len(prefix) + len(b.scope) + len(b.permID) + 1)
	sb.WriteString(prefix)
	sb.WriteString(escape(b.scope))
	sb.WriteRune('-')
	sb.WriteString(escape(b.permID))
	return sb.String()
}

func mkdirfarm(path string, depth int) error {
	if err := os.MkdirAll(path, dirFileMode); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(id string) []string {
	fp := fingerprint([]byte(id))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (s *Store) makePath(id string) path {
	return path{
		root: s.root,
		dirs: pathParts(id),
		// TODO: thread the account email address through as the
		// scope once gmailhttp exposes it.
		base: basename{scope: "me", permID: id}.encode(),
	}
}
