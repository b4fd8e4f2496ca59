// Package blob implements content-addressed file storage and the chunked
// transfer protocol used to move attachments between devices.
//
// Content is keyed by its SHA-256 hex digest and laid out as
//
//	<root>/<hash[0:2]>/<hash[2:4]>/<hash>
//
// Writes go to <root>/tmp first and are renamed into place, so a reader never
// observes a partially written blob under its final name. Downloads in
// progress live in <root>/partial until their digest is verified.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// HashLen is the length of a content hash in hex characters.
const HashLen = sha256.Size * 2

var (
	// ErrNotFound is returned when no blob exists for a hash.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidHash is returned for anything that is not a lowercase
	// 64-character hex digest.
	ErrInvalidHash = errors.New("invalid blob hash")

	// ErrDigestMismatch is returned when downloaded bytes do not hash to the
	// requested digest.
	ErrDigestMismatch = errors.New("blob digest mismatch")
)

// Store is a content-addressed blob directory. Safe for concurrent use.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a blob store rooted at dir.
func NewStore(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, "tmp"), filepath.Join(dir, "partial")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create blob dir: %w", err)
		}
	}
	return &Store{root: dir}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Hash returns the content hash of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether h is a well-formed content hash.
func ValidHash(h string) bool {
	if len(h) != HashLen {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Path returns the final on-disk location for hash.
func (s *Store) Path(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("%q: %w", hash, ErrInvalidHash)
	}
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash), nil
}

// Put stores data and returns its hash. Storing content that already exists
// is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	hash := Hash(data)
	final, _ := s.Path(hash)
	if _, err := os.Stat(final); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), hash+"-*")
	if err != nil {
		return "", fmt.Errorf("put %s: %w", hash, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("put %s: write: %w", hash, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("put %s: sync: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("put %s: close: %w", hash, err)
	}
	if err := s.install(tmpName, final); err != nil {
		return "", fmt.Errorf("put %s: %w", hash, err)
	}
	return hash, nil
}

// install renames src into the fan-out directory for dst.
func (s *Store) install(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create fan-out dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Exists reports whether a blob is stored for hash.
func (s *Store) Exists(hash string) bool {
	p, err := s.Path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Size returns the stored size of hash.
func (s *Store) Size(hash string) (int64, error) {
	p, err := s.Path(hash)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("size %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", hash, err)
	}
	return fi.Size(), nil
}

// ReadRange returns up to length bytes of hash starting at offset. The result
// is shorter than length at end of blob and empty at or past the end.
func (s *Store) ReadRange(hash string, offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("read %s: negative range", hash)
	}
	p, err := s.Path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", hash, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s at %d: %w", hash, offset, err)
	}
	return buf[:n], nil
}

// OpenPartial opens the in-progress download file for hash for appending and
// returns the offset to resume from.
func (s *Store) OpenPartial(hash string) (*os.File, int64, error) {
	if !ValidHash(hash) {
		return nil, 0, fmt.Errorf("%q: %w", hash, ErrInvalidHash)
	}
	f, err := os.OpenFile(s.partialPath(hash), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open partial %s: %w", hash, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat partial %s: %w", hash, err)
	}
	return f, fi.Size(), nil
}

// CommitPartial verifies the downloaded bytes for hash and moves them into the
// store. On a digest mismatch the partial file is discarded.
func (s *Store) CommitPartial(hash string) error {
	final, err := s.Path(hash)
	if err != nil {
		return err
	}
	pp := s.partialPath(hash)

	f, err := os.Open(pp)
	if err != nil {
		return fmt.Errorf("commit %s: %w", hash, err)
	}
	h := sha256.New()
	_, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("commit %s: hash: %w", hash, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		os.Remove(pp)
		return fmt.Errorf("commit %s: got %s: %w", hash, got, ErrDigestMismatch)
	}
	if err := s.install(pp, final); err != nil {
		return fmt.Errorf("commit %s: %w", hash, err)
	}
	return nil
}

// DiscardPartial removes any in-progress download for hash.
func (s *Store) DiscardPartial(hash string) {
	if ValidHash(hash) {
		os.Remove(s.partialPath(hash))
	}
}

func (s *Store) partialPath(hash string) string {
	return filepath.Join(s.root, "partial", hash+".part")
}
