// Package storage keeps uploaded files on local disk until a worker has
// ingested them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const maxNameLen = 128

// ErrEmptyUpload is returned when the uploaded body has no bytes.
var ErrEmptyUpload = errors.New("empty upload")

// Stored describes a saved upload.
type Stored struct {
	// Filename is the collision-resistant name on disk.
	Filename string
	// Dir is the upload directory.
	Dir string
	// Path is Dir joined with Filename.
	Path string
	Size int64
}

// Uploads stores files under one directory. Names are
// <unix millis>-<random>-<sanitized original name>, so concurrent uploads of
// the same file never collide.
type Uploads struct {
	dir string
	now func() time.Time
}

// NewUploads creates the directory if needed.
func NewUploads(dir string) (*Uploads, error) {
	if dir == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating upload directory %s: %w", dir, err)
	}
	return &Uploads{dir: dir, now: time.Now}, nil
}

// Dir returns the upload directory.
func (u *Uploads) Dir() string {
	return u.dir
}

// Save writes r to a new file named after original. A partially written
// file is removed on error.
func (u *Uploads) Save(ctx context.Context, original string, r io.Reader) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}

	name := u.uniqueName(original)
	path := filepath.Join(u.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return Stored{}, fmt.Errorf("creating upload %s: %w", name, err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = ErrEmptyUpload
	}
	if err != nil {
		_ = os.Remove(path)
		return Stored{}, fmt.Errorf("writing upload %s: %w", name, err)
	}

	return Stored{Filename: name, Dir: u.dir, Path: path, Size: n}, nil
}

// Remove deletes a stored upload. Missing files are not an error.
func (u *Uploads) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing upload: %w", err)
	}
	return nil
}

func (u *Uploads) uniqueName(original string) string {
	return fmt.Sprintf("%d-%d-%s", u.now().UnixMilli(), rand.IntN(1e9), SanitizeName(original))
}

// SanitizeName reduces an untrusted client filename to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '-' || r == '_':
			return r
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r):
			return '_'
		default:
			return -1
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "upload"
	}
	if len(name) > maxNameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncate(name[:len(name)-len(ext)], maxNameLen-len(ext)) + ext
	}
	return name
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
