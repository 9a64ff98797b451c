// Package loader converts an ingestion source (an uploaded PDF, a video
// link or a repository link) into an ordered sequence of chunks carrying
// locator metadata.
//
// Loaders classify their failures. Errors wrapping ErrPermanent describe
// sources that will never load (corrupt file, private repository, video
// without captions) and are not worth redelivering; every other error is
// assumed transient.
package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent loader failure")

// Loader loads one source reference into chunks.
type Loader interface {
	Load(ctx context.Context, source string) ([]document.Chunk, error)
}

// Permanent wraps err so that IsPermanent reports true.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
