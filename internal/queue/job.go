// Package queue carries ingestion jobs from the HTTP intake to the workers
// over NATS JetStream.
//
// Every lane (file, video, repo) is a subject on one work-queue stream with
// its own durable pull consumer, so lanes are drained and rate limited
// independently. Delivery is at-least-once: a job may be handed to a worker
// more than once and handlers must be idempotent. Jobs that fail permanently
// or exhaust their delivery attempts are copied to a dead-letter stream and
// their status record is marked failed.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind names a lane.
type Kind string

const (
	KindFile  Kind = "file"
	KindVideo Kind = "video"
	KindRepo  Kind = "repo"
)

// Kinds lists every lane in a stable order.
var Kinds = []Kind{KindFile, KindVideo, KindRepo}

var (
	// ErrInvalidJob is returned for jobs that can never be processed.
	ErrInvalidJob = errors.New("invalid job")
	// ErrJobNotFound is returned when no status record exists for a job ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrUnknownKind is returned for a lane name outside Kinds.
	ErrUnknownKind = errors.New("unknown job kind")
)

// ParseKind validates a lane name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindFile, KindVideo, KindRepo:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// FileJob references an uploaded file in the upload store.
type FileJob struct {
	Filename        string `json:"filename"`
	SourceDirectory string `json:"source"`
	StoragePath     string `json:"path"`
}

// Job is one unit of ingestion work. Exactly one payload is set, selected
// by Kind: File for KindFile, Link for KindVideo and KindRepo. A job is
// immutable once enqueued.
type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Session     string    `json:"session,omitempty"`
	File        *FileJob  `json:"file,omitempty"`
	Link        string    `json:"link,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewFileJob creates a job for a stored upload.
func NewFileJob(file FileJob, session string) Job {
	return Job{
		ID:          uuid.NewString(),
		Kind:        KindFile,
		Session:     session,
		File:        &file,
		SubmittedAt: time.Now().UTC(),
	}
}

// NewVideoJob creates a job for a video link.
func NewVideoJob(link, session string) Job {
	return newLinkJob(KindVideo, link, session)
}

// NewRepoJob creates a job for a repository link.
func NewRepoJob(link, session string) Job {
	return newLinkJob(KindRepo, link, session)
}

func newLinkJob(kind Kind, link, session string) Job {
	return Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Session:     session,
		Link:        strings.TrimSpace(link),
		SubmittedAt: time.Now().UTC(),
	}
}

// Source returns the reference a loader reads: the storage path for files,
// the link otherwise.
func (j Job) Source() string {
	if j.Kind == KindFile && j.File != nil {
		return j.File.StoragePath
	}
	return j.Link
}

// Validate checks that the payload matches Kind.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	}
	switch j.Kind {
	case KindFile:
		if j.File == nil || j.File.StoragePath == "" {
			return fmt.Errorf("%w: file job %s has no storage path", ErrInvalidJob, j.ID)
		}
		if j.Link != "" {
			return fmt.Errorf("%w: file job %s carries a link", ErrInvalidJob, j.ID)
		}
	case KindVideo, KindRepo:
		if strings.TrimSpace(j.Link) == "" {
			return fmt.Errorf("%w: %s job %s has an empty link", ErrInvalidJob, j.Kind, j.ID)
		}
		if j.File != nil {
			return fmt.Errorf("%w: %s job %s carries a file", ErrInvalidJob, j.Kind, j.ID)
		}
	default:
		return fmt.Errorf("%w: %s: %q", ErrInvalidJob, ErrUnknownKind, j.Kind)
	}
	return nil
}

// DeadLetter is the record published when a job is given up on.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// permanentError marks handler failures that must not be redelivered.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the broker dead-letters the job immediately
// instead of redelivering it.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
