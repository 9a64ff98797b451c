package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Validate(t *testing.T) {
	file := NewFileJob(FileJob{Filename: "notes.pdf", SourceDirectory: "uploads", StoragePath: "uploads/1-abc-notes.pdf"}, "")
	video := NewVideoJob(" https://youtu.be/dQw4w9WgXcQ ", "s1")
	repo := NewRepoJob("https://github.com/octo/notes", "")

	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{name: "file", job: file},
		{name: "video", job: video},
		{name: "repo", job: repo},
		{name: "missing id", job: Job{Kind: KindRepo, Link: "x"}, wantErr: true},
		{name: "file without path", job: Job{ID: "1", Kind: KindFile, File: &FileJob{Filename: "a.pdf"}}, wantErr: true},
		{name: "file without payload", job: Job{ID: "1", Kind: KindFile}, wantErr: true},
		{name: "file with link", job: Job{ID: "1", Kind: KindFile, File: &FileJob{StoragePath: "p"}, Link: "x"}, wantErr: true},
		{name: "empty link", job: NewVideoJob("   ", ""), wantErr: true},
		{name: "link job with file", job: Job{ID: "1", Kind: KindRepo, Link: "x", File: &FileJob{StoragePath: "p"}}, wantErr: true},
		{name: "unknown kind", job: Job{ID: "1", Kind: "podcast", Link: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidJob)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", video.Link)
	assert.Equal(t, "uploads/1-abc-notes.pdf", file.Source())
	assert.Equal(t, video.Link, video.Source())
	assert.NotEqual(t, file.ID, video.ID)
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseKind(" Video ")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, got)

	_, err = ParseKind("pdf")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestPermanent(t *testing.T) {
	base := errors.New("private repository")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "private repository", err.Error())

	wrapped := fmt.Errorf("ingest: %w", err)
	assert.True(t, IsPermanent(wrapped))
	assert.Equal(t, err, Permanent(err), "wrapping twice is a no-op")

	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}
