package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/exambuddy/internal/loader"
	"github.com/fyrsmithlabs/exambuddy/internal/loader/loadertest"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
	"github.com/fyrsmithlabs/exambuddy/internal/queue/queuetest"
)

func TestRun_ConcurrentFileJobs(t *testing.T) {
	nc := queuetest.Connect(t)
	broker, err := queue.New(context.Background(), nc, queue.Config{MemoryStore: true, Concurrency: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	store := newTestStore(t)
	w, err := NewWorker(store, Loaders{File: loader.NewPDFLoader()}, testCollection)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, broker, w, queue.Kinds, 10, nil) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("runner did not stop")
		}
	})

	dir := t.TempDir()
	jobs := make([]queue.Job, 10)
	for i := range jobs {
		path := filepath.Join(dir, fmt.Sprintf("chapter-%d.pdf", i))
		pdf := loadertest.PDF(
			fmt.Sprintf("Chapter %d introduction", i),
			fmt.Sprintf("Chapter %d summary", i),
		)
		require.NoError(t, os.WriteFile(path, pdf, 0o600))
		jobs[i] = queue.NewFileJob(queue.FileJob{Filename: filepath.Base(path), SourceDirectory: dir, StoragePath: path}, "")
	}
	for _, job := range jobs {
		require.NoError(t, broker.Enqueue(context.Background(), job))
	}

	for _, job := range jobs {
		require.Eventually(t, func() bool {
			st, err := broker.Status(context.Background(), job.ID)
			return err == nil && st.State == queue.StateDone
		}, 15*time.Second, 25*time.Millisecond, "job %s not done", job.ID)
	}

	assert.Equal(t, 20, pointCount(t, store, testCollection))

	results, err := store.Search(context.Background(), testCollection, "Chapter 7 summary", 20)
	require.NoError(t, err)
	sources := make(map[string]bool)
	for _, r := range results {
		sources[r.Chunk.Metadata.Source] = true
	}
	assert.Len(t, sources, 10)
}

func TestRun_BadPDFIsDeadLettered(t *testing.T) {
	nc := queuetest.Connect(t)
	broker, err := queue.New(context.Background(), nc, queue.Config{MemoryStore: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	w, err := NewWorker(newTestStore(t), Loaders{File: loader.NewPDFLoader()}, testCollection)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, broker, w, []queue.Kind{queue.KindFile}, 2, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	path := filepath.Join(t.TempDir(), "garbage.pdf")
	require.NoError(t, os.WriteFile(path, []byte("not a pdf"), 0o600))
	job := queue.NewFileJob(queue.FileJob{Filename: "garbage.pdf", SourceDirectory: filepath.Dir(path), StoragePath: path}, "")
	require.NoError(t, broker.Enqueue(context.Background(), job))

	var st *queue.Status
	require.Eventually(t, func() bool {
		st, err = broker.Status(context.Background(), job.ID)
		return err == nil && st.State == queue.StateFailed
	}, 10*time.Second, 25*time.Millisecond)
	assert.Equal(t, 1, st.Attempts)
	assert.NotEmpty(t, st.Error)
}

type failingConsumer struct{ err error }

func (f failingConsumer) Consume(ctx context.Context, _ queue.Kind, _ queue.Executor, _ queue.Handler) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func TestRun_LaneErrorStopsRunner(t *testing.T) {
	w, err := NewWorker(newTestStore(t), Loaders{}, testCollection)
	require.NoError(t, err)

	boom := errors.New("stream missing")
	err = Run(context.Background(), failingConsumer{err: boom}, w, queue.Kinds, 1, nil)
	require.ErrorIs(t, err, boom)
}

func TestRun_StopsOnCancel(t *testing.T) {
	w, err := NewWorker(newTestStore(t), Loaders{}, testCollection)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, Run(ctx, failingConsumer{}, w, queue.Kinds, 1, nil))
}

func TestRun_NoLanes(t *testing.T) {
	w, err := NewWorker(newTestStore(t), Loaders{}, testCollection)
	require.NoError(t, err)
	require.Error(t, Run(context.Background(), failingConsumer{}, w, nil, 1, nil))
}
