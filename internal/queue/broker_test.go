package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/queue/queuetest"
)

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	nc := queuetest.Connect(t)
	cfg.MemoryStore = true
	b, err := New(context.Background(), nc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// runLane consumes kind until the test ends.
func runLane(t *testing.T, b *Broker, kind Kind, handle Handler) {
	t.Helper()
	pool, err := ants.NewPool(10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, kind, pool, handle) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("lane did not stop")
		}
		pool.Release()
	})
}

func waitForState(t *testing.T, b *Broker, id string, state State) *Status {
	t.Helper()
	var st *Status
	require.Eventually(t, func() bool {
		var err error
		st, err = b.Status(context.Background(), id)
		return err == nil && st.State == state
	}, 10*time.Second, 20*time.Millisecond, "job %s never reached %s", id, state)
	return st
}

func TestBroker_EnqueueAndConsume(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	job := NewFileJob(FileJob{Filename: "notes.pdf", SourceDirectory: "uploads", StoragePath: "uploads/1-x-notes.pdf"}, "abc123")
	require.NoError(t, b.Enqueue(ctx, job))

	st, err := b.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
	assert.Equal(t, KindFile, st.Kind)
	assert.Equal(t, "abc123", st.Session)
	assert.Equal(t, "uploads/1-x-notes.pdf", st.Source)

	got := make(chan Delivery, 1)
	runLane(t, b, KindFile, func(_ context.Context, d Delivery) (Result, error) {
		got <- d
		return Result{Chunks: 3}, nil
	})

	select {
	case d := <-got:
		assert.Equal(t, job.ID, d.Job.ID)
		require.NotNil(t, d.Job.File)
		assert.Equal(t, job.File.StoragePath, d.Job.File.StoragePath)
		assert.Equal(t, 1, d.Attempt)
		assert.Equal(t, 3, d.MaxAttempts)
	case <-time.After(10 * time.Second):
		t.Fatal("job was not delivered")
	}

	st = waitForState(t, b, job.ID, StateDone)
	assert.Equal(t, 3, st.Chunks)
	assert.Equal(t, 1, st.Attempts)
	assert.NotNil(t, st.FinishedAt)
	assert.Empty(t, st.Error)
}

func TestBroker_LanesAreIndependent(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	video := NewVideoJob("https://youtu.be/dQw4w9WgXcQ", "")
	repo := NewRepoJob("https://github.com/octo/notes", "")
	require.NoError(t, b.Enqueue(ctx, video))
	require.NoError(t, b.Enqueue(ctx, repo))

	var mu sync.Mutex
	var seen []Kind
	runLane(t, b, KindRepo, func(_ context.Context, d Delivery) (Result, error) {
		mu.Lock()
		seen = append(seen, d.Job.Kind)
		mu.Unlock()
		return Result{}, nil
	})

	waitForState(t, b, repo.ID, StateDone)

	st, err := b.Status(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)

	mu.Lock()
	assert.Equal(t, []Kind{KindRepo}, seen)
	mu.Unlock()
}

func TestBroker_RetriesTransientFailure(t *testing.T) {
	b := newTestBroker(t, Config{RetryBackoff: 10 * time.Millisecond})
	ctx := context.Background()

	job := NewRepoJob("https://github.com/octo/notes", "")
	require.NoError(t, b.Enqueue(ctx, job))

	var calls atomic.Int32
	runLane(t, b, KindRepo, func(_ context.Context, d Delivery) (Result, error) {
		if calls.Add(1) == 1 {
			return Result{}, errors.New("github unavailable")
		}
		return Result{Chunks: 2}, nil
	})

	st := waitForState(t, b, job.ID, StateDone)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, 2, st.Chunks)
	assert.Empty(t, st.Error)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBroker_PermanentFailureIsDeadLettered(t *testing.T) {
	b := newTestBroker(t, Config{RetryBackoff: 10 * time.Millisecond})
	ctx := context.Background()

	job := NewVideoJob("https://youtu.be/dQw4w9WgXcQ", "")
	require.NoError(t, b.Enqueue(ctx, job))

	var calls atomic.Int32
	runLane(t, b, KindVideo, func(_ context.Context, _ Delivery) (Result, error) {
		calls.Add(1)
		return Result{}, Permanent(errors.New("no transcript available"))
	})

	st := waitForState(t, b, job.ID, StateFailed)
	assert.Equal(t, 1, st.Attempts)
	assert.Contains(t, st.Error, "no transcript available")
	assert.Equal(t, int32(1), calls.Load())

	dls, err := b.DeadLetters(ctx, KindVideo, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, job.ID, dls[0].Job.ID)
	assert.Equal(t, 1, dls[0].Attempts)
	assert.Contains(t, dls[0].Error, "no transcript available")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	for _, s := range stats {
		if s.Kind == KindVideo {
			assert.Equal(t, uint64(1), s.DeadLetters)
			assert.Zero(t, s.Pending)
		} else {
			assert.Zero(t, s.DeadLetters)
		}
	}
}

func TestBroker_ExhaustedAttemptsAreDeadLettered(t *testing.T) {
	b := newTestBroker(t, Config{MaxDeliver: 2, RetryBackoff: 10 * time.Millisecond})
	ctx := context.Background()

	job := NewRepoJob("https://github.com/octo/flaky", "")
	require.NoError(t, b.Enqueue(ctx, job))

	var calls atomic.Int32
	runLane(t, b, KindRepo, func(_ context.Context, d Delivery) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("connection reset")
	})

	st := waitForState(t, b, job.ID, StateFailed)
	assert.Equal(t, 2, st.Attempts)
	assert.Contains(t, st.Error, "connection reset")

	// No third attempt after the job was terminated.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBroker_BoundsConcurrency(t *testing.T) {
	b := newTestBroker(t, Config{Concurrency: 2})
	ctx := context.Background()

	var ids []string
	for range 6 {
		job := NewRepoJob("https://github.com/octo/notes", "")
		require.NoError(t, b.Enqueue(ctx, job))
		ids = append(ids, job.ID)
	}

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	runLane(t, b, KindRepo, func(_ context.Context, _ Delivery) (Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return Result{}, nil
	})

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 10*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
	close(release)

	for _, id := range ids {
		waitForState(t, b, id, StateDone)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBroker_EnqueueRejectsInvalidJob(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	job := NewRepoJob("  ", "")
	require.ErrorIs(t, b.Enqueue(ctx, job), ErrInvalidJob)

	_, err := b.Status(ctx, job.ID)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestBroker_DuplicatePublishIsStoredOnce(t *testing.T) {
	b := newTestBroker(t, Config{})
	ctx := context.Background()

	job := NewRepoJob("https://github.com/octo/notes", "")
	require.NoError(t, b.Enqueue(ctx, job))
	require.NoError(t, b.Enqueue(ctx, job))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	for _, s := range stats {
		if s.Kind == KindRepo {
			assert.Equal(t, uint64(1), s.Pending)
		}
	}
}

func TestBroker_StatusNotFound(t *testing.T) {
	b := newTestBroker(t, Config{})
	_, err := b.Status(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestBroker_RetryDelay(t *testing.T) {
	b := &Broker{cfg: Config{RetryBackoff: time.Second}}
	assert.Equal(t, time.Second, b.retryDelay(1))
	assert.Equal(t, 2*time.Second, b.retryDelay(2))
	assert.Equal(t, 4*time.Second, b.retryDelay(3))
	assert.Equal(t, maxRetryDelay, b.retryDelay(30))
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, 5*time.Minute, cfg.AckWait)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 100, cfg.Concurrency)
	assert.Equal(t, "INGEST", cfg.Stream)
	assert.Equal(t, "INGEST_DLQ", cfg.DeadLetterStream)

	loaded := ConfigFrom(config.Default().Queue)
	loaded.applyDefaults()
	assert.Equal(t, loaded, cfg)

	custom := Config{Stream: "LECTURES", MaxDeliver: 2, RetryBackoff: time.Millisecond}
	custom.applyDefaults()
	assert.Equal(t, 2, custom.MaxDeliver)
	assert.Equal(t, time.Millisecond, custom.RetryBackoff)
	assert.Equal(t, "LECTURES_DLQ", custom.DeadLetterStream)
}
