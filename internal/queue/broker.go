package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/logging"
	"github.com/fyrsmithlabs/exambuddy/internal/metrics"
)

const maxRetryDelay = 5 * time.Minute

// Config describes the JetStream resources backing the lanes.
type Config struct {
	Stream           string
	SubjectPrefix    string
	DeadLetterStream string
	StatusBucket     string
	StatusTTL        time.Duration
	// MaxDeliver is the number of attempts a job gets before it is
	// dead-lettered.
	MaxDeliver   int
	AckWait      time.Duration
	RetryBackoff time.Duration
	// Concurrency bounds unacknowledged jobs per lane.
	Concurrency int
	MemoryStore bool
}

// ConfigFrom maps the queue section of the application config.
func ConfigFrom(cfg config.QueueConfig) Config {
	return Config{
		Stream:           cfg.Stream,
		SubjectPrefix:    cfg.SubjectPrefix,
		DeadLetterStream: cfg.DeadLetterStream,
		StatusBucket:     cfg.StatusBucket,
		StatusTTL:        cfg.StatusTTL,
		MaxDeliver:       cfg.MaxDeliver,
		AckWait:          cfg.AckWait,
		RetryBackoff:     cfg.RetryBackoff,
		Concurrency:      cfg.Concurrency,
		MemoryStore:      cfg.MemoryStore,
	}
}

// applyDefaults fills unset fields with the application defaults so a
// Config built in code retries the same way as the binaries.
func (c *Config) applyDefaults() {
	d := ConfigFrom(config.Default().Queue)
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.DeadLetterStream == "" {
		c.DeadLetterStream = c.Stream + "_DLQ"
	}
	if c.StatusBucket == "" {
		c.StatusBucket = d.StatusBucket
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = d.StatusTTL
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
}

func (c Config) storage() jetstream.StorageType {
	if c.MemoryStore {
		return jetstream.MemoryStorage
	}
	return jetstream.FileStorage
}

// Delivery is one attempt at a job.
type Delivery struct {
	Job Job
	// Attempt is 1 on first delivery.
	Attempt     int
	MaxAttempts int
}

// Final reports whether a failure of this attempt dead-letters the job.
func (d Delivery) Final() bool {
	return d.Attempt >= d.MaxAttempts
}

// Result is what a handler reports for a successful job.
type Result struct {
	Chunks int
}

// Handler processes one delivery. Returning an error wrapped by Permanent
// dead-letters the job; any other error schedules a redelivery until the
// attempts are exhausted.
type Handler func(ctx context.Context, d Delivery) (Result, error)

// Executor runs handler invocations. *ants.Pool satisfies it.
type Executor interface {
	Submit(task func()) error
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithMetrics records enqueue and dead-letter counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// Broker publishes and consumes ingestion jobs.
type Broker struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	cfg      Config
	status   *statusStore
	logger   *logging.Logger
	metrics  *metrics.Metrics
	ownsConn bool
}

// Connect dials url and prepares the lanes.
func Connect(ctx context.Context, url string, cfg Config, opts ...Option) (*Broker, error) {
	nc, err := nats.Connect(url,
		nats.Name("exambuddy"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	b, err := New(ctx, nc, cfg, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// New prepares the work stream, the dead-letter stream and the status
// bucket on an existing connection. It is safe to call from every process;
// existing resources are updated in place.
func New(ctx context.Context, nc *nats.Conn, cfg Config, opts ...Option) (*Broker, error) {
	cfg.applyDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	b := &Broker{nc: nc, js: js, cfg: cfg, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(b)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "exambuddy ingestion lanes",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     cfg.storage(),
		Duplicates:  2 * time.Minute,
	}); err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", cfg.Stream, err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.DeadLetterStream,
		Description: "exambuddy jobs that exhausted their attempts",
		Subjects:    []string{cfg.SubjectPrefix + "_dlq.>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     cfg.storage(),
		MaxAge:      cfg.StatusTTL,
	}); err != nil {
		return nil, fmt.Errorf("creating stream %s: %w", cfg.DeadLetterStream, err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.StatusBucket,
		Description: "exambuddy job status",
		TTL:         cfg.StatusTTL,
		Storage:     cfg.storage(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating status bucket %s: %w", cfg.StatusBucket, err)
	}
	b.status = &statusStore{kv: kv}
	return b, nil
}

// Subject returns the subject of a lane.
func (b *Broker) Subject(kind Kind) string {
	return b.cfg.SubjectPrefix + "." + string(kind)
}

func (b *Broker) deadLetterSubject(kind Kind) string {
	return b.cfg.SubjectPrefix + "_dlq." + string(kind)
}

// Enqueue records the job as pending and publishes it on its lane. The job
// ID doubles as the JetStream message ID, so a retried publish inside the
// duplicate window is stored once.
func (b *Broker) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}

	if err := b.status.put(ctx, newStatus(job)); err != nil {
		return err
	}

	ack, err := b.js.Publish(ctx, b.Subject(job.Kind), data, jetstream.WithMsgID(job.ID))
	if err != nil {
		if delErr := b.status.delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			b.logger.Warn(ctx, "failed to remove status of unpublished job",
				zap.String("job.id", job.ID), zap.Error(delErr))
		}
		return fmt.Errorf("publishing job %s: %w", job.ID, err)
	}

	b.metrics.RecordEnqueued(string(job.Kind))
	b.logger.Info(ctx, "job enqueued",
		zap.String("job.id", job.ID),
		zap.String("job.kind", string(job.Kind)),
		zap.String("session.id", job.Session),
		zap.Uint64("stream.seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

// Status returns the status record of a job.
func (b *Broker) Status(ctx context.Context, id string) (*Status, error) {
	return b.status.get(ctx, id)
}

// LaneStats summarizes a lane consumer.
type LaneStats struct {
	Kind        Kind   `json:"kind"`
	Pending     uint64 `json:"pending"`
	InFlight    int    `json:"in_flight"`
	Redelivered int    `json:"redelivered"`
	DeadLetters uint64 `json:"dead_letters"`
}

// Stats reports backlog per lane. Lanes without a consumer yet report their
// stream backlog as pending.
func (b *Broker) Stats(ctx context.Context) ([]LaneStats, error) {
	dlq, err := b.js.Stream(ctx, b.cfg.DeadLetterStream)
	if err != nil {
		return nil, fmt.Errorf("opening stream %s: %w", b.cfg.DeadLetterStream, err)
	}
	work, err := b.js.Stream(ctx, b.cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("opening stream %s: %w", b.cfg.Stream, err)
	}

	out := make([]LaneStats, 0, len(Kinds))
	for _, kind := range Kinds {
		s := LaneStats{Kind: kind}

		cons, err := b.js.Consumer(ctx, b.cfg.Stream, laneConsumer(kind))
		switch {
		case err == nil:
			info, err := cons.Info(ctx)
			if err != nil {
				return nil, fmt.Errorf("lane %s: %w", kind, err)
			}
			s.Pending = info.NumPending
			s.InFlight = info.NumAckPending
			s.Redelivered = info.NumRedelivered
		case errors.Is(err, jetstream.ErrConsumerNotFound):
			info, err := work.Info(ctx, jetstream.WithSubjectFilter(b.Subject(kind)))
			if err != nil {
				return nil, fmt.Errorf("lane %s: %w", kind, err)
			}
			s.Pending = info.State.Subjects[b.Subject(kind)]
		default:
			return nil, fmt.Errorf("lane %s: %w", kind, err)
		}

		info, err := dlq.Info(ctx, jetstream.WithSubjectFilter(b.deadLetterSubject(kind)))
		if err != nil {
			return nil, fmt.Errorf("lane %s dead letters: %w", kind, err)
		}
		s.DeadLetters = info.State.Subjects[b.deadLetterSubject(kind)]

		out = append(out, s)
	}
	return out, nil
}

// DeadLetters returns up to limit dead-letter records of a lane, oldest
// first, without removing them.
func (b *Broker) DeadLetters(ctx context.Context, kind Kind, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	cons, err := b.js.OrderedConsumer(ctx, b.cfg.DeadLetterStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{b.deadLetterSubject(kind)},
	})
	if err != nil {
		return nil, fmt.Errorf("reading dead letters: %w", err)
	}
	batch, err := cons.Fetch(limit, jetstream.FetchMaxWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("reading dead letters: %w", err)
	}

	var out []DeadLetter
	for msg := range batch.Messages() {
		var dl DeadLetter
		if err := json.Unmarshal(msg.Data(), &dl); err != nil {
			b.logger.Warn(ctx, "skipping undecodable dead letter", zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, jetstream.ErrNoMessages) {
		return out, fmt.Errorf("reading dead letters: %w", err)
	}
	return out, nil
}

func laneConsumer(kind Kind) string {
	return "lane_" + string(kind)
}

// Consume delivers jobs of one lane to handle through exec until ctx is
// cancelled. At most Concurrency jobs are unacknowledged at a time.
func (b *Broker) Consume(ctx context.Context, kind Kind, exec Executor, handle Handler) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}

	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       laneConsumer(kind),
		Description:   "exambuddy " + string(kind) + " lane",
		FilterSubject: b.Subject(kind),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		// One spare delivery so a worker that dies during the final attempt
		// still gets to dead-letter the job.
		MaxDeliver:    b.cfg.MaxDeliver + 1,
		MaxAckPending: b.cfg.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("creating consumer for lane %s: %w", kind, err)
	}

	logger := b.logger.With(zap.String("lane", string(kind)))
	var wg sync.WaitGroup
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		wg.Add(1)
		if err := exec.Submit(func() {
			defer wg.Done()
			b.process(ctx, kind, msg, handle)
		}); err != nil {
			wg.Done()
			logger.Warn(ctx, "worker pool rejected job, returning it to the lane", zap.Error(err))
			_ = msg.NakWithDelay(b.cfg.RetryBackoff)
		}
	},
		jetstream.PullMaxMessages(b.cfg.Concurrency),
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			logger.Warn(ctx, "lane consumer error", zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("consuming lane %s: %w", kind, err)
	}

	logger.Info(ctx, "lane consumer started",
		zap.Int("concurrency", b.cfg.Concurrency),
		zap.Int("max_deliver", b.cfg.MaxDeliver),
	)

	<-ctx.Done()
	cc.Stop()
	<-cc.Closed()
	wg.Wait()
	logger.Info(context.WithoutCancel(ctx), "lane consumer stopped")
	return nil
}

// process runs one delivery and settles the message.
func (b *Broker) process(ctx context.Context, kind Kind, msg jetstream.Msg, handle Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		b.logger.Error(ctx, "dropping undecodable job", zap.String("lane", string(kind)), zap.Error(err))
		_ = msg.TermWithReason("undecodable")
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	d := Delivery{Job: job, Attempt: attempt, MaxAttempts: b.cfg.MaxDeliver}

	ctx = logging.WithJob(ctx, logging.Job{ID: job.ID, Kind: string(job.Kind), Attempt: attempt})
	if job.Session != "" {
		ctx = logging.WithSessionID(ctx, job.Session)
	}
	// Settlement must happen even if the lane is shutting down.
	settleCtx := context.WithoutCancel(ctx)

	if err := job.Validate(); err != nil {
		b.deadLetter(settleCtx, msg, d, err)
		return
	}
	if attempt > b.cfg.MaxDeliver {
		b.deadLetter(settleCtx, msg, d, errors.New("delivery attempts exhausted"))
		return
	}

	if err := b.status.update(settleCtx, job, func(st *Status) {
		st.State = StateProcessing
		st.Attempts = attempt
	}); err != nil {
		b.logger.Warn(ctx, "failed to record job status", zap.Error(err))
	}

	stop := b.keepAlive(ctx, msg)
	res, err := invoke(ctx, handle, d)
	stop()

	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Warn(ctx, "failed to ack job", zap.Error(ackErr))
		}
		if err := b.status.update(settleCtx, job, func(st *Status) {
			st.State = StateDone
			st.Attempts = attempt
			st.Chunks = res.Chunks
			st.Error = ""
		}); err != nil {
			b.logger.Warn(ctx, "failed to record job status", zap.Error(err))
		}

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Interrupted by shutdown; hand the job back without waiting.
		_ = msg.Nak()
		if err := b.status.update(settleCtx, job, func(st *Status) {
			st.State = StatePending
		}); err != nil {
			b.logger.Warn(settleCtx, "failed to record job status", zap.Error(err))
		}

	case IsPermanent(err) || d.Final():
		b.deadLetter(settleCtx, msg, d, err)

	default:
		delay := b.retryDelay(attempt)
		b.logger.Warn(ctx, "job attempt failed, will retry",
			zap.Error(err),
			zap.Duration("retry_in", delay),
		)
		_ = msg.NakWithDelay(delay)
		if err := b.status.update(settleCtx, job, func(st *Status) {
			st.State = StatePending
			st.Attempts = attempt
			st.Error = err.Error()
		}); err != nil {
			b.logger.Warn(ctx, "failed to record job status", zap.Error(err))
		}
	}
}

func invoke(ctx context.Context, handle Handler, d Delivery) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handle(ctx, d)
}

// keepAlive extends the ack deadline while a handler runs.
func (b *Broker) keepAlive(ctx context.Context, msg jetstream.Msg) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(b.cfg.AckWait / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (b *Broker) retryDelay(attempt int) time.Duration {
	delay := b.cfg.RetryBackoff
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// deadLetter publishes the job to the dead-letter stream, terminates the
// message and marks the job failed.
func (b *Broker) deadLetter(ctx context.Context, msg jetstream.Msg, d Delivery, cause error) {
	dl := DeadLetter{Job: d.Job, Error: cause.Error(), Attempts: d.Attempt, FailedAt: time.Now().UTC()}
	data, err := json.Marshal(dl)
	if err == nil {
		_, err = b.js.Publish(ctx, b.deadLetterSubject(d.Job.Kind), data)
	}
	if err != nil {
		// Leave the message unacknowledged so it comes back and the
		// dead-letter publish is retried.
		b.logger.Error(ctx, "failed to publish dead letter", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	_ = msg.TermWithReason("dead-lettered")
	b.metrics.RecordDeadLetter(string(d.Job.Kind))
	b.logger.Error(ctx, "job dead-lettered",
		zap.String("lane", string(d.Job.Kind)),
		zap.Int("attempt", d.Attempt),
		zap.Error(cause),
	)

	if d.Job.ID == "" {
		return
	}
	if err := b.status.update(ctx, d.Job, func(st *Status) {
		st.State = StateFailed
		st.Attempts = d.Attempt
		st.Error = cause.Error()
	}); err != nil {
		b.logger.Warn(ctx, "failed to record job status", zap.Error(err))
	}
}

// Close closes the connection if the broker opened it.
func (b *Broker) Close() error {
	if b.ownsConn {
		return b.nc.Drain()
	}
	return nil
}

// Healthy reports whether the NATS connection is up.
func (b *Broker) Healthy() error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats connection %s", b.nc.Status())
	}
	return nil
}
