// Package chat answers student questions from retrieved document chunks.
//
// Each call is independent: the caller passes at most the previous
// exchange, the service retrieves the top-k chunks for the question and
// asks the language model once.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/document"
	"github.com/fyrsmithlabs/exambuddy/internal/logging"
	"github.com/fyrsmithlabs/exambuddy/internal/metrics"
	"github.com/fyrsmithlabs/exambuddy/internal/vectorstore"
)

// Outcomes recorded in metrics.
const (
	outcomeSuccess  = "success"
	outcomeInvalid  = "invalid"
	outcomeUpstream = "upstream_error"
)

// DefaultTopK is the number of chunks retrieved per question.
const DefaultTopK = 3

var (
	// ErrEmptyQuestion is returned when the question is blank.
	ErrEmptyQuestion = errors.New("question is required")

	// ErrUpstream wraps embedding, retrieval and generation failures.
	ErrUpstream = errors.New("upstream service failed")
)

// Searcher is the retrieval half of a vector store.
type Searcher interface {
	Search(ctx context.Context, collection, query string, k int) ([]vectorstore.SearchResult, error)
}

// Request is one chat turn.
type Request struct {
	Question                 string
	PreviousUserMessage      string
	PreviousAssistantMessage string
	// Session selects a per-session collection; empty uses the shared one.
	Session string
}

// Response is the model's answer with the chunks it was given.
type Response struct {
	Answer string
	Chunks []document.Chunk
}

// Config holds retrieval and prompt settings.
type Config struct {
	Collection string
	TopK       int
	Persona    string
	About      string
}

// ConfigFrom maps the chat and vectorstore sections.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Collection: cfg.VectorStore.Collection,
		TopK:       cfg.Chat.TopK,
		Persona:    cfg.Chat.Persona,
		About:      cfg.Chat.About,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records chat outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithCallOptions passes options to every completion request.
func WithCallOptions(opts ...llms.CallOption) Option {
	return func(s *Service) { s.callOpts = append(s.callOpts, opts...) }
}

// Service runs the retrieve-then-generate pipeline.
type Service struct {
	store    Searcher
	model    llms.Model
	cfg      Config
	callOpts []llms.CallOption
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// NewService creates a chat service.
func NewService(store Searcher, model llms.Model, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if model == nil {
		return nil, errors.New("language model is required")
	}
	if err := vectorstore.ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Persona == "" {
		cfg.Persona = "Exam Buddy"
	}
	s := &Service{
		store:  store,
		model:  model,
		cfg:    cfg,
		logger: logging.NewNop(),
		tracer: otel.Tracer("exambuddy.chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ask answers req.Question. A missing collection is not an error: the
// model is told no material matched and Chunks is empty.
func (s *Service) Ask(ctx context.Context, req Request) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "chat.ask")
	defer span.End()

	start := time.Now()
	resp, outcome, err := s.ask(ctx, req)
	elapsed := time.Since(start)

	chunks := 0
	if resp != nil {
		chunks = len(resp.Chunks)
	}
	s.metrics.RecordChat(outcome, chunks, elapsed)
	span.SetAttributes(attribute.Int("chat.chunks", chunks))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if outcome == outcomeUpstream {
			s.logger.Error(ctx, "chat request failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info(ctx, "chat answered",
		zap.Int("chunks", chunks),
		zap.Duration("elapsed", elapsed),
	)
	return resp, nil
}

func (s *Service) ask(ctx context.Context, req Request) (*Response, string, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, outcomeInvalid, ErrEmptyQuestion
	}
	collection, err := vectorstore.CollectionName(s.cfg.Collection, req.Session)
	if err != nil {
		return nil, outcomeInvalid, err
	}

	results, err := s.store.Search(ctx, collection, question, s.cfg.TopK)
	if err != nil {
		return nil, outcomeUpstream, fmt.Errorf("%w: retrieving context: %w", ErrUpstream, err)
	}
	chunks := make([]document.Chunk, len(results))
	for i, r := range results {
		chunks[i] = r.Chunk
	}

	system, err := SystemPrompt(s.cfg.Persona, s.cfg.About, chunks)
	if err != nil {
		return nil, outcomeUpstream, err
	}

	s.logger.Debug(ctx, "requesting completion",
		zap.String("collection", collection),
		zap.Int("chunks", len(chunks)),
	)
	completion, err := s.model.GenerateContent(ctx, Messages(system, req), s.callOpts...)
	if err != nil {
		return nil, outcomeUpstream, fmt.Errorf("%w: generating answer: %w", ErrUpstream, err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0] == nil {
		return nil, outcomeUpstream, fmt.Errorf("%w: empty completion", ErrUpstream)
	}

	return &Response{Answer: completion.Choices[0].Content, Chunks: chunks}, outcomeSuccess, nil
}

// NewOpenAIModel builds a chat completion client for an OpenAI-compatible
// endpoint.
func NewOpenAIModel(cfg config.LLMConfig) (*openai.LLM, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("llm api key required")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}
	return model, nil
}
