package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/exambuddy/internal/chat"
	"github.com/fyrsmithlabs/exambuddy/internal/embeddings"
	"github.com/fyrsmithlabs/exambuddy/internal/ingest"
	"github.com/fyrsmithlabs/exambuddy/internal/loader"
	"github.com/fyrsmithlabs/exambuddy/internal/loader/loadertest"
	"github.com/fyrsmithlabs/exambuddy/internal/metrics"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
	"github.com/fyrsmithlabs/exambuddy/internal/queue/queuetest"
	"github.com/fyrsmithlabs/exambuddy/internal/storage"
	"github.com/fyrsmithlabs/exambuddy/internal/vectorstore"
)

// echoModel answers with a fixed string and keeps the system prompt.
type echoModel struct {
	mu     sync.Mutex
	answer string
	system string
}

func (m *echoModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(msgs) > 0 && len(msgs[0].Parts) > 0 {
		if tc, ok := msgs[0].Parts[0].(llms.TextContent); ok {
			m.system = tc.Text
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.answer}}}, nil
}

func (m *echoModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func (m *echoModel) lastSystem() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

type pipeline struct {
	server *Server
	model  *echoModel
}

// startPipeline wires the real queue, worker, store and chat service.
func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	broker, err := queue.New(ctx, queuetest.Connect(t), queue.Config{MemoryStore: true}, queue.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	provider := embeddings.NewTestProvider(64)
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{VectorSize: provider.Dimension()}, provider, nil)
	require.NoError(t, err)

	uploads, err := storage.NewUploads(t.TempDir())
	require.NoError(t, err)

	worker, err := ingest.NewWorker(store, ingest.Loaders{File: loader.NewPDFLoader()}, testCollection, ingest.WithMetrics(m))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- ingest.Run(runCtx, broker, worker, queue.Kinds, 4, nil) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	model := &echoModel{answer: "Newton's second law says F=ma 📘 (page 1)"}
	svc, err := chat.NewService(store, model, chat.Config{Collection: testCollection}, chat.WithMetrics(m))
	require.NoError(t, err)

	server, err := NewServer(Deps{
		Queue:      broker,
		Store:      store,
		Uploads:    uploads,
		Chat:       svc,
		Collection: testCollection,
		Metrics:    m,
		Registry:   reg,
	}, nil)
	require.NoError(t, err)
	return &pipeline{server: server, model: model}
}

func (p *pipeline) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestEndToEnd_UploadThenChat(t *testing.T) {
	p := startPipeline(t)

	rec := p.do(multipartRequest(t, "pdf", "physics.pdf", loadertest.PDF("Newton's second law states F=ma."), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	jobID := decode[IntakeResponse](t, rec).JobID

	require.Eventually(t, func() bool {
		rec := p.do(httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil))
		var st queue.Status
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &st) == nil && st.State == queue.StateDone
	}, 15*time.Second, 25*time.Millisecond)

	q := url.Values{"message": {"What is Newton's second law?"}}
	rec = p.do(httptest.NewRequest(http.MethodGet, "/chat?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ChatResponse](t, rec)
	require.NotEmpty(t, resp.Documents)
	assert.Contains(t, resp.Documents[0].PageContent, "F=ma")
	assert.Equal(t, 1, resp.Documents[0].Metadata.Loc.PageNumber)
	assert.Equal(t, jobID, resp.Documents[0].Metadata.JobID)
	assert.Contains(t, resp.Message, "F=ma")
	assert.Contains(t, p.model.lastSystem(), "F=ma")

	rec = p.do(httptest.NewRequest(http.MethodGet, "/collection", nil))
	assert.Equal(t, 1, decode[CollectionResponse](t, rec).PointCount)
}

func TestEndToEnd_ChatWithoutIngestion(t *testing.T) {
	p := startPipeline(t)
	p.model.answer = "I couldn't find this in your uploads, but generally speaking F=ma."

	rec := p.do(httptest.NewRequest(http.MethodGet, "/chat?message=What+is+Newton%27s+second+law%3F", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ChatResponse](t, rec)
	assert.Empty(t, resp.Documents)
	assert.NotContains(t, strings.ToLower(resp.Message), "page")
	assert.Contains(t, p.model.lastSystem(), "Context:\n[]")
}

func TestEndToEnd_ResetIsIdempotent(t *testing.T) {
	p := startPipeline(t)

	for range 2 {
		rec := p.do(httptest.NewRequest(http.MethodGet, "/deleteCollections", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
