package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/chat"
	"github.com/fyrsmithlabs/exambuddy/internal/document"
	"github.com/fyrsmithlabs/exambuddy/internal/logging"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
	"github.com/fyrsmithlabs/exambuddy/internal/storage"
	"github.com/fyrsmithlabs/exambuddy/internal/vectorstore"
)

const (
	pdfField = "pdf"
	pdfMIME  = "application/pdf"

	// chatApology replaces the answer when retrieval or generation fails.
	chatApology = "Sorry, I couldn't reach the answer service right now. Please try again in a moment."

	healthTimeout = 2 * time.Second
)

// Reset outcomes recorded in metrics.
const (
	resetDeleted = "deleted"
	resetAbsent  = "absent"
	resetError   = "error"
)

func (s *Server) handleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "Hello from the server!")
}

// handleHealth reports the queue connection and vector store.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Version: s.deps.Version, Services: map[string]string{}}
	check := func(name string, err error) {
		if err != nil {
			resp.Status = "degraded"
			resp.Services[name] = err.Error()
			return
		}
		resp.Services[name] = "ok"
	}
	check("queue", s.deps.Queue.Healthy())
	check("vectorstore", s.deps.Store.Health(ctx))

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// handleUploadPDF stores the multipart "pdf" file and queues a file job.
// The stored file is removed again when the job cannot be queued.
func (s *Server) handleUploadPDF(c echo.Context) error {
	ctx := c.Request().Context()

	fh, err := c.FormFile(pdfField)
	if err != nil {
		return badRequest(`no file uploaded: expected multipart field "pdf"`)
	}
	session, err := sessionParam(c.FormValue("session"))
	if err != nil {
		return err
	}

	f, err := fh.Open()
	if err != nil {
		return badRequest("unreadable upload")
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return badRequest("unreadable upload")
	}
	head = head[:n]
	if n == 0 {
		return badRequest("uploaded file is empty")
	}
	if ct := http.DetectContentType(head); ct != pdfMIME {
		return badRequest(fmt.Sprintf("unsupported file type %q: only PDF files are accepted", ct))
	}

	stored, err := s.deps.Uploads.Save(ctx, fh.Filename, io.MultiReader(bytes.NewReader(head), f))
	if err != nil {
		if errors.Is(err, storage.ErrEmptyUpload) {
			return badRequest("uploaded file is empty")
		}
		return internalError("failed to store upload", err)
	}

	job := queue.NewFileJob(queue.FileJob{
		Filename:        stored.Filename,
		SourceDirectory: stored.Dir,
		StoragePath:     stored.Path,
	}, session)
	if err := s.enqueue(ctx, job); err != nil {
		if rmErr := s.deps.Uploads.Remove(stored.Path); rmErr != nil {
			s.logger.Warn(ctx, "failed to remove orphaned upload", zap.String("path", stored.Path), zap.Error(rmErr))
		}
		return err
	}

	s.logger.Info(ctx, "pdf queued",
		zap.String("job.id", job.ID),
		zap.String("filename", fh.Filename),
		zap.Int64("size", stored.Size),
	)
	return c.JSON(http.StatusOK, IntakeResponse{
		Message: "File uploaded successfully and queued for processing",
		JobID:   job.ID,
		Session: session,
	})
}

// handleUploadLink queues a video or repository link.
func (s *Server) handleUploadLink(kind queue.Kind) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var req LinkRequest
		if err := c.Bind(&req); err != nil {
			return badRequest("invalid request body")
		}
		link := strings.TrimSpace(req.Link)
		if link == "" {
			return badRequest("link is required")
		}
		session, err := sessionParam(req.Session)
		if err != nil {
			return err
		}

		var job queue.Job
		if kind == queue.KindVideo {
			job = queue.NewVideoJob(link, session)
		} else {
			job = queue.NewRepoJob(link, session)
		}
		if err := s.enqueue(ctx, job); err != nil {
			return err
		}

		s.logger.Info(ctx, "link queued", zap.String("job.id", job.ID), zap.String("job.kind", string(kind)))
		return c.JSON(http.StatusOK, IntakeResponse{
			Message: fmt.Sprintf("%s link queued for processing", linkNoun(kind)),
			JobID:   job.ID,
			Session: session,
		})
	}
}

func linkNoun(kind queue.Kind) string {
	if kind == queue.KindVideo {
		return "Video"
	}
	return "Repository"
}

func (s *Server) enqueue(ctx context.Context, job queue.Job) error {
	if err := s.deps.Queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrInvalidJob) {
			return badRequest(err.Error())
		}
		return internalError("failed to queue job", err)
	}
	return nil
}

// handleDeleteCollection drops the session's collection. Deleting a
// collection that does not exist succeeds.
func (s *Server) handleDeleteCollection(c echo.Context) error {
	ctx := c.Request().Context()

	collection, err := s.collection(c.QueryParam("session"))
	if err != nil {
		return err
	}

	existed, err := s.deps.Store.DeleteCollection(ctx, collection)
	if err != nil {
		s.metrics.RecordReset(resetError)
		return internalError(fmt.Sprintf("failed to delete collection %q", collection), err)
	}

	if !existed {
		s.metrics.RecordReset(resetAbsent)
		return c.JSON(http.StatusOK, MessageResponse{Message: fmt.Sprintf("Collection %q does not exist, nothing to delete.", collection)})
	}
	s.metrics.RecordReset(resetDeleted)
	s.logger.Info(ctx, "collection deleted", zap.String("collection", collection))
	return c.JSON(http.StatusOK, MessageResponse{Message: fmt.Sprintf("Collection %q deleted successfully.", collection)})
}

func (s *Server) handleCollectionInfo(c echo.Context) error {
	collection, err := s.collection(c.QueryParam("session"))
	if err != nil {
		return err
	}

	info, err := s.deps.Store.GetCollectionInfo(c.Request().Context(), collection)
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		return c.JSON(http.StatusOK, CollectionResponse{Name: collection})
	case err != nil:
		return internalError("failed to read collection", err)
	}
	return c.JSON(http.StatusOK, CollectionResponse{Name: collection, Exists: true, PointCount: info.PointCount})
}

// handleChat answers one question. Upstream failures return 502 with an
// apology the UI can render as the assistant's reply.
func (s *Server) handleChat(c echo.Context) error {
	ctx := c.Request().Context()

	session, err := sessionParam(c.QueryParam("session"))
	if err != nil {
		return err
	}
	if session != "" {
		ctx = logging.WithSessionID(ctx, session)
	}

	resp, err := s.deps.Chat.Ask(ctx, chat.Request{
		Question:                 c.QueryParam("message"),
		PreviousUserMessage:      c.QueryParam("previous_message"),
		PreviousAssistantMessage: c.QueryParam("previous_response"),
		Session:                  session,
	})
	switch {
	case errors.Is(err, chat.ErrEmptyQuestion):
		return badRequest("message is required")
	case errors.Is(err, vectorstore.ErrInvalidSession):
		return badRequest("invalid session")
	case errors.Is(err, chat.ErrUpstream):
		return &apiError{status: http.StatusBadGateway, message: "answer service unavailable", reply: chatApology, cause: err}
	case err != nil:
		return internalError("chat failed", err)
	}

	docs := resp.Chunks
	if docs == nil {
		docs = []document.Chunk{}
	}
	return c.JSON(http.StatusOK, ChatResponse{Message: resp.Answer, Documents: docs, Docs: docs})
}

// handleNewSession issues a session key for per-session collections.
func (s *Server) handleNewSession(c echo.Context) error {
	session := strings.ReplaceAll(uuid.NewString(), "-", "")
	return c.JSON(http.StatusCreated, SessionResponse{Session: session})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	st, err := s.deps.Queue.Status(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return &apiError{status: http.StatusNotFound, message: "job not found"}
	case err != nil:
		return internalError("failed to read job status", err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleQueueStats(c echo.Context) error {
	stats, err := s.deps.Queue.Stats(c.Request().Context())
	if err != nil {
		return internalError("failed to read queue stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

// collection resolves the collection for an optional session.
func (s *Server) collection(session string) (string, error) {
	session, err := sessionParam(session)
	if err != nil {
		return "", err
	}
	name, err := vectorstore.CollectionName(s.deps.Collection, session)
	if err != nil {
		return "", badRequest("invalid session")
	}
	return name, nil
}

func sessionParam(raw string) (string, error) {
	session := strings.TrimSpace(raw)
	if session == "" {
		return "", nil
	}
	if err := vectorstore.ValidateSession(session); err != nil {
		return "", badRequest("invalid session: must be 1-32 lowercase letters or digits")
	}
	return session, nil
}
