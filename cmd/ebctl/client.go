package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/exambuddy/internal/http"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
)

// client calls the exambuddy HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

func (c *client) uploadPDF(ctx context.Context, path, session string) (*httpserver.IntakeResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("pdf", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if session != "" {
		if err := mw.WriteField("session", session); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/upload/pdf", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out httpserver.IntakeResponse
	return &out, c.do(req, &out)
}

// uploadLink posts a video or repository link to endpoint.
func (c *client) uploadLink(ctx context.Context, endpoint, link, session string) (*httpserver.IntakeResponse, error) {
	payload, err := json.Marshal(httpserver.LinkRequest{Link: link, Session: session})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out httpserver.IntakeResponse
	return &out, c.do(req, &out)
}

// askParams are the /chat query parameters.
type askParams struct {
	Message          string
	PreviousMessage  string
	PreviousResponse string
	Session          string
}

func (c *client) ask(ctx context.Context, p askParams) (*httpserver.ChatResponse, error) {
	q := url.Values{}
	q.Set("message", p.Message)
	if p.PreviousMessage != "" {
		q.Set("previous_message", p.PreviousMessage)
	}
	if p.PreviousResponse != "" {
		q.Set("previous_response", p.PreviousResponse)
	}
	if p.Session != "" {
		q.Set("session", p.Session)
	}

	var out httpserver.ChatResponse
	return &out, c.get(ctx, "/chat", q, &out)
}

func (c *client) reset(ctx context.Context, session string) (*httpserver.MessageResponse, error) {
	var out httpserver.MessageResponse
	return &out, c.get(ctx, "/deleteCollections", sessionQuery(session), &out)
}

func (c *client) collection(ctx context.Context, session string) (*httpserver.CollectionResponse, error) {
	var out httpserver.CollectionResponse
	return &out, c.get(ctx, "/collection", sessionQuery(session), &out)
}

func (c *client) job(ctx context.Context, id string) (*queue.Status, error) {
	var out queue.Status
	return &out, c.get(ctx, "/jobs/"+url.PathEscape(id), nil, &out)
}

func (c *client) queueStats(ctx context.Context) ([]queue.LaneStats, error) {
	var out []queue.LaneStats
	if err := c.get(ctx, "/queue", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) health(ctx context.Context) (*httpserver.HealthResponse, error) {
	var out httpserver.HealthResponse
	err := c.get(ctx, "/health", nil, &out)
	// A degraded server answers 503 with the same body.
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && out.Status != "" {
		return &out, nil
	}
	return &out, err
}

func (c *client) newSession(ctx context.Context) (*httpserver.SessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var out httpserver.SessionResponse
	return &out, c.do(req, &out)
}

func (c *client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

// do sends req and decodes the JSON body into out. Error bodies are decoded
// too, so callers can read status payloads from a 503.
func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp httpserver.ErrorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
			if errResp.Message != "" {
				msg += " (" + errResp.Message + ")"
			}
		}
		_ = json.Unmarshal(body, out)
		return &apiError{Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func sessionQuery(session string) url.Values {
	if session == "" {
		return nil
	}
	return url.Values{"session": []string{session}}
}
