package http

import (
	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// LinkRequest is the body of POST /upload/ytlink and /upload/githubrepo.
type LinkRequest struct {
	Link    string `json:"link"`
	Session string `json:"session,omitempty"`
}

// IntakeResponse acknowledges a queued upload.
type IntakeResponse struct {
	Message string `json:"message"`
	JobID   string `json:"job_id"`
	Session string `json:"session,omitempty"`
}

// MessageResponse carries a human-readable outcome.
type MessageResponse struct {
	Message string `json:"message"`
}

// ChatResponse is the body of GET /chat. Documents and Docs hold the same
// chunks; older clients read docs.
type ChatResponse struct {
	Message   string           `json:"message"`
	Documents []document.Chunk `json:"documents"`
	Docs      []document.Chunk `json:"docs"`
}

// SessionResponse is the body of POST /sessions.
type SessionResponse struct {
	Session string `json:"session"`
}

// CollectionResponse is the body of GET /collection.
type CollectionResponse struct {
	Name       string `json:"name"`
	Exists     bool   `json:"exists"`
	PointCount int    `json:"point_count"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
}
