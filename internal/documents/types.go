// Package documents provides a client for the document REST endpoints used by
// status polling.
package documents

import (
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/polling"
)

// Document represents an uploaded document and its processing job.
type Document struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Status    string    `json:"status"` // "uploaded", "processing", "completed", "failed"
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resource returns the tracked-resource view of the document.
func (d Document) Resource() polling.Resource {
	return polling.Resource{ID: d.ID, Status: d.Status}
}

// ListResponse is the body of GET /api/documents.
type ListResponse struct {
	Documents []Document `json:"documents"`
}

// CreateRequest is the body of POST /api/documents.
type CreateRequest struct {
	Filename string `json:"filename"`
}
