package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/documents"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server, any origin
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness and the number of push clients.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"clients":    s.hub.ClientCount(),
		"processing": s.processor.Pending(),
	})
}

// handleListDocuments returns all documents, optionally filtered by ?status=.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query documents")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, documents.ListResponse{Documents: docs})
}

// handleGetDocument returns one document.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "documentID"))
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query document")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleCreateDocument registers a document and starts processing it.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req documents.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}

	doc, err := s.store.Create(r.Context(), filename)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create document")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.processor.Submit(doc)

	s.log.Info().Str("id", doc.ID).Str("filename", doc.Filename).Msg("document created")
	if s.cfg.PushStatus {
		s.publish(doc)
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleWebSocket upgrades an authenticated push-channel client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.auth.ValidateToken(TokenFromRequest(r)) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if !s.hub.attach(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}
