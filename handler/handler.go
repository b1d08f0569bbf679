// Package handler provides the HTTP interface of the document store.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stevemurr/docstore/document"
	"github.com/stevemurr/docstore/store"
)

// maxBodySize bounds request bodies.
const maxBodySize = 10 << 20

// Sessions opens document store sessions. *store.Database implements it.
type Sessions interface {
	Session(ctx context.Context) (*store.DocumentStore, error)
}

// Handler holds the server dependencies and registers routes.
type Handler struct {
	sessions Sessions
	logger   *slog.Logger
	metrics  *metrics
	router   chi.Router
}

// New creates a Handler and wires up all routes.
func New(sessions Sessions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sessions: sessions,
		logger:   logger,
		metrics:  newMetrics(),
		router:   chi.NewRouter(),
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	h.router.Use(middleware.Recoverer)
	h.router.Use(h.accessLog)

	h.router.Get("/health", h.health)
	h.router.Handle("/metrics", h.metrics.handler())

	h.router.Route("/documents", func(r chi.Router) {
		r.Get("/{id}", h.getDocument)
		r.Post("/get", h.getDocuments)
		r.Post("/update", h.updateDocuments)
	})
}

// ---------- wire types ----------

// documentJSON is a document on the wire. The version is hexadecimal, the
// empty string for a document that does not exist.
type documentJSON struct {
	ID      uuid.UUID        `json:"id"`
	Body    json.RawMessage  `json:"body"`
	Version document.Version `json:"version"`
}

func toJSON(d document.Document) documentJSON {
	return documentJSON{ID: d.ID, Body: d.Body, Version: d.Version}
}

func fromJSON(d documentJSON) document.Document {
	return document.New(d.ID, d.Body, d.Version)
}

type getRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type getResponse struct {
	Documents []documentJSON `json:"documents"`
}

type updateRequest struct {
	Updated []documentJSON `json:"updated"`
	Checked []documentJSON `json:"checked"`
}

type updateResponse struct {
	Versions []document.Version `json:"versions"`
}

type conflictResponse struct {
	Detail  string           `json:"detail"`
	ID      uuid.UUID        `json:"id"`
	Version document.Version `json:"version"`
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

// writeStoreError maps a store error to a response and returns the metrics
// result label.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) string {
	if c, ok := document.IsConflict(err); ok {
		writeJSON(w, http.StatusConflict, conflictResponse{Detail: c.Error(), ID: c.ID, Version: c.Version})
		return "conflict"
	}
	switch {
	case errors.Is(err, document.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return "malformed"
	case errors.Is(err, document.ErrLockTimeout):
		writeError(w, http.StatusLocked, err.Error())
		return "lock_timeout"
	case errors.Is(err, document.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return "unavailable"
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return "error"
	}
}

// accessLog logs every request at debug level.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// ---------- status endpoints ----------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- documents ----------

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id: "+err.Error())
		h.metrics.observe("get", "malformed", start)
		return
	}
	docs, result := h.fetch(w, r, []uuid.UUID{id})
	if docs != nil {
		writeJSON(w, http.StatusOK, toJSON(docs[0]))
	}
	h.metrics.observe("get", result, start)
}

func (h *Handler) getDocuments(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req getRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		h.metrics.observe("get", "malformed", start)
		return
	}
	docs, result := h.fetch(w, r, req.IDs)
	if docs != nil {
		resp := getResponse{Documents: make([]documentJSON, len(docs))}
		for i, d := range docs {
			resp.Documents[i] = toJSON(d)
		}
		writeJSON(w, http.StatusOK, resp)
	}
	h.metrics.observe("get", result, start)
}

// fetch reads ids in a new session. On failure it writes the error response
// and returns nil documents.
func (h *Handler) fetch(w http.ResponseWriter, r *http.Request, ids []uuid.UUID) ([]document.Document, string) {
	s, err := h.sessions.Session(r.Context())
	if err != nil {
		return nil, h.writeStoreError(w, r, err)
	}
	defer s.Close()
	docs, err := s.GetDocuments(r.Context(), ids)
	if err != nil {
		return nil, h.writeStoreError(w, r, err)
	}
	return docs, "ok"
}

func (h *Handler) updateDocuments(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req updateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		h.metrics.observe("update", "malformed", start)
		return
	}
	updated := make([]document.Document, len(req.Updated))
	for i, d := range req.Updated {
		updated[i] = fromJSON(d)
	}
	checked := make([]document.Document, len(req.Checked))
	for i, d := range req.Checked {
		checked[i] = fromJSON(d)
	}

	s, err := h.sessions.Session(r.Context())
	if err != nil {
		h.metrics.observe("update", h.writeStoreError(w, r, err), start)
		return
	}
	defer s.Close()
	versions, err := s.UpdateDocuments(r.Context(), updated, checked)
	if err != nil {
		h.metrics.observe("update", h.writeStoreError(w, r, err), start)
		return
	}
	if versions == nil {
		versions = []document.Version{}
	}
	writeJSON(w, http.StatusOK, updateResponse{Versions: versions})
	h.metrics.observe("update", "ok", start)
}
