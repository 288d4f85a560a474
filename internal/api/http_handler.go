package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"product-query-service/internal/docstore"
	"product-query-service/internal/domain"
	"product-query-service/internal/importer"
	"product-query-service/internal/query"
	"product-query-service/internal/store"
)

// QueryEngine is the read surface served over HTTP.
type QueryEngine interface {
	Count(ctx context.Context, filter map[string]interface{}, includeObsolete bool) (int, error)
	Select(ctx context.Context, filter map[string]interface{}, includeObsolete bool) ([]domain.Product, error)
	Aggregate(ctx context.Context, pipeline []map[string]interface{}, includeObsolete bool) (interface{}, error)
	Find(ctx context.Context, req query.FindRequest) ([]docstore.Document, error)
}

// SyncRunner is the operator-facing import surface.
type SyncRunner interface {
	ImportFull(ctx context.Context) error
	ImportSince(ctx context.Context, since *time.Time) error
}

// HTTPHandler holds dependencies for HTTP handlers.
type HTTPHandler struct {
	engine   QueryEngine
	importer SyncRunner
	reports  store.ReportStorer
	validate *validator.Validate
	log      *zap.Logger
}

// NewHTTPHandler creates a new HTTPHandler with dependencies.
func NewHTTPHandler(engine QueryEngine, imp SyncRunner, reports store.ReportStorer, log *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:   engine,
		importer: imp,
		reports:  reports,
		validate: validator.New(),
		log:      log,
	}
}

// RegisterRoutes mounts the service routes on the given router.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query/count", h.handleCount)
		r.Post("/query/select", h.handleSelect)
		r.Post("/query/aggregate", h.handleAggregate)
		r.Post("/query/find", h.handleFind)
		r.Get("/reports/updates-by-owner", h.handleUpdatesByOwner)
		r.Post("/sync/full", h.handleSyncFull)
		r.Post("/sync/incremental", h.handleSyncIncremental)
	})
}

// --- Helpers ---

// ErrorResponse defines the structure for JSON error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *HTTPHandler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, ErrorResponse{Error: message})
}

func (h *HTTPHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.log.Error("failed to encode JSON response", zap.Error(err))
		}
	}
}

// respondQueryError maps compilation failures to 400 and everything else to
// 500. Compilation failures are client-input errors and are never retried.
func (h *HTTPHandler) respondQueryError(w http.ResponseWriter, err error) {
	if query.IsCompileError(err) {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error("query failed", zap.Error(err))
	h.respondWithError(w, http.StatusInternalServerError, "query failed")
}

func includeObsolete(r *http.Request) bool {
	return r.URL.Query().Get("obsolete") == "1"
}

// --- Query Handlers ---

// handleCount accepts the document-store filter object directly as the body.
func (h *HTTPHandler) handleCount(w http.ResponseWriter, r *http.Request) {
	var filter map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid filter payload")
		return
	}

	count, err := h.engine.Count(r.Context(), filter, includeObsolete(r))
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *HTTPHandler) handleSelect(w http.ResponseWriter, r *http.Request) {
	var filter map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid filter payload")
		return
	}

	products, err := h.engine.Select(r.Context(), filter, includeObsolete(r))
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, products)
}

// handleAggregate accepts the ordered aggregate-pipeline array as the body.
func (h *HTTPHandler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var pipeline []map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&pipeline); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid pipeline payload")
		return
	}

	result, err := h.engine.Aggregate(r.Context(), pipeline, includeObsolete(r))
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) handleFind(w http.ResponseWriter, r *http.Request) {
	var req query.FindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid find payload")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := h.engine.Find(r.Context(), req)
	if err != nil {
		h.respondQueryError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, docs)
}

// --- Report Handlers ---

func (h *HTTPHandler) handleUpdatesByOwner(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.respondWithError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	counts, err := h.reports.UpdatesByOwner(r.Context(), owner)
	if err != nil {
		h.log.Error("updates-by-owner report failed", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "report failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, counts)
}

// --- Sync Handlers ---

func (h *HTTPHandler) handleSyncFull(w http.ResponseWriter, r *http.Request) {
	if err := h.importer.ImportFull(r.Context()); err != nil {
		if errors.Is(err, importer.ErrImportRunning) {
			h.respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		h.log.Error("full import failed", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "full import failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// SyncIncrementalInput defines the expected input for an incremental import.
type SyncIncrementalInput struct {
	Since *int64 `json:"since,omitempty"` // epoch seconds; omit to use the mirror watermark
}

func (h *HTTPHandler) handleSyncIncremental(w http.ResponseWriter, r *http.Request) {
	var input SyncIncrementalInput
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			h.respondWithError(w, http.StatusBadRequest, "invalid sync payload")
			return
		}
	}

	var since *time.Time
	if input.Since != nil {
		t := time.Unix(*input.Since, 0).UTC()
		since = &t
	}

	if err := h.importer.ImportSince(r.Context(), since); err != nil {
		h.log.Error("incremental import failed", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "incremental import failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
