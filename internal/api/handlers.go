// Package api exposes the daemon surface: a JSON HTTP API for the CLI and
// other local clients, and an MCP server for agent integrations.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sheetsage/sheetsage/internal/ask"
	"github.com/sheetsage/sheetsage/internal/catalog"
	"github.com/sheetsage/sheetsage/internal/feedback"
	"github.com/sheetsage/sheetsage/internal/planner"
	"github.com/sheetsage/sheetsage/internal/session"
	"github.com/sheetsage/sheetsage/internal/sqlguard"
)

const maxUploadSize = 32 << 20 // 32MB

type AppDeps struct {
	Sessions *session.Manager
	Store    *feedback.Store
	Selector *feedback.Selector
	Ask      *ask.Service
	Token    string // empty disables auth (local-only deployments)
	Logger   *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/sessions", handleCreateSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Post("/sessions/{id}/files", handleUpload(deps))
		r.Get("/sessions/{id}/tables", handleTables(deps))
		r.Post("/sessions/{id}/ask", handleAsk(deps))
		r.Get("/sessions/{id}/examples", handleExamples(deps))
		r.Post("/feedback/{id}", handleFeedback(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":   "ok",
			"sessions": deps.Sessions.Len(),
		})
	}
}

func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.Create()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"session_id": s.ID})
	}
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Remove(chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "session not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to close session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "closed"})
	}
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := getSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing file field: %v", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		if err := s.Catalog.AddFile(header.Filename, data); err != nil {
			if catalog.IsIngestError(err) {
				httpError(w, http.StatusBadRequest, "ingest_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "ingesting file: %v", err)
			return
		}

		writeJSON(w, tablesResponse(s.Catalog))
	}
}

func handleTables(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := getSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, tablesResponse(s.Catalog))
	}
}

type askRequest struct {
	Question string `json:"question"`
}

// askResponse wraps an answer with an optional execution error. A planned,
// validated query that fails in the engine still produced a loggable answer,
// so the failure rides along instead of replacing it.
type askResponse struct {
	*ask.Answer
	Error string `json:"error,omitempty"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := getSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		answer, err := deps.Ask.Ask(r.Context(), s.Catalog, req.Question)
		switch {
		case err == nil:
			writeJSON(w, askResponse{Answer: answer})
		case errors.Is(err, ask.ErrEmptyCatalog):
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
		case sqlguard.IsValidationError(err):
			httpError(w, http.StatusUnprocessableEntity, "validation_error", "%v", err)
		case planner.IsPlannerError(err):
			httpError(w, http.StatusBadGateway, "planner_error", "%v", err)
		case catalog.IsExecError(err):
			writeJSON(w, askResponse{Answer: answer, Error: err.Error()})
		default:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
		}
	}
}

type feedbackRequest struct {
	Rating       *int    `json:"rating,omitempty"`
	FeedbackText *string `json:"feedback_text,omitempty"`
	CorrectedSQL *string `json:"corrected_sql,omitempty"`
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid record id")
			return
		}

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Rating != nil && *req.Rating != feedback.RatingGood && *req.Rating != feedback.RatingBad {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "rating must be +1 or -1")
			return
		}

		// A corrected query goes through the same gate as planner output.
		if req.CorrectedSQL != nil {
			validated, err := sqlguard.Validate(*req.CorrectedSQL)
			if err != nil {
				httpError(w, http.StatusUnprocessableEntity, "validation_error", "corrected_sql rejected: %v", err)
				return
			}
			req.CorrectedSQL = &validated
		}

		err = deps.Store.SubmitFeedback(id, feedback.Feedback{
			Rating:       req.Rating,
			Text:         req.FeedbackText,
			CorrectedSQL: req.CorrectedSQL,
		})
		if errors.Is(err, feedback.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving feedback: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "saved"})
	}
}

func handleExamples(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := getSession(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		examples, err := deps.Selector.Select(s.Catalog.Fingerprint())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "selecting examples: %v", err)
			return
		}
		if examples == nil {
			examples = []feedback.Example{}
		}
		writeJSON(w, examples)
	}
}

func getSession(w http.ResponseWriter, deps AppDeps, id string) (*session.Session, bool) {
	s, err := deps.Sessions.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "session not found")
		return nil, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "looking up session: %v", err)
		return nil, false
	}
	return s, true
}

func tablesResponse(c *catalog.Catalog) map[string]any {
	return map[string]any{
		"tables":      c.Tables(),
		"fingerprint": c.Fingerprint(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
