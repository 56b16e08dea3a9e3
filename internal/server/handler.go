package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openform/assist/internal/assist"
	"github.com/openform/assist/internal/domain"
)

// Handler exposes the assist controller over REST for the form layer.
type Handler struct {
	ctrl      *assist.Controller
	rateLimit int // configured bucket capacity, for response headers
	logger    *slog.Logger
}

// NewHandler creates the assist API handler. rateLimit is the admission
// bucket capacity reported in x-ratelimit-limit.
func NewHandler(ctrl *assist.Controller, rateLimit int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ctrl: ctrl, rateLimit: rateLimit, logger: logger}
}

// Mount registers the assist routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/v1/assist/sessions", func(r chi.Router) {
		r.Post("/", h.openSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.closeSession)
			r.Post("/generate", h.generate)
			r.Post("/examples", h.generateExamples)
			r.Post("/select", h.selectSuggestion)
			r.Post("/edit/start", h.startEdit)
			r.Post("/edit/save", h.saveEdit)
			r.Post("/edit/cancel", h.cancelEdit)
			r.Post("/use-example", h.useExample)
			r.Post("/accept", h.accept)
		})
	})
}

type openSessionRequest struct {
	Key        string               `json:"key"`
	FieldName  string               `json:"fieldName"`
	FieldLabel string               `json:"fieldLabel"`
	Context    domain.PromptContext `json:"context"`
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FieldName == "" {
		h.writeError(w, http.StatusBadRequest, "fieldName is required")
		return
	}
	// Anonymous clients get a per-session rate limit partition.
	if req.Key == "" {
		req.Key = uuid.NewString()
	}

	view := h.ctrl.Open(req.Key, req.FieldName, req.FieldLabel, req.Context)
	AddLogField(r.Context(), "session_id", view.SessionID)
	h.writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.View(sessionID(r))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Close(sessionID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	AddLogField(r.Context(), "session_id", id)

	view, err := h.ctrl.Generate(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.setRateLimitHeaders(r, id, view)
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) generateExamples(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	view, err := h.ctrl.GenerateExamples(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.setRateLimitHeaders(r, id, view)
	h.writeJSON(w, http.StatusOK, view)
}

type selectRequest struct {
	SuggestionID string `json:"suggestionId"`
}

func (h *Handler) selectSuggestion(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := h.ctrl.Select(sessionID(r), req.SuggestionID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) startEdit(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.StartEdit(sessionID(r))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type saveEditRequest struct {
	Text string `json:"text"`
}

func (h *Handler) saveEdit(w http.ResponseWriter, r *http.Request) {
	var req saveEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := h.ctrl.SaveEdit(sessionID(r), req.Text)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) cancelEdit(w http.ResponseWriter, r *http.Request) {
	view, err := h.ctrl.CancelEdit(sessionID(r))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type useExampleRequest struct {
	Text string `json:"text"`
}

func (h *Handler) useExample(w http.ResponseWriter, r *http.Request) {
	var req useExampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := h.ctrl.UseExample(sessionID(r), req.Text)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

type acceptResponse struct {
	AcceptedText string `json:"acceptedText"`
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	text, err := h.ctrl.Accept(sessionID(r))
	if err != nil {
		AddError(r.Context(), err)
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, acceptResponse{AcceptedText: text})
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}

// setRateLimitHeaders fills the request's rate limit record so the header
// middleware can emit admission state alongside the view.
func (h *Handler) setRateLimitHeaders(r *http.Request, id string, view *assist.View) {
	rl := RateLimits(r.Context())
	if rl == nil {
		return
	}
	rl.Set(h.rateLimit, h.ctrl.RateLimitRemaining(id), time.Duration(view.RetryAfterMs)*time.Millisecond)
}

// statusFor maps controller errors to HTTP status codes. Unknown sessions
// are the common case for stale browser tabs.
func statusFor(err error) int {
	var derr *domain.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case domain.KindClientRejected:
			return http.StatusUnprocessableEntity
		case domain.KindRateLimited:
			return http.StatusTooManyRequests
		case domain.KindCancelled:
			return 499 // client closed request
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusNotFound
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
