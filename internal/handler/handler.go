package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/incidentlabs/rcacoach/internal/engine"
	"github.com/incidentlabs/rcacoach/internal/model"
	"github.com/incidentlabs/rcacoach/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	engine *engine.Engine
	config model.SimConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a new Handler.
func New(s *store.Store, e *engine.Engine, cfg model.SimConfig) (*Handler, error) {
	return &Handler{store: s, engine: e, config: cfg, locks: make(map[string]*sync.Mutex)}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/chat", h.handleChat)
	r.Post("/api/chat/evaluate", h.handleEvaluate)
	r.Get("/api/problems", h.handleListProblems)
	r.Get("/api/problems/{problemID}", h.handleGetProblem)
	r.Post("/api/problems/{problemID}/attempts", h.handleStartAttempt)
	r.Get("/api/attempts", h.handleListAttempts)
	r.Get("/api/attempts/{attemptID}", h.handleGetAttempt)
	r.Post("/api/attempts/{attemptID}/terminate", h.handleTerminateAttempt)
}

// attemptLock returns the mutex serializing turns for one attempt.
// Concurrent turns against the same attempt would race on the persisted
// transcript, so each attempt gets exactly one lock for its lifetime.
func (h *Handler) attemptLock(attemptID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[attemptID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[attemptID] = l
	}
	return l
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserMessage == "" {
		respondError(w, http.StatusBadRequest, "userMessage is required")
		return
	}

	var attempt *model.Attempt
	if req.AttemptID != "" {
		lock := h.attemptLock(req.AttemptID)
		lock.Lock()
		defer lock.Unlock()

		a, err := h.store.GetAttempt(req.AttemptID)
		if err == sql.ErrNoRows {
			respondError(w, http.StatusNotFound, "attempt not found")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if a.Status.Terminal() {
			respondError(w, http.StatusConflict, "attempt is already closed")
			return
		}
		attempt = &a

		// The server is authoritative for attempt-bound turns: the
		// transcript, coverage and problem material come from the store,
		// not the request.
		if err := h.fillFromProblem(&req, a); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if len(req.Questions) == 0 {
		respondError(w, http.StatusBadRequest, "questions are required")
		return
	}

	result, err := h.engine.Turn(r.Context(), req)
	if err != nil {
		var limited *engine.RateLimitedError
		if errors.As(err, &limited) {
			respondJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":         limited.Reason,
				"isRateLimited": true,
			})
			return
		}
		slog.Error("turn failed", "attempt", req.AttemptID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	if attempt != nil {
		messages := append(attempt.Messages,
			model.ChatMessage{Role: model.RoleUser, Content: req.UserMessage},
			model.ChatMessage{Role: model.RoleInterviewer, Content: result.Response},
		)
		status := model.StatusInProgress
		if result.ReadyForEvaluation {
			status = model.StatusReady
		}
		if err := h.store.UpdateAttemptState(attempt.ID, messages, result.QuestionsAsked, status); err != nil {
			slog.Error("persist turn failed", "attempt", attempt.ID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to save attempt")
			return
		}
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req engine.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var attempt *model.Attempt
	if req.AttemptID != "" {
		lock := h.attemptLock(req.AttemptID)
		lock.Lock()
		defer lock.Unlock()

		a, err := h.store.GetAttempt(req.AttemptID)
		if err == sql.ErrNoRows {
			respondError(w, http.StatusNotFound, "attempt not found")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if a.Status == model.StatusEvaluated {
			// Evaluation already stored; return it instead of re-running.
			eval, err := h.store.GetEvaluation(a.ID)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if eval != nil {
				respondJSON(w, http.StatusOK, eval)
				return
			}
		}
		if a.Status == model.StatusTerminated {
			respondError(w, http.StatusConflict, "attempt was terminated")
			return
		}
		attempt = &a

		view, err := h.store.GetProblemView(a.ProblemID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		req.Messages = a.Messages
		req.ProblemContext = view.Problem.Context
		req.Questions = view.Questions
		req.QuestionsAsked = a.QuestionsAsked
	}
	if len(req.Questions) == 0 {
		respondError(w, http.StatusBadRequest, "questions are required")
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages are required")
		return
	}

	result, err := h.engine.Evaluate(r.Context(), req)
	if err != nil {
		slog.Error("evaluation failed", "attempt", req.AttemptID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to evaluate attempt")
		return
	}

	if attempt != nil {
		if err := h.store.UpsertEvaluation(attempt.ID, *result); err != nil {
			slog.Error("persist evaluation failed", "attempt", attempt.ID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to save evaluation")
			return
		}
		if attempt.Status == model.StatusInProgress {
			if err := h.store.UpdateAttemptStatus(attempt.ID, model.StatusReady); err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		if err := h.store.UpdateAttemptStatus(attempt.ID, model.StatusEvaluated); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListProblems(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	difficulty := r.URL.Query().Get("difficulty")

	problems, err := h.store.ListProblems(category, difficulty)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if problems == nil {
		problems = []model.Problem{}
	}
	// Hidden simulation material never leaves the server.
	for i := range problems {
		problems[i].AIContext = ""
	}
	respondJSON(w, http.StatusOK, problems)
}

func (h *Handler) handleGetProblem(w http.ResponseWriter, r *http.Request) {
	problemID := chi.URLParam(r, "problemID")
	view, err := h.store.GetProblemView(problemID)
	if err == sql.ErrNoRows {
		respondError(w, http.StatusNotFound, "problem not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view.Problem.AIContext = ""
	for i := range view.Questions {
		view.Questions[i].GoldStandardAnswer = ""
		view.Questions[i].RubricItems = nil
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	problemID := chi.URLParam(r, "problemID")
	if _, err := h.store.GetProblem(problemID); err == sql.ErrNoRows {
		respondError(w, http.StatusNotFound, "problem not found")
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Resume the most recent open attempt if one exists.
	open, err := h.store.LatestOpenAttempt(problemID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if open != nil {
		respondJSON(w, http.StatusOK, open)
		return
	}

	attempt := model.Attempt{ID: uuid.NewString(), ProblemID: problemID}
	if err := h.store.CreateAttempt(attempt); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := h.store.GetAttempt(attempt.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	problemID := r.URL.Query().Get("problem")
	attempts, err := h.store.ListAttempts(problemID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	view, err := h.store.GetAttemptView(attemptID)
	if err == sql.ErrNoRows {
		respondError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) handleTerminateAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attemptID")
	lock := h.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()

	attempt, err := h.store.GetAttempt(attemptID)
	if err == sql.ErrNoRows {
		respondError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempt.Status.Terminal() {
		respondError(w, http.StatusConflict, "attempt is already closed")
		return
	}

	if err := h.store.UpdateAttemptStatus(attemptID, model.StatusTerminated); err != nil {
		var invalid *store.ErrInvalidTransition
		if errors.As(err, &invalid) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	terminated, err := h.store.GetAttempt(attemptID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, terminated)
}

// fillFromProblem replaces the client-supplied turn material with the
// server-side attempt state and problem definition.
func (h *Handler) fillFromProblem(req *engine.TurnRequest, a model.Attempt) error {
	view, err := h.store.GetProblemView(a.ProblemID)
	if err != nil {
		return err
	}
	req.History = a.Messages
	req.ProblemContext = view.Problem.Context
	req.AIContext = view.Problem.AIContext
	req.Questions = view.Questions
	req.QuestionsAsked = a.QuestionsAsked
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
