package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cms-dev/cms-sub006/internal/store"
	"github.com/cms-dev/cms-sub006/pkg/model"
)

// API is the evaluation service's HTTP surface: health, queue and worker
// snapshots, submission CRUD and the metrics endpoint.
type API struct {
	svc    *Service
	router chi.Router
	logger *slog.Logger
}

// NewAPI builds the router.
func NewAPI(svc *Service, logger *slog.Logger) *API {
	a := &API{
		svc:    svc,
		router: chi.NewRouter(),
		logger: logger.With("component", "api"),
	}
	a.routes()
	return a
}

// Handler returns the root HTTP handler.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() {
	r := a.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(a.logger))

	r.Get("/healthz", a.handleHealth)
	r.Method("GET", "/metrics", a.svc.stats.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue", a.handleQueue)
		r.Get("/workers", a.handleWorkers)

		r.Route("/submissions", func(r chi.Router) {
			r.Get("/", a.handleListSubmissions)
			r.Post("/", a.handleCreateSubmission)
			r.Get("/{id}", a.handleGetSubmission)
			r.Post("/{id}/token", a.handleUseToken)
		})
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Queue     int    `json:"queue"`
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, requestIDFrom(r), healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(a.svc.started).Round(time.Second).String(),
		Queue:     a.svc.queue.Len(),
		Workers:   a.svc.pool.Size(),
		Busy:      a.svc.pool.Busy(),
	})
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	respondOK(w, requestIDFrom(r), a.svc.queue.Snapshot())
}

type workerStatus struct {
	Shard     int        `json:"shard"`
	Connected bool       `json:"connected"`
	Job       any        `json:"job,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
}

func (a *API) handleWorkers(w http.ResponseWriter, r *http.Request) {
	snap := a.svc.pool.Snapshot()
	out := make([]workerStatus, len(snap))
	for i, info := range snap {
		out[i] = workerStatus{
			Shard:     info.Shard,
			Connected: a.svc.workers[i].Connected(),
			Since:     info.Since,
		}
		if info.Job != nil {
			out[i].Job = info.Job
		}
	}
	respondOK(w, requestIDFrom(r), out)
}

func (a *API) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{}
	subs, total, err := a.svc.store.ListSubmissions(r.Context(), opts)
	if err != nil {
		respondError(w, requestIDFrom(r), http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, requestIDFrom(r), map[string]any{
		"submissions": subs,
		"total":       total,
	})
}

type createSubmissionRequest struct {
	TaskName     string `json:"task_name"`
	SourceDigest string `json:"source_digest"`
	Tokened      bool   `json:"tokened"`
}

func (a *API) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req createSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, requestIDFrom(r), http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TaskName == "" {
		respondError(w, requestIDFrom(r), http.StatusBadRequest, "task_name is required")
		return
	}

	sub := &model.Submission{
		ID:           "sub_" + uuid.NewString()[:8],
		TaskName:     req.TaskName,
		SourceDigest: req.SourceDigest,
		Tokened:      req.Tokened,
		Timestamp:    time.Now().UTC(),
	}
	if err := a.svc.Submit(r.Context(), sub); err != nil {
		respondError(w, requestIDFrom(r), http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, requestIDFrom(r), sub, "")
}

func (a *API) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := a.svc.store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, requestIDFrom(r), http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, requestIDFrom(r), http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, requestIDFrom(r), sub)
}

func (a *API) handleUseToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.svc.UseToken(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, requestIDFrom(r), http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, requestIDFrom(r), http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, requestIDFrom(r), map[string]any{"submission_id": id, "tokened": true})
}

// --- response envelope ---

type apiResponse struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, "")
}

func respondError(w http.ResponseWriter, reqID string, status int, msg string) {
	respondJSON(w, status, reqID, nil, msg)
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, errMsg string) {
	resp := apiResponse{
		Status:    "ok",
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     errMsg,
	}
	if errMsg != "" {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// --- middleware ---

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := "req_" + uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
				"request_id", requestIDFrom(r),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
