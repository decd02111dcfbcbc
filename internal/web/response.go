package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"admitq/internal/executor"
	"admitq/internal/scheduler"

	"github.com/go-chi/chi/v5/middleware"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// statusFor maps scheduler and catalog errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrUnknownTaskType),
		errors.Is(err, scheduler.ErrNilJob),
		errors.Is(err, executor.ErrUnknownJob):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrJobNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// loggingMiddleware logs one line per request. The chi wrapper keeps
// http.Flusher available for event streams.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
