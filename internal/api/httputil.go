package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/grading-queue/internal/grading"
	"github.com/fpang/grading-queue/internal/notify"
	"github.com/fpang/grading-queue/internal/review"
	"github.com/fpang/grading-queue/internal/upload"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondErr maps a queue error to a status code and user message.
func respondErr(w http.ResponseWriter, err error) {
	var apiErr *grading.APIError
	switch {
	case errors.Is(err, review.ErrNotFound), errors.Is(err, upload.ErrUnknownEntry):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrInFlight):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, review.ErrNotUploaded),
		errors.Is(err, review.ErrNotNeatness),
		errors.Is(err, review.ErrInvalidSubject),
		errors.Is(err, review.ErrIndexOutOfRange),
		errors.Is(err, upload.ErrNoSubject):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr):
		httpError(w, http.StatusBadGateway, notify.Message(err, "grading service request failed"))
	default:
		log.Error().Err(err).Msg("Request failed")
		httpError(w, http.StatusInternalServerError, "request failed")
	}
}

// --- Middleware ---

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

// withCORS admits browser panels served from localhost only.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
