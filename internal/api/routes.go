package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SetupRoutes configures all API routes
func SetupRoutes(handler *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(handler.logger))

	// Health check
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(requireUser)

	// Prediction routes
	api.HandleFunc("/predictions", handler.ListPredictions).Methods("GET")
	api.HandleFunc("/predictions", handler.CreatePrediction).Methods("POST")
	api.HandleFunc("/predictions/{id}", handler.GetPrediction).Methods("GET")
	api.HandleFunc("/predictions/{id}/retry", handler.RetryPrediction).Methods("POST")
	api.HandleFunc("/reconcile", handler.Reconcile).Methods("POST")

	// Market data routes
	api.HandleFunc("/stocks/{ticker}/price-series", handler.GetPriceSeries).Methods("GET")

	return r
}

// requireUser rejects requests without a caller identity
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			respondError(w, http.StatusUnauthorized, "Unauthorized: user not found on request")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("took", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
