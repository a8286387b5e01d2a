package api

import (
	"net/http"
	"time"

	"codematch-backend/internal/api/handlers"
	"codematch-backend/internal/gateway"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Dependencies struct {
	Gateway      *gateway.Manager
	QueueHandler *handlers.QueueHandler
	MatchHandler *handlers.MatchHandler
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	// CORS middleware for WebSocket connections
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"codematch-backend"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue/status", deps.QueueHandler.GetQueueStatus)
		r.Get("/matches/{matchID}", deps.MatchHandler.GetMatch)
		r.Get("/matches/history/{userID}", deps.MatchHandler.GetHistory)
	})

	// WebSocket endpoints
	r.Get("/ws/match/{userID}", deps.Gateway.HandleMatchWebSocket)

	return r
}
