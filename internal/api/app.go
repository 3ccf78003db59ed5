package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/minicoursera/realtime/internal/auth"
	"github.com/minicoursera/realtime/internal/config"
	"github.com/minicoursera/realtime/internal/server"
	"github.com/minicoursera/realtime/internal/stats"
	"github.com/minicoursera/realtime/internal/store"
)

type RealtimeApp struct {
	log            *log.Logger
	mux            *http.Server
	rs             *server.Server
	cs             store.ConversationStore
	verifier       auth.Verifier
	stats          stats.StatsProvider
	allowedOrigins []string
}

func NewRealtimeApp(mux *http.ServeMux, logger *log.Logger, rs *server.Server, cs store.ConversationStore,
	su stats.StatsProvider, cfg *config.Config) *RealtimeApp {
	s := &RealtimeApp{
		log:            logger,
		rs:             rs,
		cs:             cs,
		verifier:       auth.NewJWTVerifier(cfg.SigningKey),
		stats:          su,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.health)
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/conversations/read", s.authMiddleware(s.markConversationRead))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *RealtimeApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *RealtimeApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (s *RealtimeApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("failed to encode response: %v", err)
	}
}
