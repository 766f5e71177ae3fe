// Package httpapi exposes the bridge's control surface: per-workspace
// lifecycle operations, message sending, and the WebSocket event feed.
// Handlers delegate to the supervisor and relay and hold no state.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/hivelink/hivelink/internal/hub"
	"github.com/hivelink/hivelink/internal/registry"
	"github.com/hivelink/hivelink/internal/store"
	"go.uber.org/zap"
)

// Lifecycle is the supervisor surface the API depends on.
type Lifecycle interface {
	Start(ctx context.Context, workspaceID string) error
	Disconnect(ctx context.Context, workspaceID string) error
	Status(workspaceID string) registry.Instance
}

// Sender is the relay surface the API depends on.
type Sender interface {
	Send(ctx context.Context, workspaceID, counterpartyID, text string) (string, error)
}

// Server is the HTTP control API server.
type Server struct {
	lifecycle Lifecycle
	sender    Sender
	db        *store.DB
	hub       *hub.Hub
	logger    *zap.Logger
	mux       *chi.Mux
	upgrader  websocket.Upgrader
}

// NewServer creates the control API router.
func NewServer(lifecycle Lifecycle, sender Sender, db *store.DB, h *hub.Hub, logger *zap.Logger) *Server {
	s := &Server{
		lifecycle: lifecycle,
		sender:    sender,
		db:        db,
		hub:       h,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/healthz", s.handleHealthz)

	mux.Route("/instances/{id}", func(r chi.Router) {
		r.Use(s.workspaceIDMiddleware)
		r.Post("/start", s.handleStart)
		r.Get("/qr", s.handleQR)
		r.Get("/status", s.handleStatus)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/send", s.handleSend)
		r.Get("/messages", s.handleListMessages)
		r.Get("/events", s.handleEvents)
	})

	s.mux = mux
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
