// Package erptest runs a complete erp server in process, backed by memory
// storage, for tests of erp clients.
package erptest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/internal/auth"
	"github.com/mesa-systems/mesa-stack/erp/internal/handlers"
	"github.com/mesa-systems/mesa-stack/erp/internal/idempotency"
	"github.com/mesa-systems/mesa-stack/erp/internal/realtime"
	"github.com/mesa-systems/mesa-stack/erp/internal/repository"
	"github.com/mesa-systems/mesa-stack/erp/internal/server"
	"github.com/mesa-systems/mesa-stack/erp/internal/service"
	"github.com/mesa-systems/mesa-stack/erp/pkg/tokens"
)

const secret = "erptest-secret"

type Server struct {
	// URL is the server root, for example http://127.0.0.1:41234.
	URL string

	srv    *httptest.Server
	hub    *realtime.Hub
	tokens *tokens.TokenGenerator

	mu     sync.Mutex
	muted  bool
	events []models.Event
}

// New starts a server that stops when t ends.
func New(t testing.TB) *Server {
	t.Helper()
	logger := logging.Discard()

	s := &Server{tokens: tokens.NewTokenGenerator(secret, time.Hour)}
	authMW := auth.NewMiddleware(s.tokens, logger)
	s.hub = realtime.NewHub(authMW, logger, realtime.WithPingInterval(time.Second))

	svc := service.New(service.Deps{
		Repo:        repository.NewInMemoryRepository(),
		Idempotency: idempotency.NewMemoryStore(time.Hour, time.Minute),
		Publisher:   s,
		Logger:      logger,
	})
	s.srv = httptest.NewServer(server.NewRouter(server.RouterConfig{
		Handler:  handlers.NewHandler(svc, logger),
		Auth:     authMW,
		Realtime: s.hub,
		Logger:   logger,
	}))
	s.URL = s.srv.URL

	t.Cleanup(func() {
		_ = s.hub.Close()
		s.srv.Close()
	})
	return s
}

// BaseURL is the API root terminals are configured with.
func (s *Server) BaseURL() string { return s.URL + "/api/v1" }

// RealtimeURL is the websocket gateway.
func (s *Server) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// Token issues an access token for userID scoped to restaurantIDs.
func (s *Server) Token(userID string, restaurantIDs ...string) string {
	tok, err := s.tokens.GenerateAccessToken(userID, restaurantIDs, nil)
	if err != nil {
		panic(err)
	}
	return tok
}

// Publish records ev and broadcasts it unless broadcasts are muted.
func (s *Server) Publish(ctx context.Context, ev models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	muted := s.muted
	s.mu.Unlock()
	if muted {
		return nil
	}
	return s.hub.Publish(ctx, ev)
}

// Mute drops broadcasts until the returned func is called. Mutations still
// commit, so clients only learn about them by refetching.
func (s *Server) Mute() (unmute func()) {
	s.mu.Lock()
	s.muted = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.muted = false
		s.mu.Unlock()
	}
}

// Events returns every event the server published, muted ones included.
func (s *Server) Events(name string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events {
		if name == "" || ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// RoomSize returns how many realtime clients joined restaurantID.
func (s *Server) RoomSize(restaurantID string) int { return s.hub.RoomSize(restaurantID) }

// DropConnections disconnects the realtime clients of restaurantID.
func (s *Server) DropConnections(restaurantID string) int {
	return s.hub.DisconnectRoom(restaurantID)
}
