package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Server exposes the supervisor channel: a login endpoint issuing JWTs
// and a WebSocket endpoint streaming station lifecycle events.
type Server struct {
	auth        *Auth
	broadcaster *Broadcaster
	logger      *slog.Logger
	httpServer  *http.Server
	upgrader    websocket.Upgrader
}

// NewServer creates the supervisor channel server.
func NewServer(addr string, auth *Auth, broadcaster *Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		auth:        auth,
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Start runs the HTTP server in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Supervisor channel listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Supervisor channel failed", "error", err)
		}
	}()
}

// Shutdown stops the server and the broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broadcaster.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, expiry, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{Token: token, ExpiresAt: expiry})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Supervisor upgrade failed", "error", err)
		return
	}

	s.logger.Info("Supervisor connected", "username", claims.Username, "remote", r.RemoteAddr)
	s.broadcaster.Register(conn)
}

// Addr formats a host/port pair for the server address.
func Addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
