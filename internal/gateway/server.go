package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Server exposes the websocket endpoint and a health probe.
type Server struct {
	Addr    string
	Gateway *Gateway
	Auth    Authenticator

	upgrader websocket.Upgrader
	baseCtx  context.Context
}

func NewServer(addr string, gw *Gateway, auth Authenticator) *Server {
	return &Server{
		Addr:    addr,
		Gateway: gw,
		Auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the frontend is served from another origin; tokens carry auth
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is done, then shuts down gracefully. Active chat
// sessions observe the same ctx and unwind on their own.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.handleChat)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpSrv := &http.Server{Addr: s.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, err := s.Auth.UserID(r)
	if err != nil {
		slog.Warn("websocket auth failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	// the request context dies with the hijacked connection; sessions hang
	// off the server context instead so shutdown reaches them
	slog.Info("chat connected", "user", userID, "remote", r.RemoteAddr)
	if err := s.Gateway.ServeConn(s.baseCtx, conn, userID); err != nil {
		slog.Error("chat session ended with error", "user", userID, "err", err)
		return
	}
	slog.Info("chat disconnected", "user", userID)
}
