package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// NewServer creates the HTTP server with every route registered.
func NewServer(h *Handlers, bind string, port int) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/turns", h.HandleTurn)
	mux.HandleFunc("GET /api/conversations", h.HandleList)
	mux.HandleFunc("GET /api/conversations/{id}", h.HandleHistory)
	mux.HandleFunc("POST /api/conversations/{id}/close", h.HandleClose)
	mux.HandleFunc("GET /api/sessions/{session}/context", h.HandleUserContext)
	mux.HandleFunc("GET /api/analytics", h.HandleAnalytics)
	mux.HandleFunc("GET /api/capabilities", h.HandleCapabilities)
	mux.HandleFunc("GET /api/health", h.HandleHealth)
	mux.HandleFunc("GET /conversations/{id}", h.HandleTranscript)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// gracefully.
func Run(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", srv.Addr).Msg("carchat HTTP server listening")
	if strings.HasPrefix(srv.Addr, "0.0.0.0:") || strings.HasPrefix(srv.Addr, "[::]:") || strings.HasPrefix(srv.Addr, ":") {
		log.Warn().Msg("server is bound to all interfaces and may be reachable from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
