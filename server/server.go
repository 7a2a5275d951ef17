// Package server exposes the HTTP admin surface: health, status,
// metrics, and command/alias/config management. It injects correlation
// IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/streambot/telemetry"
)

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, h),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewMux returns the HTTP handler with all routes. The context bounds
// background middleware goroutines.
func NewMux(ctx context.Context, h *Handlers) http.Handler {
	authCfg := loadAuthConfig()
	rl := newIPRateLimiter(ctx)
	corsCfg := loadCORSConfig()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/commands", h.HandleCommands)
	mux.HandleFunc("/commands/disable", h.HandleCommandDisable)
	mux.HandleFunc("/aliases", h.HandleAliases)
	mux.HandleFunc("/config", h.HandleConfig)

	protected := adminAuth(rateLimitMiddleware(mux, rl), authCfg)
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/commands"),
			strings.HasPrefix(r.URL.Path, "/aliases"),
			strings.HasPrefix(r.URL.Path, "/config"):
			protected.ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})

	// Correlation id wrapper: reuse the caller's header when present.
	correlated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", corr)
		selective.ServeHTTP(w, r.WithContext(telemetry.WithCorrelation(r.Context(), corr)))
	})

	return withCORS(correlated, corsCfg)
}
