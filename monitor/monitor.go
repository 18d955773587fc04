// Package monitor serves the chat server's operational HTTP endpoints:
// liveness, Prometheus metrics and the current roster.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/linechat/logger"
)

const shutdownTimeout = 5 * time.Second

// RosterFunc returns the sorted nicknames of active sessions.
type RosterFunc func() []string

// RosterResponse is the JSON body of GET /roster.
type RosterResponse struct {
	Count     int      `json:"count"`
	Nicknames []string `json:"nicknames"`
}

// NewRouter builds the monitoring handler.
//
// Routes:
//   - GET /healthz: plain "ok"
//   - GET /metrics: Prometheus exposition of gatherer
//   - GET /roster: RosterResponse as JSON
//
// Parameters:
//   - gatherer: Source of metrics, usually the registry passed to chatserver.NewMetrics
//   - roster: Current roster, usually (*chatserver.Server).RosterNames
//
// Returns:
//   - An http.Handler
func NewRouter(gatherer prometheus.Gatherer, roster RosterFunc) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/roster", func(w http.ResponseWriter, _ *http.Request) {
		names := roster()
		if names == nil {
			names = []string{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RosterResponse{Count: len(names), Nicknames: names})
	})

	return r
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
//
// Returns:
//   - nil after a clean shutdown, or the listen error
func Serve(ctx context.Context, addr string, handler http.Handler, log logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("monitor listening", logger.Field{Key: "addr", Value: addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("monitor shutdown", logger.Field{Key: "error", Value: err})
	}

	return <-errCh
}
