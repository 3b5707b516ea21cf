package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/fabricbridge/health"
)

const shutdownTimeout = 5 * time.Second

// newAdminRouter serves the metrics and health endpoints
func newAdminRouter(gatherer prometheus.Gatherer, checks *health.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/healthz", checks.Handler())
	return r
}

// serve runs the bridge loop and, when an admin address is set, the admin
// server. Cancelling ctx stops the bridge; the bridge returning shuts the
// server down.
func (a *app) serve(ctx context.Context, cancel context.CancelFunc, stop func(), run func(ctx context.Context) (string, error)) (string, error) {
	g, gctx := errgroup.WithContext(ctx)

	var summary string
	g.Go(func() error {
		defer cancel()
		var err error
		summary, err = run(gctx)
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		stop()
		return nil
	})

	if a.metricsAddr != "" {
		ln, err := net.Listen("tcp", a.metricsAddr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return "", err
		}
		srv := &http.Server{
			Handler:           newAdminRouter(a.registry, a.health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return summary, nil
}
