package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docqa/internal/bootstrap"
	"docqa/internal/domain"
	"docqa/internal/server"
	"docqa/internal/usecase"
)

var (
	serveAddr            string
	servePendingInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query API and Prometheus metrics",
	Long: `Serve retrieval, ingestion and corpus introspection over HTTP.

While serving, expired provider budgets are reset and pending documents are
embedded again periodically.

Endpoints:
  GET    /healthz
  GET    /metrics
  GET    /v1/query?q=...&k=5&boost=a,b
  GET    /v1/profile
  GET    /v1/providers
  GET    /v1/documents?status=pending
  POST   /v1/documents
  DELETE /v1/documents/{id}`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config metrics.addr)")
	serveCmd.Flags().DurationVar(&servePendingInterval, "pending-interval", time.Minute, "how often pending documents are retried")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	addr := cfg.Metrics.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr: addr,
		Handler: server.NewHandler(server.Deps{
			Retriever:   a.Retriever,
			Router:      a.Router,
			Providers:   a.Registry,
			Ingester:    a.Ingest,
			Docs:        a.Docs,
			Gatherer:    a.PromReg,
			DefaultTopK: cfg.Retrieve.TopK,
			Logger:      a.Logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		a.Logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(usecase.NewBudgetScheduler(a.Registry, cfg.Registry.ResetInterval, a.Logger).Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(retryPending(ctx, a, servePendingInterval))
	})

	err = g.Wait()
	a.Logger.Info("server stopped")
	return err
}

func retryPending(ctx context.Context, a *bootstrap.App, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.Ingest.ProcessPending(ctx)
			switch {
			case errors.Is(err, domain.ErrEmbeddingUnavailable):
				a.Logger.Debug("pending documents still waiting for a provider", zap.Int("processed", n))
			case err != nil && ctx.Err() == nil:
				a.Logger.Warn("pending processing failed", zap.Int("processed", n), zap.Error(err))
			case n > 0:
				a.Logger.Info("pending documents processed", zap.Int("processed", n))
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
