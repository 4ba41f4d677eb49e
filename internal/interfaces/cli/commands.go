package cli

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"arbengine/internal/application/service"
	wsession "arbengine/internal/infrastructure/websocket"
	"arbengine/internal/interfaces/httpapi"
)

// newServeCommand runs the HTTP API and the refresh loop until SIGINT/SIGTERM.
func newServeCommand(opts *rootOptions) *cobra.Command {
	var noRefresh bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve opportunities over HTTP/WebSocket and refresh them in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, sc, cleanup, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			cfg := sc.Config

			router := httpapi.NewRouter(httpapi.Deps{
				Opportunities: sc.Orchestrator,
				Hub:           sc.Hub,
				Metrics:       sc.Metrics.Handler(),
				WS: wsession.Config{
					WriteWait:      cfg.Hub.WriteWait,
					PongWait:       cfg.Hub.PongWait,
					PingPeriod:     cfg.Hub.PingPeriod,
					MaxMessageSize: wsession.DefaultConfig().MaxMessageSize,
				},
			})
			server := httpapi.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				sc.Hub.Close()
				return server.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				sc.MemoryCache.RunJanitor(gctx, cfg.Cache.SweepInterval)
				return nil
			})
			if !cfg.Refresh.Disabled && !noRefresh {
				g.Go(func() error { return sc.Scheduler.Run(gctx) })
			} else {
				log.Warn().Msg("background refresh disabled")
			}

			log.Info().
				Str("config", opts.configPath).
				Str("predictor", cfg.Predictor.Mode).
				Dur("refresh_interval", cfg.Refresh.Interval).
				Msg("arbengine started")
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "Do not start the background refresh loop")
	return cmd
}

// newRefreshCommand runs a single refresh cycle over the whole catalog.
func newRefreshCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Recompute opportunities for every catalog product once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, sc, cleanup, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			c := sc.Scheduler.RunOnce(ctx)
			if c.Err != nil {
				return c.Err
			}
			for _, id := range c.Report.Succeeded {
				set, err := sc.Orchestrator.GetOpportunities(ctx, id)
				if err != nil {
					continue
				}
				_ = sc.Sink.WriteSet(time.Now(), set)
			}
			if c.Report.AllFailed() {
				return errors.New("every product failed to refresh")
			}
			return nil
		},
	}
}

// newScanCommand analyzes one product and prints the ranking.
func newScanCommand(opts *rootOptions) *cobra.Command {
	var (
		markets     string
		quantity    int
		sourcePrice float64
	)

	cmd := &cobra.Command{
		Use:   "scan <product-id>",
		Short: "Score one product against the destination markets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, sc, cleanup, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			req := service.AnalyzeRequest{ProductID: args[0], Quantity: quantity, SourcePrice: sourcePrice}
			for _, m := range strings.Split(markets, ",") {
				if m = strings.TrimSpace(m); m != "" {
					req.Markets = append(req.Markets, m)
				}
			}

			set, err := sc.Orchestrator.Analyze(ctx, req)
			if err != nil {
				return err
			}
			return sc.Sink.WriteSet(time.Now(), set)
		},
	}
	cmd.Flags().StringVar(&markets, "markets", "", "Comma-separated destination markets (default: all configured)")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "Order quantity (default: scoring.default_quantity)")
	cmd.Flags().Float64Var(&sourcePrice, "source-price", 0, "Override the catalog source price")
	return cmd
}
