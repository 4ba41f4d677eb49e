package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"arbengine/internal/infrastructure/config"
	"arbengine/internal/infrastructure/logger"
	"arbengine/internal/infrastructure/svc"
)

// rootOptions 持久化 flag，由整棵命令树共享
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand creates the arbengine command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "arbengine",
		Short: "Landed-cost arbitrage opportunity engine",
		Long: `arbengine scores cross-market arbitrage opportunities for a product
catalog, keeps them fresh in the background and serves them over HTTP and
WebSocket.

Examples:
  arbengine serve --config configs/config.toml
  arbengine refresh
  arbengine scan saffron --markets US,UK --quantity 2000`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.toml",
		"Path to config.toml (built-in defaults are used when the default path is missing)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override app.log_level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newRefreshCommand(opts))
	rootCmd.AddCommand(newScanCommand(opts))
	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config. A missing file at the default path falls back
// to built-in defaults; an explicit path must exist.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
			cfg = config.Default()
		} else {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.logLevel != "" {
		cfg.App.LogLevel = o.logLevel
	}
	logger.Setup(cfg.App.LogLevel)
	return cfg, nil
}

// bootstrap loads config and builds the service context under a
// signal-aware context. The caller must call the returned cleanup.
func (o *rootOptions) bootstrap(cmd *cobra.Command) (context.Context, *svc.ServiceContext, func(), error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	sc, err := svc.New(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	cleanup := func() {
		_ = sc.Close()
		stop()
		log.Info().Msg("arbengine stopped")
	}
	return ctx, sc, cleanup, nil
}
