package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ricelabs/rice/internal/app"
	"github.com/ricelabs/rice/internal/config"
	"github.com/ricelabs/rice/internal/logging"
	"github.com/ricelabs/rice/pkg/version"
)

// newServeCmd creates the serve command running the HTTP and gRPC servers.
func newServeCmd() *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Server.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				cfg.Server.GRPCAddr = grpcAddr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("starting rice",
		slog.String("version", version.Version),
		slog.String("data_dir", cfg.DataDir))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wire components: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Warn("close", slog.String("error", err.Error()))
		}
	}()

	return a.Run(ctx)
}

func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	lc := cfg.LoggingSetup()
	if debugMode {
		lc.Level = "debug"
	}
	return logging.Setup(lc)
}
