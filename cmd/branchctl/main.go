package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	_ "go.uber.org/automaxprocs"

	"github.com/ahrav/branchctl/internal/cli"
	"github.com/ahrav/branchctl/internal/config"
	"github.com/ahrav/branchctl/pkg/common/logger"
	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitUsage
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitUsage
	}
	log := logger.New(os.Stderr, level, cfg.ServiceName, otelcommon.GetTraceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without an exporter the global providers stay no-op.
	if cfg.ExporterEndpoint != "" {
		_, cleanup, err := otelcommon.InitTelemetry(log, otelcommon.Config{
			ServiceName:      cfg.ServiceName,
			ExporterEndpoint: cfg.ExporterEndpoint,
			Probability:      cfg.TraceProbability,
		})
		if err != nil {
			log.Error(ctx, "failed to initialize telemetry", "error", err)
			return cli.ExitFailure
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			cleanup(shutdownCtx)
		}()
	}

	root := cli.NewRootCommand(cli.Env{
		Config: cfg,
		Logger: log,
		Tracer: otel.Tracer(cfg.ServiceName),
		Open:   cli.OpenPostgres,
	})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
