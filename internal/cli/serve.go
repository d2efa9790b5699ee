package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/smartaudit/internal/api"
	"github.com/roach88/smartaudit/internal/detector"
	"github.com/roach88/smartaudit/internal/engine"
	"github.com/roach88/smartaudit/internal/indexer"
	"github.com/roach88/smartaudit/internal/synth"
	"github.com/roach88/smartaudit/internal/telemetry"
)

// ShutdownTimeout bounds HTTP drain and telemetry flush on exit.
const ShutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// Dial overrides the ledger connection (for testing).
	Dial Dialer
	// Ready, if set, receives the bound listen address once the HTTP
	// server is accepting connections.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexer, job workers and HTTP API",
		Long: `Run the audit service.

Starts the event indexer (resuming from the stored cursor), the job worker
pool, and the HTTP API. On SIGINT or SIGTERM the API stops accepting
requests, queued jobs are dropped, and running jobs finish before exit.

Example:
  auditd serve --config ./auditd.yaml
  auditd serve --db ./cases.db --listen :8080 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRate:  cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to init telemetry", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database ready", "path", cfg.DatabasePath)

	reports, err := openReports(ctx, cfg)
	if err != nil {
		return err
	}

	led, err := connectLedger(ctx, cfg, opts.Dial, logger)
	if err != nil {
		return err
	}
	defer led.close()

	ix := indexer.New(led.reader, st,
		indexer.WithStartBlock(cfg.Index.FromBlock),
		indexer.WithLookback(cfg.Index.Lookback),
		indexer.WithPollInterval(cfg.Index.PollInterval),
		indexer.WithMaxRange(cfg.Index.MaxRange),
		indexer.WithLogger(logger.With("component", "indexer")),
	)

	deps := engine.Deps{
		Store: st,
		Detector: detector.NewSlither(
			detector.WithBinary(cfg.Detector.Binary),
			detector.WithTimeout(cfg.Detector.Timeout),
			detector.WithLogger(logger.With("component", "detector")),
		),
		Synthesizer: synth.New(synth.Config{
			APIKey:       cfg.LLM.APIKey,
			Model:        cfg.LLM.Model,
			BaseURL:      cfg.LLM.BaseURL,
			Organization: cfg.LLM.Organization,
		}, logger.With("component", "synth")),
		Reports: reports,
	}
	if led.writer != nil {
		deps.Chain = led.writer
	}
	orch := engine.New(deps, cfg.WorkDir,
		engine.WithWorkers(cfg.Workers),
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithTracerProvider(tel.TracerProvider()),
		engine.WithMeterProvider(tel.MeterProvider()),
	)

	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	srv := api.NewServer(st, orch, reports,
		api.WithLedger(led.reader),
		api.WithLogger(logger.With("component", "api")),
		api.WithRateLimiter(limiter),
		api.WithCORSOrigins(cfg.CORSOrigins),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", cfg.ListenAddr), err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ix.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		limiter.RunSweeper(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", ln.Addr().String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "service error", err)
	}
	logger.Info("service stopped gracefully")
	return nil
}
