package cli

import (
	"context"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/config"
	"github.com/roach88/smartaudit/internal/report"
	"github.com/roach88/smartaudit/internal/store"
)

// loadConfig loads configuration and applies root flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}
	return cfg, nil
}

// newLogger builds the process logger: text by default, JSON with
// --format json, Debug level with --verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func openStore(cfg config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openReports returns the configured report store.
func openReports(ctx context.Context, cfg config.Config) (report.Store, error) {
	switch cfg.Reports.Backend {
	case "s3":
		s, err := report.NewS3Store(ctx, report.S3Config{
			Bucket:   cfg.Reports.S3Bucket,
			Region:   cfg.Reports.S3Region,
			Endpoint: cfg.Reports.S3Endpoint,
			Prefix:   cfg.Reports.S3Prefix,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to init s3 report store", err)
		}
		return s, nil
	default:
		s, err := report.NewFileStore(cfg.Reports.Root)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to init report directory", err)
		}
		return s, nil
	}
}

// ledger is the connected chain client plus its typed wrappers. Writer is
// nil without a service key.
type ledger struct {
	backend chain.Backend
	reader  *chain.Reader
	writer  *chain.Writer
	close   func()
}

// Dialer connects to the ledger. Tests replace it with a fake backend.
type Dialer func(ctx context.Context, url string) (chain.Backend, func(), error)

// DialRPC is the default Dialer.
func DialRPC(ctx context.Context, url string) (chain.Backend, func(), error) {
	client, err := chain.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// connectReader dials the ledger for read-only use.
func connectReader(ctx context.Context, cfg config.Config, dial Dialer, logger *slog.Logger) (*ledger, error) {
	if dial == nil {
		dial = DialRPC
	}
	backend, closeFn, err := dial(ctx, cfg.RPC)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect to RPC", err)
	}
	return &ledger{
		backend: backend,
		reader:  chain.NewReader(backend, common.HexToAddress(cfg.Contract), chain.WithReaderLogger(logger)),
		close:   closeFn,
	}, nil
}

// connectLedger dials the ledger and, when a service key is configured,
// builds the transaction writer.
func connectLedger(ctx context.Context, cfg config.Config, dial Dialer, logger *slog.Logger) (*ledger, error) {
	l, err := connectReader(ctx, cfg, dial, logger)
	if err != nil {
		return nil, err
	}
	if cfg.HasSigner() {
		w, err := chain.NewWriter(l.backend, common.HexToAddress(cfg.Contract),
			new(big.Int).SetUint64(cfg.ChainID), cfg.ServiceKey, chain.WithWriterLogger(logger))
		if err != nil {
			l.close()
			return nil, WrapExitError(ExitCommandError, "failed to load service key", err)
		}
		l.writer = w
		logger.Info("on-chain writes enabled", "from", w.Address().Hex(), "chain_id", cfg.ChainID)
	} else {
		logger.Warn("no service key configured, on-chain writes disabled")
	}
	return l, nil
}
