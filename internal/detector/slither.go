package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Defaults for the Slither runner.
const (
	DefaultBinary  = "slither"
	DefaultTimeout = 10 * time.Minute

	ReportFile = "slither.json"
	LogFile    = "slither.log"
)

// Slither runs the slither CLI as a subprocess.
type Slither struct {
	bin     string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Detector = (*Slither)(nil)

// Option configures Slither.
type Option func(*Slither)

// WithBinary sets the slither executable.
func WithBinary(bin string) Option {
	return func(s *Slither) {
		if bin != "" {
			s.bin = bin
		}
	}
}

// WithTimeout bounds one analysis run.
func WithTimeout(d time.Duration) Option {
	return func(s *Slither) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Slither) { s.logger = l }
}

// NewSlither creates a Slither runner.
func NewSlither(opts ...Option) *Slither {
	s := &Slither{bin: DefaultBinary, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Detect analyses every .sol file in dir. The command line and its output
// are appended to dir/slither.log.
func (s *Slither) Detect(ctx context.Context, dir string) ([]Finding, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.sol"))
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	if len(matches) == 0 {
		return []Finding{}, nil
	}

	reportPath := filepath.Join(dir, ReportFile)
	if err := os.Remove(reportPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clear previous report: %w", err)
	}

	args := make([]string, 0, len(matches)+2)
	for _, m := range matches {
		args = append(args, filepath.Base(m))
	}
	args = append(args, "--json", reportPath)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	s.appendLog(dir, args, out.Bytes())

	if errors.Is(runErr, exec.ErrNotFound) {
		return nil, fmt.Errorf("run %s: %w", s.bin, runErr)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("run %s: %w", s.bin, ctx.Err())
	}

	// slither exits non-zero when it reports findings; the JSON report is
	// the only reliable outcome.
	data, err := os.ReadFile(reportPath)
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("run %s: %w", s.bin, runErr)
		}
		return nil, fmt.Errorf("read report: %w", err)
	}
	findings, err := Parse(data)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("slither finished",
		"dir", dir, "files", len(matches), "findings", len(findings), "duration", time.Since(start))
	return findings, nil
}

func (s *Slither) appendLog(dir string, args []string, output []byte) {
	f, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("open slither log", "error", err)
		return
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString("$ ")
	b.WriteString(s.bin)
	for _, a := range args {
		b.WriteString(" ")
		b.WriteString(a)
	}
	b.WriteString("\n")
	b.Write(output)
	if len(output) > 0 && output[len(output)-1] != '\n' {
		b.WriteString("\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		s.logger.Warn("write slither log", "error", err)
	}
}
