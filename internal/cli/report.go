package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/smartaudit/internal/report"
)

// ReportResult is a stored report artifact.
type ReportResult struct {
	JobID       uint64 `json:"job_id"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Print the stored report for a job",
		Long: `Print the stored report for a job id from the configured report store.

The Markdown rendering is preferred; the JSON form is printed when it is
the only artifact.

Examples:
  auditd report 42
  auditd report 42 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runReport(opts *RootOptions, rawID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		_ = formatter.Error(CodeInvalidInput, fmt.Sprintf("invalid job id %q", rawID), nil)
		return WrapExitError(ExitCommandError, "invalid job id", err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reports, err := openReports(ctx, cfg)
	if err != nil {
		return err
	}

	art, err := reports.Open(ctx, id)
	if errors.Is(err, report.ErrNotFound) {
		_ = formatter.Error(CodeNotFound, fmt.Sprintf("report %d not found", id), nil)
		return WrapExitError(ExitCommandError, fmt.Sprintf("report %d", id), err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read report", err)
	}

	result := ReportResult{JobID: id, ContentType: art.ContentType, Body: string(art.Body)}
	return formatter.Render(result, func(w io.Writer) error {
		_, err := w.Write(art.Body)
		return err
	})
}
