package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/store"
)

// CasesOptions holds flags for the cases command.
type CasesOptions struct {
	*RootOptions
	User  string
	Page  int
	Limit int

	// Now overrides the clock used for status derivation (for testing).
	Now func() time.Time
}

// CasesResult is a page of a user's cases.
type CasesResult struct {
	User  string              `json:"user"`
	Page  int                 `json:"page"`
	Cases []store.CaseSummary `json:"cases"`
}

// NewCasesCommand creates the cases command.
func NewCasesCommand(rootOpts *RootOptions) *cobra.Command {
	return newCasesCommand(&CasesOptions{RootOptions: rootOpts})
}

func newCasesCommand(opts *CasesOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List a user's cases",
		Long: `List the cases paid by a user, newest payment first.

Status is derived from local state: Completed, Refunded, Refundable once
the refund grace window has passed, otherwise Pending.

Examples:
  auditd cases --user 0xAbC...
  auditd cases --user 0xAbC... --page 2 --limit 50 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCases(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "payer address (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number, from 1")
	cmd.Flags().IntVar(&opts.Limit, "limit", store.DefaultPageLimit, "page size (max 100)")

	return cmd
}

func runCases(opts *CasesOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	page := max(opts.Page, 1)
	list, err := st.ListByUser(context.Background(), opts.User, page, opts.Limit, now())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list cases", err)
	}

	result := CasesResult{User: opts.User, Page: page, Cases: list}
	return newFormatter(opts.RootOptions, cmd).Render(result, func(w io.Writer) error {
		fmt.Fprintf(w, "=== Cases for %s (page %d) ===\n", result.User, result.Page)
		if len(result.Cases) == 0 {
			fmt.Fprintln(w, "  (no cases)")
			return nil
		}
		for _, c := range result.Cases {
			fmt.Fprintf(w, "  #%d  %-10s  amount=%s  paid=%s", c.ID, c.Status, c.Amount, formatUnix(c.PaidTime))
			if c.ReportRef != "" {
				fmt.Fprintf(w, "  report=%s", c.ReportRef)
			}
			if c.Failed {
				fmt.Fprintf(w, "  failed=%q", c.FailReason)
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

// CaseOptions holds flags for the case command.
type CaseOptions struct {
	*RootOptions
	OnChain bool

	// Dial overrides the ledger connection (for testing).
	Dial Dialer
	// Now overrides the clock used for status derivation (for testing).
	Now func() time.Time
}

// CaseResult is one case with its derived status and, optionally, the
// live on-chain job state.
type CaseResult struct {
	Case     store.Case      `json:"case"`
	Status   store.Status    `json:"status"`
	OnChain  *chain.JobState `json:"onchain,omitempty"`
	ChainErr string          `json:"onchain_error,omitempty"`
}

// NewCaseCommand creates the case command.
func NewCaseCommand(rootOpts *RootOptions) *cobra.Command {
	return newCaseCommand(&CaseOptions{RootOptions: rootOpts})
}

func newCaseCommand(opts *CaseOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case <id>",
		Short: "Show one case",
		Long: `Show the local record for a job id.

With --onchain the contract's jobs(id) entry is read as well; a failed
read is reported but does not fail the command.

Examples:
  auditd case 42
  auditd case 42 --onchain --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCase(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.OnChain, "onchain", false, "also read the on-chain job state")

	return cmd
}

func runCase(opts *CaseOptions, rawID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		_ = formatter.Error(CodeInvalidInput, fmt.Sprintf("invalid job id %q", rawID), nil)
		return WrapExitError(ExitCommandError, "invalid job id", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	c, err := st.Get(ctx, id)
	if errors.Is(err, store.ErrCaseNotFound) {
		_ = formatter.Error(CodeNotFound, fmt.Sprintf("case %d not found", id), nil)
		return WrapExitError(ExitCommandError, fmt.Sprintf("case %d", id), err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read case", err)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	result := CaseResult{Case: c, Status: store.DeriveStatus(c, now())}

	if opts.OnChain {
		led, err := connectReader(ctx, cfg, opts.Dial, newLogger(opts.RootOptions, cmd.ErrOrStderr()))
		if err != nil {
			result.ChainErr = err.Error()
		} else {
			js, err := led.reader.Job(ctx, id)
			led.close()
			if err != nil {
				result.ChainErr = err.Error()
			} else {
				result.OnChain = &js
			}
		}
	}

	return formatter.Render(result, func(w io.Writer) error {
		return outputCaseText(w, result)
	})
}

func outputCaseText(w io.Writer, r CaseResult) error {
	c := r.Case
	fmt.Fprintf(w, "Case %d\n", c.ID)
	fmt.Fprintf(w, "  Status:    %s\n", r.Status)
	fmt.Fprintf(w, "  User:      %s\n", c.User)
	fmt.Fprintf(w, "  Amount:    %s\n", c.Amount)
	fmt.Fprintf(w, "  Paid:      %s%s\n", formatUnix(c.PaidTime), provenance(c.PaidTx, c.PaidBlock))
	if c.ReportRef != "" {
		fmt.Fprintf(w, "  Report:    %s\n", c.ReportRef)
	}
	if c.Completed {
		fmt.Fprintf(w, "  Completed: %s%s\n", formatUnix(c.CompletedTime), provenance(c.CompletedTx, c.CompletedBlock))
	}
	if c.Failed {
		fmt.Fprintf(w, "  Failed:    %s\n", c.FailReason)
	}
	if c.Refunded {
		fmt.Fprintf(w, "  Refunded:  %s%s\n", formatUnix(c.RefundedTime), provenance(c.RefundedTx, 0))
	}

	switch {
	case r.OnChain != nil:
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== On-chain ===")
		fmt.Fprintf(w, "  User:      %s\n", r.OnChain.User)
		fmt.Fprintf(w, "  Amount:    %s\n", r.OnChain.Amount)
		fmt.Fprintf(w, "  PaidAt:    %d\n", r.OnChain.PaidAt)
		fmt.Fprintf(w, "  Completed: %t\n", r.OnChain.Completed)
		fmt.Fprintf(w, "  Failed:    %t\n", r.OnChain.Failed)
		if r.OnChain.ReportRef != "" {
			fmt.Fprintf(w, "  Report:    %s\n", r.OnChain.ReportRef)
		}
	case r.ChainErr != "":
		fmt.Fprintln(w)
		fmt.Fprintf(w, "On-chain read failed: %s\n", r.ChainErr)
	}
	return nil
}

func formatUnix(ts *int64) string {
	if ts == nil {
		return "-"
	}
	return time.Unix(*ts, 0).UTC().Format(time.RFC3339)
}

func provenance(tx string, block uint64) string {
	switch {
	case tx != "" && block > 0:
		return fmt.Sprintf(" (tx %s, block %d)", tx, block)
	case tx != "":
		return fmt.Sprintf(" (tx %s)", tx)
	default:
		return ""
	}
}
