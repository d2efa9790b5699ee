package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/detector"
	"github.com/roach88/smartaudit/internal/report"
	"github.com/roach88/smartaudit/internal/store"
	"github.com/roach88/smartaudit/internal/synth"
)

// SourceFile is the name the submitted source is persisted under.
const SourceFile = "Source.sol"

// State is the terminal state of a run.
type State string

const (
	// StateCompleted: report stored and completion confirmed on-chain.
	StateCompleted State = "completed"

	// StateReportStored: report stored, chain completion not confirmed or
	// no signer configured.
	StateReportStored State = "report_stored"

	// StateFailed: a stage failed.
	StateFailed State = "failed"
)

// Outcome is the result of one run.
type Outcome struct {
	JobID     uint64
	RunID     string
	State     State
	Reason    string
	ReportRef string
	// Chain is the on-chain submission, nil when no signer is configured.
	Chain *chain.Submission
}

func (o *Orchestrator) process(ctx context.Context, j job) Outcome {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "audit.job", trace.WithAttributes(
		attribute.Int64("job.id", int64(j.ID)),
		attribute.String("run.id", j.RunID),
	))
	defer span.End()

	logger := o.logger.With("job_id", j.ID, "run_id", j.RunID)
	logger.Info("run started", "source_bytes", len(j.Source))

	var out Outcome
	if j.ReportRef != "" {
		logger.Info("report already stored, retrying chain completion", "report_ref", j.ReportRef)
		out = o.complete(ctx, j, j.ReportRef, logger)
	} else if ref, err := o.build(ctx, j, logger); err != nil {
		out = o.fail(ctx, j, err, logger)
		span.SetStatus(codes.Error, out.Reason)
	} else {
		out = o.complete(ctx, j, ref, logger)
	}
	span.SetAttributes(attribute.String("outcome", string(out.State)))

	o.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(out.State))))
	o.duration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(out.State))))
	logger.Info("run finished", "state", out.State, "reason", out.Reason,
		"report_ref", out.ReportRef, "duration", time.Since(start))
	return out
}

// build runs stages 1-5 and returns the stored report reference.
func (o *Orchestrator) build(ctx context.Context, j job, logger *slog.Logger) (string, error) {
	dir := filepath.Join(o.workDir, "tmp", strconv.FormatUint(j.ID, 10))

	err := o.stage(ctx, "write_source", func(ctx context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stageErr(CodeWriteSource, err)
		}
		if err := os.WriteFile(filepath.Join(dir, SourceFile), []byte(j.Source), 0o644); err != nil {
			return stageErr(CodeWriteSource, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var findings []detector.Finding
	err = o.stage(ctx, "detect", func(ctx context.Context) error {
		var err error
		findings, err = o.deps.Detector.Detect(ctx, dir)
		if err != nil {
			return stageErr(CodeDetector, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.Debug("detector finished", "findings", len(findings))

	var syn synth.Result
	err = o.stage(ctx, "synthesize", func(ctx context.Context) error {
		syn = o.deps.Synthesizer.Synthesize(ctx, j.Source, findings)
		switch syn.Mode {
		case synth.ModeNormal:
			return nil
		case synth.ModeDegraded:
			return stageErr(CodeSynthesisUnavailable, errors.New("no synthesizer credential configured"))
		default:
			msg := syn.Err
			if msg == "" {
				msg = "synthesizer call failed"
			}
			return stageErr(CodeSynthesisError, errors.New(msg))
		}
	})
	if err != nil {
		return "", err
	}

	var rep report.Report
	err = o.stage(ctx, "assemble", func(ctx context.Context) error {
		var err error
		rep, err = report.Assemble(j.ID, j.Source, findings, syn)
		if err != nil {
			return stageErr(CodeAssemble, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var ref string
	err = o.stage(ctx, "save_report", func(ctx context.Context) error {
		var err error
		ref, err = o.deps.Reports.Save(ctx, rep)
		if err != nil {
			return stageErr(CodeSaveReport, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.Info("report stored", "report_ref", ref, "content_hash", rep.ContentHash)
	return ref, nil
}

// stage runs fn in a child span.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "audit.stage."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// fail notifies the chain (if a signer exists) and marks the case failed.
func (o *Orchestrator) fail(ctx context.Context, j job, err error, logger *slog.Logger) Outcome {
	reason := store.TruncateReason(err.Error())
	out := Outcome{JobID: j.ID, RunID: j.RunID, State: StateFailed, Reason: reason}
	logger.Warn("run failed", "reason", reason)

	if o.deps.Chain != nil {
		var sub chain.Submission
		_ = o.stage(ctx, "chain_mark_failed", func(ctx context.Context) error {
			sub = o.deps.Chain.MarkFailed(ctx, j.ID, reason)
			return sub.Err
		})
		out.Chain = &sub
	}

	if err := o.deps.Store.MarkFailed(ctx, j.ID, reason); err != nil {
		logStoreError(logger, "mark failed", err)
	}
	return out
}

// complete notifies the chain (if a signer exists) and records the outcome.
func (o *Orchestrator) complete(ctx context.Context, j job, ref string, logger *slog.Logger) Outcome {
	out := Outcome{JobID: j.ID, RunID: j.RunID, State: StateReportStored, ReportRef: ref}

	if o.deps.Chain != nil {
		var sub chain.Submission
		_ = o.stage(ctx, "chain_complete", func(ctx context.Context) error {
			sub = o.deps.Chain.Complete(ctx, j.ID, ref)
			return sub.Err
		})
		out.Chain = &sub

		if sub.Confirmed {
			err := o.deps.Store.MarkCompleted(ctx, j.ID, ref, store.Completion{
				Tx:    sub.TxHash,
				Block: sub.Block,
				Time:  o.clock.Now().Unix(),
			})
			if err != nil {
				logStoreError(logger, "mark completed", err)
				return out
			}
			out.State = StateCompleted
			return out
		}
		logger.Warn("completion not confirmed on-chain, recording report only",
			"tx", sub.TxHash, "error", sub.Err)
	}

	if err := o.deps.Store.SetReportRef(ctx, j.ID, ref); err != nil {
		logStoreError(logger, "set report ref", err)
	}
	return out
}

func logStoreError(logger *slog.Logger, op string, err error) {
	if errors.Is(err, store.ErrCaseTerminal) || errors.Is(err, store.ErrCaseNotFound) {
		logger.Warn(fmt.Sprintf("%s skipped", op), "error", err)
		return
	}
	logger.Error(fmt.Sprintf("%s failed", op), "error", err)
}
