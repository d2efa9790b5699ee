package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/detector"
	"github.com/roach88/smartaudit/internal/report"
	"github.com/roach88/smartaudit/internal/store"
	"github.com/roach88/smartaudit/internal/synth"
)

// DefaultWorkers is the default size of the worker pool.
const DefaultWorkers = 4

const instrumentationName = "github.com/roach88/smartaudit/internal/engine"

// CaseStore is the case store surface the orchestrator writes to.
// *store.Store implements it.
type CaseStore interface {
	Get(ctx context.Context, id uint64) (store.Case, error)
	MarkFailed(ctx context.Context, id uint64, reason string) error
	MarkCompleted(ctx context.Context, id uint64, reportRef string, c store.Completion) error
	SetReportRef(ctx context.Context, id uint64, reportRef string) error
}

// ChainNotifier writes job outcomes on-chain. *chain.Writer implements it.
type ChainNotifier interface {
	Complete(ctx context.Context, jobID uint64, reportRef string) chain.Submission
	MarkFailed(ctx context.Context, jobID uint64, reason string) chain.Submission
}

var (
	_ CaseStore     = (*store.Store)(nil)
	_ ChainNotifier = (*chain.Writer)(nil)
)

// Deps are the collaborators of an Orchestrator. Chain may be nil when no
// signing key is configured; outcomes are then recorded locally only.
type Deps struct {
	Store       CaseStore
	Detector    detector.Detector
	Synthesizer synth.Synthesizer
	Reports     report.Store
	Chain       ChainNotifier
}

// Orchestrator is the job orchestrator.
//
// Thread-safety model:
//   - Submit(): safe from any goroutine
//   - Run(): call once; it owns the worker pool
type Orchestrator struct {
	deps    Deps
	workDir string
	workers int
	clock   Clock
	runIDs  RunIDGenerator
	logger  *slog.Logger

	tracer   trace.Tracer
	jobs     metric.Int64Counter
	duration metric.Float64Histogram

	queue *jobQueue

	mu       sync.Mutex
	inFlight map[uint64]string // job id -> run id
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithClock sets the clock used for completion timestamps.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithRunIDGenerator sets the run id generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(o *Orchestrator) { o.runIDs = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.initMetrics(mp) }
}

// New creates an Orchestrator. workDir holds per-job source directories.
func New(deps Deps, workDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:     deps,
		workDir:  workDir,
		workers:  DefaultWorkers,
		clock:    SystemClock{},
		runIDs:   UUIDv7Generator{},
		logger:   slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer(instrumentationName),
		queue:    newJobQueue(),
		inFlight: make(map[uint64]string),
	}
	o.initMetrics(otel.GetMeterProvider())
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) initMetrics(mp metric.MeterProvider) {
	meter := mp.Meter(instrumentationName)
	// Instrument creation only fails on invalid names; the no-op
	// instruments returned alongside the error are still usable.
	jobs, err := meter.Int64Counter("smartaudit.jobs",
		metric.WithDescription("Pipeline runs by outcome"))
	if err != nil {
		o.logger.Warn("create jobs counter", "error", err)
	}
	duration, err := meter.Float64Histogram("smartaudit.job.duration",
		metric.WithDescription("Pipeline run duration"), metric.WithUnit("s"))
	if err != nil {
		o.logger.Warn("create duration histogram", "error", err)
	}
	o.jobs, o.duration = jobs, duration
}

// Submit schedules one pipeline run for jobID and returns its run id.
//
// Returns ErrJobInFlight while a run for the id is queued or executing,
// ErrJobTerminal if the stored case is already completed or failed, and
// ErrClosed after Run has returned. A case the indexer has not seen yet is
// accepted. A case whose report is already stored skips the analysis stages
// and only retries the chain completion; source is ignored for it.
func (o *Orchestrator) Submit(ctx context.Context, jobID uint64, source string) (string, error) {
	o.mu.Lock()
	if runID, ok := o.inFlight[jobID]; ok {
		o.mu.Unlock()
		return "", fmt.Errorf("job %d (run %s): %w", jobID, runID, ErrJobInFlight)
	}
	o.inFlight[jobID] = ""
	o.mu.Unlock()

	c, err := o.deps.Store.Get(ctx, jobID)
	switch {
	case err == nil && c.Terminal():
		o.release(jobID)
		return "", fmt.Errorf("job %d: %w", jobID, ErrJobTerminal)
	case err != nil && !errors.Is(err, store.ErrCaseNotFound):
		o.release(jobID)
		return "", fmt.Errorf("job %d: %w", jobID, err)
	}

	runID := o.runIDs.Generate()
	o.mu.Lock()
	o.inFlight[jobID] = runID
	o.mu.Unlock()

	j := job{ID: jobID, Source: source, RunID: runID, Enqueued: o.clock.Now(), ReportRef: c.ReportRef}
	if !o.queue.Enqueue(j) {
		o.release(jobID)
		return "", ErrClosed
	}
	o.logger.Info("job queued", "job_id", jobID, "run_id", runID,
		"chain_retry", j.ReportRef != "", "queue_len", o.queue.Len())
	return runID, nil
}

// InFlight reports whether a run for jobID is queued or executing.
func (o *Orchestrator) InFlight(jobID uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[jobID]
	return ok
}

func (o *Orchestrator) release(jobID uint64) {
	o.mu.Lock()
	delete(o.inFlight, jobID)
	o.mu.Unlock()
}

// Run starts the worker pool and blocks until ctx is done. Runs already
// executing finish before Run returns; jobs still queued are dropped and
// their ids released.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "workers", o.workers)

	var wg sync.WaitGroup
	for i := range o.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx, i)
		}()
	}

	<-ctx.Done()
	dropped := o.queue.Close()
	for _, j := range dropped {
		o.release(j.ID)
	}
	wg.Wait()

	o.logger.Info("orchestrator stopped", "dropped", len(dropped))
	return ctx.Err()
}

func (o *Orchestrator) worker(ctx context.Context, n int) {
	// Runs outlive shutdown so a chain submission is never cut off.
	runCtx := context.WithoutCancel(ctx)
	for {
		if j, ok := o.queue.TryDequeue(); ok {
			o.logger.Debug("job dequeued", "job_id", j.ID, "run_id", j.RunID, "worker", n,
				"waited", o.clock.Now().Sub(j.Enqueued))
			o.process(runCtx, j)
			o.release(j.ID)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-o.queue.Wait():
			if !ok {
				return
			}
		}
	}
}

// processNow runs the pipeline for one job synchronously, outside the queue
// and the in-flight guard.
func (o *Orchestrator) processNow(ctx context.Context, jobID uint64, source string) Outcome {
	return o.process(ctx, job{ID: jobID, Source: source, RunID: o.runIDs.Generate(), Enqueued: o.clock.Now()})
}
