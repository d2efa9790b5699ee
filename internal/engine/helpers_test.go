package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/detector"
	"github.com/roach88/smartaudit/internal/report"
	"github.com/roach88/smartaudit/internal/store"
	"github.com/roach88/smartaudit/internal/synth"
	"github.com/roach88/smartaudit/internal/testutil"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

// fakeDetector returns fixed findings. If gate is set, Detect blocks until
// it is closed.
type fakeDetector struct {
	mu       sync.Mutex
	findings []detector.Finding
	err      error
	gate     chan struct{}
	calls    int
	dirs     []string
}

func (d *fakeDetector) Detect(ctx context.Context, dir string) ([]detector.Finding, error) {
	d.mu.Lock()
	d.calls++
	d.dirs = append(d.dirs, dir)
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return d.findings, d.err
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeSynth struct {
	mu     sync.Mutex
	result synth.Result
	calls  int
}

func (s *fakeSynth) Synthesize(ctx context.Context, source string, findings []detector.Finding) synth.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result
}

func normalSynth() *fakeSynth {
	return &fakeSynth{result: synth.Result{
		Mode:         synth.ModeNormal,
		Model:        "gpt-4o-mini",
		Output:       "No exploitable issues.",
		Observations: []string{"LLM mode: combined with static analysis."},
	}}
}

// fakeChain records calls and confirms unless told otherwise.
type fakeChain struct {
	mu          sync.Mutex
	unconfirmed bool
	completes   []string
	fails       []string
}

func (c *fakeChain) Complete(ctx context.Context, jobID uint64, ref string) chain.Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completes = append(c.completes, ref)
	if c.unconfirmed {
		return chain.Submission{TxHash: "0xc0", Err: errors.New("wait receipt: context deadline exceeded")}
	}
	return chain.Submission{TxHash: "0xc0ffee", Block: 321, Confirmed: true}
}

func (c *fakeChain) MarkFailed(ctx context.Context, jobID uint64, reason string) chain.Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails = append(c.fails, reason)
	return chain.Submission{TxHash: "0xfa11", Block: 322, Confirmed: true}
}

type failingReports struct{}

func (failingReports) Save(ctx context.Context, r report.Report) (string, error) {
	return "", errors.New("disk full")
}

func (failingReports) Open(ctx context.Context, jobID uint64) (report.Artifact, error) {
	return report.Artifact{}, report.ErrNotFound
}

type fixture struct {
	store    *store.Store
	reports  *report.FileStore
	detector *fakeDetector
	synth    *fakeSynth
	chain    *fakeChain
	clock    *testutil.FakeClock
	spans    *tracetest.SpanRecorder
	workDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "cases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	reports, err := report.NewFileStore(filepath.Join(dir, "reports"))
	require.NoError(t, err)

	return &fixture{
		store:    s,
		reports:  reports,
		detector: &fakeDetector{findings: []detector.Finding{}},
		synth:    normalSynth(),
		chain:    &fakeChain{},
		clock:    testutil.NewFakeClock(testEpoch),
		spans:    tracetest.NewSpanRecorder(),
		workDir:  filepath.Join(dir, "work"),
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Store:       f.store,
		Detector:    f.detector,
		Synthesizer: f.synth,
		Reports:     f.reports,
		Chain:       f.chain,
	}
}

func (f *fixture) orchestrator(deps Deps, opts ...Option) *Orchestrator {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	base := []Option{
		WithClock(f.clock),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithTracerProvider(tp),
	}
	return New(deps, f.workDir, append(base, opts...)...)
}

func (f *fixture) seedPaid(t *testing.T, id uint64) {
	t.Helper()
	require.NoError(t, f.store.UpsertPaid(context.Background(), store.PaidEvent{
		ID:     id,
		User:   "0x00000000000000000000000000000000000a11ce",
		Amount: "1000000000000000",
		Tx:     "0xpaid",
		Block:  100,
		Time:   testEpoch.Unix(),
	}))
}

func (f *fixture) getCase(t *testing.T, id uint64) store.Case {
	t.Helper()
	c, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}
