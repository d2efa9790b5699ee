package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/roach88/smartaudit/internal/synth"
)

// startRun runs o in the background and returns a stop func that waits for
// Run to return.
func startRun(t *testing.T, o *Orchestrator) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
		}
	}
}

func TestSubmit_RejectsDuplicateInFlight(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 1)
	f.detector.gate = make(chan struct{})
	o := f.orchestrator(f.deps(), WithRunIDGenerator(NewFixedGenerator("run-1")))
	stop := startRun(t, o)
	defer stop()

	runID, err := o.Submit(context.Background(), 1, vault)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)

	require.Eventually(t, func() bool { return f.detector.callCount() == 1 }, time.Second, time.Millisecond)
	_, err = o.Submit(context.Background(), 1, vault)
	assert.ErrorIs(t, err, ErrJobInFlight)

	close(f.detector.gate)
	require.Eventually(t, func() bool { return !o.InFlight(1) }, time.Second, time.Millisecond)
	assert.True(t, f.getCase(t, 1).Completed)
	assert.Len(t, f.chain.completes, 1)
}

func TestSubmit_RejectsTerminalCase(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 2)
	require.NoError(t, f.store.MarkFailed(context.Background(), 2, "detector_error: x"))
	o := f.orchestrator(f.deps())

	_, err := o.Submit(context.Background(), 2, vault)
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.False(t, o.InFlight(2))
}

func TestSubmit_ConcurrentSameIDOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 3)
	o := f.orchestrator(f.deps())

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = o.Submit(context.Background(), 3, vault)
		}()
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrJobInFlight)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, o.queue.Len())
}

func TestRun_ProcessesQueuedJobs(t *testing.T) {
	f := newFixture(t)
	for id := uint64(20); id < 26; id++ {
		f.seedPaid(t, id)
	}
	o := f.orchestrator(f.deps(), WithWorkers(3))

	for id := uint64(20); id < 26; id++ {
		_, err := o.Submit(context.Background(), id, vault)
		require.NoError(t, err)
	}
	stop := startRun(t, o)
	defer stop()

	require.Eventually(t, func() bool {
		for id := uint64(20); id < 26; id++ {
			if o.InFlight(id) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	for id := uint64(20); id < 26; id++ {
		assert.True(t, f.getCase(t, id).Completed, "job %d", id)
	}
}

func TestRun_CompletedJobCannotBeResubmitted(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 30)
	o := f.orchestrator(f.deps())
	stop := startRun(t, o)
	defer stop()

	_, err := o.Submit(context.Background(), 30, vault)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !o.InFlight(30) }, time.Second, time.Millisecond)

	_, err = o.Submit(context.Background(), 30, vault)
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.Len(t, f.chain.completes, 1)
}

func TestRun_ShutdownReleasesQueuedJobs(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 40)
	f.seedPaid(t, 41)
	f.detector.gate = make(chan struct{})
	o := f.orchestrator(f.deps(), WithWorkers(1))
	stop := startRun(t, o)

	_, err := o.Submit(context.Background(), 40, vault)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.detector.callCount() == 1 }, time.Second, time.Millisecond)
	_, err = o.Submit(context.Background(), 41, vault)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(f.detector.gate)
	}()
	stop()

	assert.False(t, o.InFlight(41))
	assert.True(t, f.getCase(t, 40).Completed, "running job finishes on shutdown")
	assert.False(t, f.getCase(t, 41).Completed)

	_, err = o.Submit(context.Background(), 41, vault)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMetrics_JobsCounter(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 50)
	f.seedPaid(t, 51)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	o := f.orchestrator(f.deps(), WithMeterProvider(mp))

	o.processNow(context.Background(), 50, vault)
	f.synth.result = synth.Result{Mode: synth.ModeDegraded}
	o.processNow(context.Background(), 51, vault)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byOutcome := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "smartaudit.jobs" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("outcome")
				byOutcome[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"completed": 1, "failed": 1}, byOutcome)
}

func TestSubmit_StoredReportRetriesChainCompletionOnly(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 50)
	f.chain.unconfirmed = true
	o := f.orchestrator(f.deps())

	first := o.processNow(context.Background(), 50, vault)
	require.Equal(t, StateReportStored, first.State)
	require.Equal(t, "/reports/50", f.getCase(t, 50).ReportRef)
	require.Equal(t, 1, f.detector.callCount())

	// A degraded synthesizer must not be consulted on the retry.
	f.synth.result = synth.Result{Mode: synth.ModeDegraded}
	f.chain.mu.Lock()
	f.chain.unconfirmed = false
	f.chain.mu.Unlock()

	stop := startRun(t, o)
	defer stop()
	_, err := o.Submit(context.Background(), 50, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !o.InFlight(50) }, time.Second, time.Millisecond)

	c := f.getCase(t, 50)
	assert.True(t, c.Completed)
	assert.False(t, c.Failed)
	assert.Equal(t, "/reports/50", c.ReportRef)
	assert.Equal(t, 1, f.detector.callCount())

	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	assert.Empty(t, f.chain.fails)
	assert.Equal(t, []string{"/reports/50", "/reports/50"}, f.chain.completes)
}

func TestSubmit_StoredReportStaysStoredWhenChainStillUnconfirmed(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, 51)
	f.chain.unconfirmed = true
	o := f.orchestrator(f.deps())
	require.Equal(t, StateReportStored, o.processNow(context.Background(), 51, vault).State)

	f.synth.result = synth.Result{Mode: synth.ModeError, Err: "upstream 500"}
	stop := startRun(t, o)
	defer stop()
	_, err := o.Submit(context.Background(), 51, vault)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !o.InFlight(51) }, time.Second, time.Millisecond)

	c := f.getCase(t, 51)
	assert.False(t, c.Completed)
	assert.False(t, c.Failed)
	assert.Equal(t, "/reports/51", c.ReportRef)
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	assert.Empty(t, f.chain.fails)
}
