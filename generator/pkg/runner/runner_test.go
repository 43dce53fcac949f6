package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/streamforge/generator/pkg/coordinator"
	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	sftesting "github.com/malbeclabs/streamforge/utils/pkg/testing"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	domain    string
	iteration int
	resets    int
	failAt    int
	failing   bool
	notEmpty  error
	schemas   []*schema.Schema
	started   chan struct{}
	release   chan struct{}
	panicking bool

	checkStarted chan struct{}
	checkRelease chan struct{}
}

func (f *fakeCoordinator) Reset(domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domain = domain
	f.iteration = 0
	f.resets++
}

func (f *fakeCoordinator) RunIteration(_ context.Context, domain string) (*coordinator.IterationResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicking {
		panic("boom")
	}
	if f.failing || (f.failAt > 0 && f.iteration == f.failAt) {
		return nil, errors.New("bucket unavailable")
	}
	res := &coordinator.IterationResult{
		Domain:    domain,
		Iteration: f.iteration,
		Tables:    []coordinator.TableOutput{{Table: "sales", Type: schema.TableTypeFact, Rows: 10}},
	}
	if f.iteration == 0 {
		res.Schemas = f.schemas
	}
	f.iteration++
	return res, nil
}

func (f *fakeCoordinator) CheckOutputEmpty(context.Context, string) error {
	if f.checkStarted != nil {
		f.checkStarted <- struct{}{}
	}
	if f.checkRelease != nil {
		<-f.checkRelease
	}
	return f.notEmpty
}

func salesSchemas(t *testing.T) []*schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte("table: sales\ntype: fact\ncolumns:\n  amount: float\n"))
	require.NoError(t, err)
	return []*schema.Schema{s}
}

func newRunner(t *testing.T, fc *fakeCoordinator, clock clockwork.Clock, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		Logger:      sftesting.NewLogger(),
		Clock:       clock,
		Coordinator: fc,
		Locate:      func(domain, table string) string { return "/out/" + domain + "/" + table },
		Interval:    time.Minute,
		MaxDuration: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func waitIterations(t *testing.T, r *Runner, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Status().Iterations == n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStreamForge_Runner_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: sftesting.NewLogger()})
	require.ErrorContains(t, err, "coordinator is required")

	cfg := Config{Logger: sftesting.NewLogger(), Coordinator: &fakeCoordinator{}, Locate: func(string, string) string { return "" }}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultInterval, cfg.Interval)
	require.Equal(t, DefaultMaxDuration, cfg.MaxDuration)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Emitter)
}

func TestStreamForge_Runner_IteratesOnInterval(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	fc := &fakeCoordinator{schemas: salesSchemas(t)}
	r := newRunner(t, fc, clock, nil)

	_, _, ok := r.Pipeline()
	require.False(t, ok)

	st, err := r.Start(t.Context(), StartRequest{Domain: "retail"})
	require.NoError(t, err)
	require.True(t, st.Running)
	require.NotEmpty(t, st.RunID)
	require.Equal(t, 1, fc.resets)

	// The first iteration does not wait for the interval.
	waitIterations(t, r, 1)

	domain, codes, ok := r.Pipeline()
	require.True(t, ok)
	require.Equal(t, "retail", domain)
	require.Len(t, codes, 1)
	require.Equal(t, "/out/retail/sales", codes[0].Location)
	require.Contains(t, codes[0].SQL, "sales_bronze")

	for want := 2; want <= 3; want++ {
		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		clock.Advance(time.Minute)
		waitIterations(t, r, want)
	}

	st = r.Status()
	require.True(t, st.Running)
	require.Len(t, st.Tables, 1)
	require.NotNil(t, st.LastIterationAt)

	require.NoError(t, r.Stop())
	st = r.Status()
	require.False(t, st.Running)
	require.Equal(t, StopReasonUser, st.StopReason)
	require.NotNil(t, st.StoppedAt)
	require.Equal(t, 3, st.Iterations)

	// Pipeline code stays available after the run ends.
	_, _, ok = r.Pipeline()
	require.True(t, ok)

	require.ErrorIs(t, r.Stop(), ErrNotRunning)
}

func TestStreamForge_Runner_TimeLimit(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	r := newRunner(t, &fakeCoordinator{}, clock, func(cfg *Config) {
		cfg.MaxDuration = 2 * time.Minute
	})

	_, err := r.Start(t.Context(), StartRequest{Domain: "retail"})
	require.NoError(t, err)
	waitIterations(t, r, 1)

	for want := 2; want <= 3; want++ {
		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		clock.Advance(time.Minute)
		waitIterations(t, r, want)
	}

	require.NoError(t, r.Wait(t.Context()))
	st := r.Status()
	require.False(t, st.Running)
	require.Equal(t, StopReasonTimeLimit, st.StopReason)
	require.Equal(t, 3, st.Iterations)
}

func TestStreamForge_Runner_IterationErrorStopsRun(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var (
		mu       sync.Mutex
		domains  []string
		reported []error
	)
	r := newRunner(t, &fakeCoordinator{failAt: 1}, clock, func(cfg *Config) {
		cfg.OnError = func(domain string, err error) {
			mu.Lock()
			defer mu.Unlock()
			domains = append(domains, domain)
			reported = append(reported, err)
		}
	})

	_, err := r.Start(t.Context(), StartRequest{Domain: "retail"})
	require.NoError(t, err)
	waitIterations(t, r, 1)

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	clock.Advance(time.Minute)
	require.NoError(t, r.Wait(t.Context()))

	st := r.Status()
	require.False(t, st.Running)
	require.Equal(t, 1, st.Iterations)
	require.Equal(t, StopReasonError, st.StopReason)
	require.Equal(t, "bucket unavailable", st.LastError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	require.Equal(t, []string{"retail"}, domains)
}

func TestStreamForge_Runner_PanicStopsRun(t *testing.T) {
	t.Parallel()

	r := newRunner(t, &fakeCoordinator{panicking: true}, clockwork.NewFakeClock(), nil)
	_, err := r.Start(t.Context(), StartRequest{Domain: "retail"})
	require.NoError(t, err)
	require.NoError(t, r.Wait(t.Context()))

	st := r.Status()
	require.Equal(t, StopReasonError, st.StopReason)
	require.Contains(t, st.LastError, "boom")
	require.Zero(t, st.Iterations)
}

func TestStreamForge_Runner_StartErrors(t *testing.T) {
	t.Parallel()

	t.Run("domain is required", func(t *testing.T) {
		t.Parallel()
		r := newRunner(t, &fakeCoordinator{}, clockwork.NewFakeClock(), nil)
		_, err := r.Start(t.Context(), StartRequest{})
		require.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("output not empty", func(t *testing.T) {
		t.Parallel()
		fc := &fakeCoordinator{notEmpty: errors.New("output location is not empty")}
		r := newRunner(t, fc, clockwork.NewFakeClock(), nil)
		_, err := r.Start(t.Context(), StartRequest{Domain: "retail"})
		require.ErrorContains(t, err, "not empty")
		require.Zero(t, fc.resets)
		require.False(t, r.Status().Running)
	})

	t.Run("already running", func(t *testing.T) {
		t.Parallel()
		r := newRunner(t, &fakeCoordinator{}, clockwork.NewFakeClock(), nil)
		_, err := r.Start(t.Context(), StartRequest{Domain: "retail"})
		require.NoError(t, err)
		_, err = r.Start(t.Context(), StartRequest{Domain: "utilities"})
		require.ErrorIs(t, err, ErrAlreadyRunning)
		require.NoError(t, r.Stop())

		// A new run can start once the previous one ended.
		st, err := r.Start(t.Context(), StartRequest{Domain: "utilities"})
		require.NoError(t, err)
		require.Equal(t, "utilities", st.Domain)
	})

	t.Run("wait without a run", func(t *testing.T) {
		t.Parallel()
		r := newRunner(t, &fakeCoordinator{}, clockwork.NewFakeClock(), nil)
		require.ErrorIs(t, r.Wait(t.Context()), ErrNotRunning)
	})
}

func TestStreamForge_Runner_StopWaitsForIteration(t *testing.T) {
	t.Parallel()

	fc := &fakeCoordinator{started: make(chan struct{}, 1), release: make(chan struct{})}
	r := newRunner(t, fc, clockwork.NewFakeClock(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	_, err := r.Start(ctx, StartRequest{Domain: "retail"})
	require.NoError(t, err)
	// Cancelling the start request does not end the run.
	cancel()
	<-fc.started

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop() }()

	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight iteration finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(fc.release)
	require.NoError(t, <-stopped)

	st := r.Status()
	require.Equal(t, 1, st.Iterations)
	require.Equal(t, StopReasonUser, st.StopReason)
}

func TestStreamForge_Runner_StopReasonIsKept(t *testing.T) {
	t.Parallel()

	stopDuringIteration := func(t *testing.T, fc *fakeCoordinator, r *Runner, beforeRelease func()) {
		t.Helper()
		_, err := r.Start(t.Context(), StartRequest{Domain: "retail"})
		require.NoError(t, err)
		<-fc.started

		stopped := make(chan error, 1)
		go func() { stopped <- r.Stop() }()
		require.Eventually(t, func() bool {
			return r.Status().StopReason == StopReasonUser
		}, 5*time.Second, 5*time.Millisecond)

		beforeRelease()
		close(fc.release)
		require.NoError(t, <-stopped)
	}

	t.Run("iteration fails after stop", func(t *testing.T) {
		t.Parallel()

		fc := &fakeCoordinator{started: make(chan struct{}, 1), release: make(chan struct{}), failing: true}
		r := newRunner(t, fc, clockwork.NewFakeClock(), nil)
		stopDuringIteration(t, fc, r, func() {})

		st := r.Status()
		require.False(t, st.Running)
		require.Equal(t, StopReasonUser, st.StopReason)
		require.Equal(t, "bucket unavailable", st.LastError)
		require.Zero(t, st.Iterations)
	})

	t.Run("time limit reached after stop", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		fc := &fakeCoordinator{started: make(chan struct{}, 1), release: make(chan struct{})}
		r := newRunner(t, fc, clock, func(cfg *Config) {
			cfg.MaxDuration = 2 * time.Minute
		})
		stopDuringIteration(t, fc, r, func() { clock.Advance(time.Hour) })

		st := r.Status()
		require.False(t, st.Running)
		require.Equal(t, StopReasonUser, st.StopReason)
		require.Equal(t, 1, st.Iterations)
	})
}

func TestStreamForge_Runner_StartChecksOutputWithoutLock(t *testing.T) {
	t.Parallel()

	fc := &fakeCoordinator{checkStarted: make(chan struct{}, 2), checkRelease: make(chan struct{})}
	r := newRunner(t, fc, clockwork.NewFakeClock(), nil)

	results := make(chan error, 2)
	start := func(domain string) {
		_, err := r.Start(t.Context(), StartRequest{Domain: domain})
		results <- err
	}
	go start("retail")
	<-fc.checkStarted

	// Status stays responsive while the output check is in flight.
	require.False(t, r.Status().Running)

	go start("utilities")
	<-fc.checkStarted
	close(fc.checkRelease)

	var errs []error
	for range 2 {
		errs = append(errs, <-results)
	}
	require.ElementsMatch(t, []error{nil, ErrAlreadyRunning}, errs)
	require.True(t, r.Status().Running)
	require.Equal(t, 1, fc.resets)
}
