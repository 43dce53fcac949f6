package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/streamforge/generator/pkg/coordinator"
	"github.com/malbeclabs/streamforge/generator/pkg/metrics"
	"github.com/malbeclabs/streamforge/generator/pkg/pipeline"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultMaxDuration = 3 * time.Hour

	StopReasonUser      = "stopped by user"
	StopReasonTimeLimit = "time limit reached"
	StopReasonError     = "iteration failed"
	StopReasonShutdown  = "shutdown"
)

var (
	ErrAlreadyRunning = errors.New("a run is already in progress")
	ErrNotRunning     = errors.New("no run in progress")
	ErrInvalidRequest = errors.New("invalid request")
)

// Coordinator is the part of *coordinator.Coordinator the runner drives.
type Coordinator interface {
	Reset(domain string)
	RunIteration(ctx context.Context, domain string) (*coordinator.IterationResult, error)
	CheckOutputEmpty(ctx context.Context, domain string) error
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Coordinator Coordinator
	Emitter     *pipeline.Emitter

	// Locate returns the output location of a table; pipeline code reads from it.
	Locate func(domain, table string) string
	// Format is the output file format, passed to the pipeline emitter.
	Format string

	Interval    time.Duration
	MaxDuration time.Duration

	// OnError is called when an iteration fails and stops the run.
	OnError func(domain string, err error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Coordinator == nil {
		return errors.New("coordinator is required")
	}
	if cfg.Locate == nil {
		return errors.New("locate func is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = pipeline.NewEmitter(cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	return nil
}

type StartRequest struct {
	Domain string `json:"domain"`
}

// Status is a snapshot of the current or most recent run.
type Status struct {
	RunID           string                    `json:"run_id,omitempty"`
	Domain          string                    `json:"domain,omitempty"`
	Running         bool                      `json:"running"`
	Iterations      int                       `json:"iterations"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	LastIterationAt *time.Time                `json:"last_iteration_at,omitempty"`
	StoppedAt       *time.Time                `json:"stopped_at,omitempty"`
	StopReason      string                    `json:"stop_reason,omitempty"`
	LastError       string                    `json:"last_error,omitempty"`
	Tables          []coordinator.TableOutput `json:"tables,omitempty"`
}

type run struct {
	id     string
	domain string
	cancel context.CancelFunc
	done   chan struct{}

	status   Status
	pipeline []pipeline.Code
}

type Runner struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	current *run
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Start begins a run for req.Domain: the first iteration runs immediately, then one per
// interval until Stop, an iteration error or the time limit. The run outlives ctx's
// cancellation; use Stop to end it.
func (r *Runner) Start(ctx context.Context, req StartRequest) (Status, error) {
	if req.Domain == "" {
		return Status{}, fmt.Errorf("%w: domain is required", ErrInvalidRequest)
	}

	if r.Status().Running {
		return Status{}, ErrAlreadyRunning
	}
	// The output check may list a remote bucket, so it runs without holding the lock.
	if err := r.cfg.Coordinator.CheckOutputEmpty(ctx, req.Domain); err != nil {
		return Status{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.status.Running {
		return Status{}, ErrAlreadyRunning
	}
	r.cfg.Coordinator.Reset(req.Domain)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := r.cfg.Clock.Now().UTC()
	cur := &run{
		id:     uuid.NewString(),
		domain: req.Domain,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Domain: req.Domain, Running: true, StartedAt: &now},
	}
	cur.status.RunID = cur.id
	r.current = cur
	metrics.ActiveRuns.Inc()

	r.log.Info("runner: starting run", "run_id", cur.id, "domain", req.Domain, "interval", r.cfg.Interval, "max_duration", r.cfg.MaxDuration)
	go r.loop(runCtx, cur)
	return cur.status, nil
}

// Stop ends the current run and waits for an in-flight iteration to finish.
func (r *Runner) Stop() error {
	return r.stop(StopReasonUser)
}

// Shutdown stops the current run, if any, for process exit.
func (r *Runner) Shutdown() {
	if err := r.stop(StopReasonShutdown); err != nil && !errors.Is(err, ErrNotRunning) {
		r.log.Error("runner: failed to stop run", "error", err)
	}
}

func (r *Runner) stop(reason string) error {
	r.mu.Lock()
	cur := r.current
	if cur == nil || !cur.status.Running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if cur.status.StopReason == "" {
		cur.status.StopReason = reason
	}
	cur.cancel()
	r.mu.Unlock()

	<-cur.done
	return nil
}

// Wait blocks until the current run ends or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return ErrNotRunning
	}
	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Status{}
	}
	st := r.current.status
	st.Tables = append([]coordinator.TableOutput(nil), st.Tables...)
	return st
}

// Pipeline returns the pipeline code of the current run's tables, available once the first
// iteration has succeeded.
func (r *Runner) Pipeline() (string, []pipeline.Code, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.pipeline == nil {
		return "", nil, false
	}
	return r.current.domain, append([]pipeline.Code(nil), r.current.pipeline...), true
}

func (r *Runner) loop(ctx context.Context, cur *run) {
	defer func() {
		r.mu.Lock()
		now := r.cfg.Clock.Now().UTC()
		cur.status.Running = false
		cur.status.StoppedAt = &now
		if cur.status.StopReason == "" {
			cur.status.StopReason = StopReasonShutdown
		}
		reason, iterations := cur.status.StopReason, cur.status.Iterations
		r.mu.Unlock()
		cur.cancel()
		metrics.ActiveRuns.Dec()
		r.log.Info("runner: run finished", "run_id", cur.id, "domain", cur.domain, "reason", reason, "iterations", iterations)
		close(cur.done)
	}()

	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		// Iterations are not interrupted by Stop.
		if !r.safeIterate(context.WithoutCancel(ctx), cur) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// safeIterate runs one iteration and reports whether the run should continue.
func (r *Runner) safeIterate(ctx context.Context, cur *run) (cont bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("runner: iteration panicked", "run_id", cur.id, "panic", rec)
			r.fail(cur, fmt.Errorf("iteration panicked: %v", rec))
			cont = false
		}
	}()

	res, err := r.cfg.Coordinator.RunIteration(ctx, cur.domain)
	if err != nil {
		r.log.Error("runner: iteration failed", "run_id", cur.id, "domain", cur.domain, "error", err)
		r.fail(cur, err)
		return false
	}

	var codes []pipeline.Code
	if res.Iteration == 0 {
		codes, err = r.cfg.Emitter.EmitDomain(res.Schemas, func(table string) string {
			return r.cfg.Locate(cur.domain, table)
		}, r.cfg.Format)
		if err != nil {
			// Generation itself succeeded, so the run goes on without pipeline code.
			r.log.Error("runner: failed to emit pipeline code", "run_id", cur.id, "error", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.cfg.Clock.Now().UTC()
	cur.status.Iterations++
	cur.status.LastIterationAt = &now
	cur.status.Tables = res.Tables
	if codes != nil {
		cur.pipeline = codes
	}
	if cur.status.StartedAt != nil && now.Sub(*cur.status.StartedAt) >= r.cfg.MaxDuration {
		if cur.status.StopReason == "" {
			cur.status.StopReason = StopReasonTimeLimit
			r.log.Info("runner: time limit reached", "run_id", cur.id, "elapsed", now.Sub(*cur.status.StartedAt))
		}
		return false
	}
	return true
}

func (r *Runner) fail(cur *run, err error) {
	r.mu.Lock()
	cur.status.LastError = err.Error()
	if cur.status.StopReason == "" {
		cur.status.StopReason = StopReasonError
	}
	r.mu.Unlock()
	if r.cfg.OnError != nil {
		r.cfg.OnError(cur.domain, err)
	}
}
