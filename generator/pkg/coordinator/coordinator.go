package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/streamforge/generator/pkg/metrics"
	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/synth"
	"github.com/malbeclabs/streamforge/generator/pkg/tablegen"
)

var ErrDomainMismatch = errors.New("domain does not match the active run")

// Sink persists generated tables. *sink.Sink implements it.
type Sink interface {
	Save(ctx context.Context, domain, table string, t *tablegen.Table) (string, error)
	EnsureEmpty(ctx context.Context, domain, table string) error
	TableLocation(domain, table string) string
}

type Config struct {
	Logger    *slog.Logger
	SchemaDir string
	Sink      Sink

	// Seed makes runs reproducible. Zero is random.
	Seed uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.SchemaDir == "" {
		return errors.New("schema dir is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	return nil
}

// RunState is the only state that outlives an iteration. The coordinator holds mu for the whole
// iteration, so nobody observes a partly captured key range map.
type RunState struct {
	mu        sync.Mutex
	domain    string
	iteration int
	keyRanges tablegen.KeyRanges
}

// State is a copy of RunState.
type State struct {
	Domain    string
	Iteration int
	KeyRanges tablegen.KeyRanges
}

type TableOutput struct {
	Table    string           `json:"table"`
	Type     schema.TableType `json:"type"`
	Rows     int              `json:"rows"`
	Location string           `json:"location,omitempty"`
	// Skipped is set for dimensions after the first iteration.
	Skipped bool `json:"skipped,omitempty"`
}

type IterationResult struct {
	Domain    string
	Iteration int
	Tables    []TableOutput
	Duration  time.Duration

	// Schemas are the documents the iteration generated from, in load order.
	Schemas []*schema.Schema
}

type Coordinator struct {
	log   *slog.Logger
	cfg   Config
	state *RunState
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg, state: &RunState{}}, nil
}

// Reset starts a new run for domain: the iteration counter goes back to 0 and captured key
// ranges are dropped.
func (c *Coordinator) Reset(domain string) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.domain = domain
	c.state.iteration = 0
	c.state.keyRanges = nil
}

func (c *Coordinator) State() State {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return State{
		Domain:    c.state.domain,
		Iteration: c.state.iteration,
		KeyRanges: c.state.keyRanges.Clone(),
	}
}

func (c *Coordinator) SchemaDir() string { return c.cfg.SchemaDir }

func (c *Coordinator) LoadSchemas(domain string) ([]*schema.Schema, error) {
	return schema.LoadDomain(c.cfg.SchemaDir, domain)
}

// CaptureKeyRanges maps every _id column of every dimension to the dimension's row count. When
// two dimensions share a key column the later one wins.
func CaptureKeyRanges(schemas []*schema.Schema) tablegen.KeyRanges {
	ranges := tablegen.KeyRanges{}
	for _, s := range schemas {
		if s.Type != schema.TableTypeDimension {
			continue
		}
		for _, key := range s.KeyColumns() {
			ranges[key] = s.NumRows
		}
	}
	return ranges
}

// CheckOutputEmpty fails with sink.ErrOutputNotEmpty when any table of domain already has files.
func (c *Coordinator) CheckOutputEmpty(ctx context.Context, domain string) error {
	schemas, err := c.LoadSchemas(domain)
	if err != nil {
		return err
	}
	for _, s := range schemas {
		if err := c.cfg.Sink.EnsureEmpty(ctx, domain, s.Table); err != nil {
			return err
		}
	}
	return nil
}

// RunIteration generates and persists every table of domain once. Dimensions are only generated
// by the first iteration of a run. The first failing table aborts the iteration; the counter only
// advances on success, so a retry repeats the same iteration.
func (c *Coordinator) RunIteration(ctx context.Context, domain string) (*IterationResult, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	if c.state.domain == "" {
		c.state.domain = domain
	}
	if c.state.domain != domain {
		return nil, fmt.Errorf("%w: run is for %q, got %q", ErrDomainMismatch, c.state.domain, domain)
	}

	start := time.Now()
	res, err := c.runLocked(ctx, domain)
	metrics.RecordIteration(domain, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	c.state.iteration++
	return res, nil
}

func (c *Coordinator) runLocked(ctx context.Context, domain string) (*IterationResult, error) {
	iteration := c.state.iteration
	schemas, err := c.LoadSchemas(domain)
	if err != nil {
		return nil, fmt.Errorf("iteration %d: %w", iteration, err)
	}

	if iteration == 0 {
		for _, s := range schemas {
			for _, w := range s.Lint() {
				c.log.Warn("coordinator: schema warning", "domain", domain, "table", s.Table, "warning", w)
			}
		}
		c.state.keyRanges = CaptureKeyRanges(schemas)
		c.log.Info("coordinator: captured dimension key ranges", "domain", domain, "ranges", c.state.keyRanges)
	}
	keyRanges := c.state.keyRanges.Clone()

	res := &IterationResult{Domain: domain, Iteration: iteration, Schemas: schemas}
	for _, s := range schemas {
		if s.Type == schema.TableTypeDimension && iteration > 0 {
			res.Tables = append(res.Tables, TableOutput{Table: s.Table, Type: s.Type, Skipped: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iteration, err)
		}

		t, err := tablegen.Generate(s, tablegen.Context{
			KeyRanges: keyRanges,
			Seed:      synth.DeriveSeed(c.cfg.Seed, domain, iteration, s.Table),
		})
		if err != nil {
			return nil, fmt.Errorf("iteration %d: failed to generate %s: %w", iteration, s.Table, err)
		}
		loc, err := c.cfg.Sink.Save(ctx, domain, s.Table, t)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: failed to save %s: %w", iteration, s.Table, err)
		}
		metrics.RecordRows(domain, s.Table, string(s.Type), len(t.Rows))
		c.log.Info("coordinator: generated table", "domain", domain, "iteration", iteration, "table", s.Table, "type", s.Type, "rows", len(t.Rows), "location", loc)

		res.Tables = append(res.Tables, TableOutput{Table: s.Table, Type: s.Type, Rows: len(t.Rows), Location: loc})
	}
	return res, nil
}
