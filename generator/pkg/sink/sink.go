package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/streamforge/generator/pkg/metrics"
	"github.com/malbeclabs/streamforge/generator/pkg/tablegen"
	"github.com/malbeclabs/streamforge/utils/pkg/retry"
)

var ErrOutputNotEmpty = errors.New("output location is not empty")

// Store is a flat key/value object store. Keys use forward slashes.
type Store interface {
	// Kind names the backend for logs and metrics.
	Kind() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// HasObjects reports whether at least one object key starts with prefix.
	HasObjects(ctx context.Context, prefix string) (bool, error)
	// Location renders key the way users address it (a path or a URL).
	Location(key string) string
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Format Format
	Clock  clockwork.Clock

	// Retry applies to Put. The zero value uses retry.DefaultConfig.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Format == "" {
		cfg.Format = FormatCSV
	}
	if _, err := ParseFormat(string(cfg.Format)); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Sink writes each generated table as a new file under <domain>/<table>/.
type Sink struct {
	log   *slog.Logger
	cfg   Config
	namer *namer
}

func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{
		log:   cfg.Logger,
		cfg:   cfg,
		namer: &namer{clock: cfg.Clock},
	}, nil
}

func (s *Sink) Format() Format { return s.cfg.Format }

func (s *Sink) Kind() string { return s.cfg.Store.Kind() }

// TableLocation is the directory (or object prefix) that receives the files of table.
func (s *Sink) TableLocation(domain, table string) string {
	return s.cfg.Store.Location(path.Join(domain, table))
}

// Save encodes t and stores it under a fresh file name, returning its location.
func (s *Sink) Save(ctx context.Context, domain, table string, t *tablegen.Table) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s.cfg.Format, t); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", table, err)
	}
	key := path.Join(domain, table, FileName(s.namer.next(), s.cfg.Format))

	rc := s.cfg.Retry
	rc.OnRetry = func(attempt int, err error) {
		s.log.Warn("sink: write failed, retrying", "store", s.Kind(), "key", key, "attempt", attempt, "error", err)
	}
	start := time.Now()
	err := retry.Do(ctx, rc, func() error {
		return s.cfg.Store.Put(ctx, key, buf.Bytes(), s.cfg.Format.ContentType())
	})
	metrics.RecordFileWrite(s.Kind(), time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}

	loc := s.cfg.Store.Location(key)
	s.log.Debug("sink: wrote file", "location", loc, "rows", len(t.Rows), "bytes", buf.Len())
	return loc, nil
}

// EnsureEmpty fails with ErrOutputNotEmpty when the table location already holds files.
func (s *Sink) EnsureEmpty(ctx context.Context, domain, table string) error {
	found, err := s.cfg.Store.HasObjects(ctx, path.Join(domain, table)+"/")
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", s.TableLocation(domain, table), err)
	}
	if found {
		return fmt.Errorf("%w: %s, clear it before generating new data", ErrOutputNotEmpty, s.TableLocation(domain, table))
	}
	return nil
}
