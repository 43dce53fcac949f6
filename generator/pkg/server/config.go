package server

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/malbeclabs/streamforge/generator/pkg/runner"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

var defaultAllowedOrigins = []string{
	"http://localhost",
	"http://localhost:*",
	"http://127.0.0.1",
	"http://127.0.0.1:*",
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	SchemaDir string
	Runner    *runner.Runner

	// AllowedOrigins are the CORS origins; localhost only when empty.
	AllowedOrigins []string

	// RunRateLimit and RunRateBurst bound run start/stop requests per client IP.
	RunRateLimit rate.Limit
	RunRateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.SchemaDir == "" {
		return errors.New("schema dir is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaultAllowedOrigins
	}
	if cfg.RunRateLimit <= 0 {
		cfg.RunRateLimit = rate.Every(time.Minute / 10)
	}
	if cfg.RunRateBurst <= 0 {
		cfg.RunRateBurst = 5
	}
	return nil
}
