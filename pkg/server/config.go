package server

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftlabs/faucet/pkg/state"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	State             *state.State
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	// RequestRate and RequestBurst bound per-IP producer traffic.
	RequestRate  rate.Limit
	RequestBurst int
	// AllowedOrigins is the CORS allowlist for the claim form. Empty
	// disables CORS headers entirely.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.State == nil {
		return errors.New("state is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RequestRate <= 0 {
		// 30 producer requests per minute per IP.
		cfg.RequestRate = rate.Every(2 * time.Second)
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 5
	}
	return nil
}
