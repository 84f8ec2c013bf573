package distlock

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/conduit/internal/domain"
)

type config struct {
	clock           clockwork.Clock
	logger          *slog.Logger
	pollInterval    time.Duration
	refreshDelay    time.Duration
	refreshInterval time.Duration
	refresher       bool
}

type Option func(*config)

func defaultConfig() config {
	return config{
		clock:           clockwork.NewRealClock(),
		logger:          slog.Default(),
		pollInterval:    domain.DefaultLockPollInterval,
		refreshDelay:    domain.DefaultLockRefreshDelay,
		refreshInterval: domain.DefaultLockRefreshInterval,
		refresher:       true,
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPollInterval bounds a single blocking wait of Lock before it logs and retries.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRefreshDelay sets how long after Start the first version check runs.
func WithRefreshDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.refreshDelay = d
		}
	}
}

func WithRefreshInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithoutRefresher disables the periodic version check, leaving only the one-shot watch.
func WithoutRefresher() Option {
	return func(c *config) {
		c.refresher = false
	}
}

// FromConfig translates the worker lock settings into options.
func FromConfig(cfg domain.LockConfig) []Option {
	return []Option{
		WithPollInterval(cfg.PollInterval),
		WithRefreshDelay(cfg.RefreshDelay),
		WithRefreshInterval(cfg.RefreshInterval),
	}
}
