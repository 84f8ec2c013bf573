package domain

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConverterClass = "json"

	DefaultTaskShutdownGracefulTimeout = 5 * time.Second
	DefaultOffsetFlushInterval         = 60 * time.Second
	DefaultOffsetFlushTimeout          = 5 * time.Second
	DefaultSinkPollTimeout             = time.Second

	DefaultLockRootPath        = "/conduit/locks"
	DefaultLockSessionTTL      = 10 * time.Second
	DefaultLockDialTimeout     = 5 * time.Second
	DefaultLockPollInterval    = 10 * time.Second
	DefaultLockRefreshDelay    = 5 * time.Second
	DefaultLockRefreshInterval = 10 * time.Second
)

func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		BootstrapServers:            []string{"localhost:9092"},
		KeyConverter:                ConverterConfig{Class: DefaultConverterClass},
		ValueConverter:              ConverterConfig{Class: DefaultConverterClass},
		InternalKeyConverter:        ConverterConfig{Class: DefaultConverterClass, Props: map[string]string{"schemas.enable": "false"}},
		InternalValueConverter:      ConverterConfig{Class: DefaultConverterClass, Props: map[string]string{"schemas.enable": "false"}},
		TaskShutdownGracefulTimeout: DefaultTaskShutdownGracefulTimeout,
		OffsetFlushInterval:         DefaultOffsetFlushInterval,
		OffsetFlushTimeout:          DefaultOffsetFlushTimeout,
		SinkPollTimeout:             DefaultSinkPollTimeout,
		Lock:                        DefaultLockConfig(),
	}
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		Enabled:         false,
		RootPath:        DefaultLockRootPath,
		SessionTTL:      DefaultLockSessionTTL,
		DialTimeout:     DefaultLockDialTimeout,
		PollInterval:    DefaultLockPollInterval,
		RefreshDelay:    DefaultLockRefreshDelay,
		RefreshInterval: DefaultLockRefreshInterval,
	}
}

// NewWorkerConfig returns the defaults with a generated worker id and the given logger.
func NewWorkerConfig(workerID string, logger *slog.Logger) *WorkerConfig {
	config := DefaultWorkerConfig()
	config.WorkerID = workerID
	config.Logger = logger

	if config.WorkerID == "" {
		config.WorkerID = uuid.New().String()
	}
	if logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return config
}

// LoadWorkerConfig reads a YAML worker config and fills every unset field from the defaults.
func LoadWorkerConfig(path string, logger *slog.Logger) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("failed to read worker config", err,
			WithComponent("domain.LoadWorkerConfig"),
			WithContextDetail("path", path))
	}

	config := &WorkerConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, NewConfigurationError("failed to parse worker config", err,
			WithComponent("domain.LoadWorkerConfig"),
			WithContextDetail("path", path))
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, err
	}
	if logger != nil {
		config.Logger = logger
	}
	return config, config.Validate()
}

// ApplyDefaults fills zero-valued fields from DefaultWorkerConfig.
func (c *WorkerConfig) ApplyDefaults() error {
	if err := mergo.Merge(c, DefaultWorkerConfig()); err != nil {
		return NewConfigurationError("failed to merge worker config defaults", err,
			WithComponent("domain.WorkerConfig"))
	}
	if c.WorkerID == "" {
		c.WorkerID = uuid.New().String()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

func (c *WorkerConfig) WithLock(endpoints []string, rootPath string) *WorkerConfig {
	c.Lock.Enabled = true
	c.Lock.Endpoints = endpoints
	if rootPath != "" {
		c.Lock.RootPath = rootPath
	}
	return c
}

func (c *WorkerConfig) WithConverters(key, value ConverterConfig) *WorkerConfig {
	c.KeyConverter = key
	c.ValueConverter = value
	return c
}

func (c *WorkerConfig) WithShutdownTimeout(timeout time.Duration) *WorkerConfig {
	c.TaskShutdownGracefulTimeout = timeout
	return c
}

func (c *WorkerConfig) WithOffsetFlush(interval, timeout time.Duration) *WorkerConfig {
	c.OffsetFlushInterval = interval
	c.OffsetFlushTimeout = timeout
	return c
}

func (c *WorkerConfig) Validate() error {
	if c.WorkerID == "" {
		return NewConfigError("worker_id", ErrInvalidInput)
	}
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}
	for field, conv := range map[string]ConverterConfig{
		"key_converter":            c.KeyConverter,
		"value_converter":          c.ValueConverter,
		"internal_key_converter":   c.InternalKeyConverter,
		"internal_value_converter": c.InternalValueConverter,
	} {
		if strings.TrimSpace(conv.Class) == "" {
			return NewConfigError(field+".class", ErrInvalidInput)
		}
	}
	if c.TaskShutdownGracefulTimeout < 0 {
		return NewConfigError("task_shutdown_graceful_timeout", ErrInvalidInput)
	}
	if c.OffsetFlushInterval <= 0 {
		return NewConfigError("offset_flush_interval", ErrInvalidInput)
	}
	if c.OffsetFlushTimeout <= 0 {
		return NewConfigError("offset_flush_timeout", ErrInvalidInput)
	}
	if err := c.Lock.Validate(); err != nil {
		return err
	}
	return nil
}

func (c LockConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.RootPath, "/") || strings.HasSuffix(c.RootPath, "/") {
		return NewConfigError("lock.root_path", fmt.Errorf("%w: must be an absolute path without trailing slash", ErrInvalidInput))
	}
	if c.PollInterval <= 0 {
		return NewConfigError("lock.poll_interval", ErrInvalidInput)
	}
	if c.RefreshInterval <= 0 {
		return NewConfigError("lock.refresh_interval", ErrInvalidInput)
	}
	return nil
}
