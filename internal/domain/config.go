package domain

import (
	"log/slog"
	"time"
)

type WorkerConfig struct {
	WorkerID         string       `json:"worker_id" yaml:"worker_id"`
	DataDir          string       `json:"data_dir" yaml:"data_dir"`
	BootstrapServers []string     `json:"bootstrap_servers" yaml:"bootstrap_servers"`
	Logger           *slog.Logger `json:"-" yaml:"-"`

	KeyConverter           ConverterConfig `json:"key_converter" yaml:"key_converter"`
	ValueConverter         ConverterConfig `json:"value_converter" yaml:"value_converter"`
	InternalKeyConverter   ConverterConfig `json:"internal_key_converter" yaml:"internal_key_converter"`
	InternalValueConverter ConverterConfig `json:"internal_value_converter" yaml:"internal_value_converter"`

	TaskShutdownGracefulTimeout time.Duration `json:"task_shutdown_graceful_timeout" yaml:"task_shutdown_graceful_timeout"`
	OffsetFlushInterval         time.Duration `json:"offset_flush_interval" yaml:"offset_flush_interval"`
	OffsetFlushTimeout          time.Duration `json:"offset_flush_timeout" yaml:"offset_flush_timeout"`
	SinkPollTimeout             time.Duration `json:"sink_poll_timeout" yaml:"sink_poll_timeout"`

	Producer map[string]string `json:"producer,omitempty" yaml:"producer,omitempty"`
	Consumer map[string]string `json:"consumer,omitempty" yaml:"consumer,omitempty"`

	Lock LockConfig `json:"lock" yaml:"lock"`
}

// ConverterConfig names a converter plugin class and the properties it is configured with.
type ConverterConfig struct {
	Class string            `json:"class" yaml:"class"`
	Props map[string]string `json:"props,omitempty" yaml:"props,omitempty"`
}

type LockConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Endpoints       []string      `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	RootPath        string        `json:"root_path" yaml:"root_path"`
	Username        string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password        string        `json:"-" yaml:"password,omitempty"`
	SessionTTL      time.Duration `json:"session_ttl" yaml:"session_ttl"`
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval"`
	RefreshDelay    time.Duration `json:"refresh_delay" yaml:"refresh_delay"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}
