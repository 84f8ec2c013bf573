package conduit

import (
	"log/slog"

	"github.com/eleven-am/conduit/internal/domain"
)

type WorkerConfig = domain.WorkerConfig

type ConverterConfig = domain.ConverterConfig

type LockConfig = domain.LockConfig

// Property names understood in connector and task configs.
const (
	ConnectorNameConfig       = domain.ConnectorNameConfig
	ConnectorClassConfig      = domain.ConnectorClassConfig
	TasksMaxConfig            = domain.TasksMaxConfig
	KeyConverterClassConfig   = domain.KeyConverterClassConfig
	ValueConverterClassConfig = domain.ValueConverterClassConfig
	TransformsConfig          = domain.TransformsConfig
	TaskClassConfig           = domain.TaskClassConfig
	TopicsConfig              = domain.TopicsConfig
)

func DefaultWorkerConfig() *WorkerConfig {
	return domain.DefaultWorkerConfig()
}

// NewWorkerConfig returns the defaults for workerID. An empty id is replaced by a random one.
func NewWorkerConfig(workerID string, logger *slog.Logger) *WorkerConfig {
	return domain.NewWorkerConfig(workerID, logger)
}

// LoadWorkerConfig reads a YAML worker config, filling unset fields from the defaults.
func LoadWorkerConfig(path string, logger *slog.Logger) (*WorkerConfig, error) {
	return domain.LoadWorkerConfig(path, logger)
}

func NewTaskID(connector string, task int) TaskID {
	return domain.NewTaskID(connector, task)
}

func ParseTaskID(value string) (TaskID, error) {
	return domain.ParseTaskID(value)
}
