package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskID identifies one task of a connector.
type TaskID struct {
	Connector string `json:"connector" yaml:"connector"`
	Task      int    `json:"task" yaml:"task"`
}

func NewTaskID(connector string, task int) TaskID {
	return TaskID{Connector: connector, Task: task}
}

func (id TaskID) String() string {
	return fmt.Sprintf("%s-%d", id.Connector, id.Task)
}

// LockName is the distributed lock guarding ownership of the task.
func (id TaskID) LockName() string {
	return "task-" + id.String()
}

func (id TaskID) Less(other TaskID) bool {
	if id.Connector != other.Connector {
		return id.Connector < other.Connector
	}
	return id.Task < other.Task
}

// ParseTaskID parses the "<connector>-<task>" form; the connector name may itself contain dashes.
func ParseTaskID(value string) (TaskID, error) {
	idx := strings.LastIndex(value, "-")
	if idx <= 0 || idx == len(value)-1 {
		return TaskID{}, NewValidationError("malformed task id", ErrInvalidInput,
			WithContextDetail("task_id", value))
	}
	task, err := strconv.Atoi(value[idx+1:])
	if err != nil || task < 0 {
		return TaskID{}, NewValidationError("malformed task id", ErrInvalidInput,
			WithContextDetail("task_id", value))
	}
	return TaskID{Connector: value[:idx], Task: task}, nil
}
