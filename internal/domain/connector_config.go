package domain

import (
	"strconv"
	"strings"
)

const (
	ConnectorNameConfig       = "name"
	ConnectorClassConfig      = "connector.class"
	TasksMaxConfig            = "tasks.max"
	KeyConverterClassConfig   = "key.converter"
	ValueConverterClassConfig = "value.converter"
	TransformsConfig          = "transforms"
	TaskClassConfig           = "task.class"
	TopicsConfig              = "topics"

	DefaultTasksMax = 1
)

type TransformConfig struct {
	Alias string
	Type  string
	Props map[string]string
}

type ConnectorConfig struct {
	Name           string
	Class          string
	TasksMax       int
	KeyConverter   *ConverterConfig
	ValueConverter *ConverterConfig
	Transforms     []TransformConfig
	Originals      map[string]string
}

type TaskConfig struct {
	Class          string
	Topics         []string
	KeyConverter   *ConverterConfig
	ValueConverter *ConverterConfig
	Originals      map[string]string
}

// ParseConnectorConfig validates the property map a connector is started with.
func ParseConnectorConfig(props map[string]string) (*ConnectorConfig, error) {
	opts := []ErrorOption{WithComponent("domain.ParseConnectorConfig")}

	name := strings.TrimSpace(props[ConnectorNameConfig])
	if name == "" {
		return nil, NewConfigurationError("connector name is required", NewConfigError(ConnectorNameConfig, ErrInvalidConfig), opts...)
	}
	opts = append(opts, WithContextDetail("connector", name))

	class := strings.TrimSpace(props[ConnectorClassConfig])
	if class == "" {
		return nil, NewConfigurationError("connector class is required", NewConfigError(ConnectorClassConfig, ErrInvalidConfig), opts...)
	}

	tasksMax := DefaultTasksMax
	if raw, ok := props[TasksMaxConfig]; ok && strings.TrimSpace(raw) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || parsed < 1 {
			return nil, NewConfigurationError("tasks.max must be a positive integer", NewConfigError(TasksMaxConfig, ErrInvalidConfig), opts...)
		}
		tasksMax = parsed
	}

	transforms, err := parseTransforms(props, opts)
	if err != nil {
		return nil, err
	}

	return &ConnectorConfig{
		Name:           name,
		Class:          class,
		TasksMax:       tasksMax,
		KeyConverter:   converterOverride(props, KeyConverterClassConfig),
		ValueConverter: converterOverride(props, ValueConverterClassConfig),
		Transforms:     transforms,
		Originals:      CopyProps(props),
	}, nil
}

func ParseTaskConfig(props map[string]string) (*TaskConfig, error) {
	class := strings.TrimSpace(props[TaskClassConfig])
	if class == "" {
		return nil, NewConfigurationError("task class is required", NewConfigError(TaskClassConfig, ErrInvalidConfig),
			WithComponent("domain.ParseTaskConfig"))
	}

	return &TaskConfig{
		Class:          class,
		Topics:         SplitList(props[TopicsConfig]),
		KeyConverter:   converterOverride(props, KeyConverterClassConfig),
		ValueConverter: converterOverride(props, ValueConverterClassConfig),
		Originals:      CopyProps(props),
	}, nil
}

func parseTransforms(props map[string]string, opts []ErrorOption) ([]TransformConfig, error) {
	aliases := SplitList(props[TransformsConfig])
	seen := make(map[string]struct{}, len(aliases))
	transforms := make([]TransformConfig, 0, len(aliases))

	for _, alias := range aliases {
		if _, dup := seen[alias]; dup {
			return nil, NewConfigurationError("duplicate transform alias", NewConfigError(TransformsConfig, ErrInvalidConfig),
				append(opts, WithContextDetail("alias", alias))...)
		}
		seen[alias] = struct{}{}

		prefix := TransformsConfig + "." + alias + "."
		typ := strings.TrimSpace(props[prefix+"type"])
		if typ == "" {
			return nil, NewConfigurationError("transform type is required", NewConfigError(prefix+"type", ErrInvalidConfig),
				append(opts, WithContextDetail("alias", alias))...)
		}

		transformProps := OriginalsWithPrefix(props, prefix)
		delete(transformProps, "type")
		transforms = append(transforms, TransformConfig{Alias: alias, Type: typ, Props: transformProps})
	}
	return transforms, nil
}

func converterOverride(props map[string]string, key string) *ConverterConfig {
	class := strings.TrimSpace(props[key])
	if class == "" {
		return nil
	}
	return &ConverterConfig{Class: class, Props: OriginalsWithPrefix(props, key+".")}
}

// OriginalsWithPrefix returns the properties starting with prefix, with the prefix stripped.
func OriginalsWithPrefix(props map[string]string, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range props {
		if strings.HasPrefix(k, prefix) && len(k) > len(prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func CopyProps(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
