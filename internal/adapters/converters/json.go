package converters

import (
	"fmt"
	"strconv"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/xjson"
)

const (
	SchemasEnableConfig = "schemas.enable"

	JSONClass   = "json"
	StringClass = "string"
	BytesClass  = "bytes"
)

type envelope struct {
	Schema  *schema     `json:"schema"`
	Payload interface{} `json:"payload"`
}

type schema struct {
	Type     string `json:"type"`
	Optional bool   `json:"optional"`
}

// JSONConverter encodes values as JSON. With schemas enabled every value is wrapped in a
// {"schema", "payload"} envelope carrying the inferred top-level type.
type JSONConverter struct {
	schemasEnabled bool
	isKey          bool
}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{schemasEnabled: true}
}

func (c *JSONConverter) Configure(props map[string]string, isKey bool) error {
	c.isKey = isKey
	raw, ok := props[SchemasEnableConfig]
	if !ok || raw == "" {
		return nil
	}

	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return domain.NewConfigurationError(
			fmt.Sprintf("%s must be a boolean", SchemasEnableConfig),
			domain.NewConfigError(SchemasEnableConfig, domain.ErrInvalidConfig),
			domain.WithComponent("converters.JSONConverter"),
			domain.WithContextDetail("value", raw),
		)
	}
	c.schemasEnabled = enabled
	return nil
}

func (c *JSONConverter) FromConnectData(topic string, value interface{}) ([]byte, error) {
	if value == nil && !c.schemasEnabled {
		return nil, nil
	}

	var target interface{} = value
	if c.schemasEnabled {
		target = envelope{Schema: inferSchema(value), Payload: value}
	}

	data, err := xjson.Marshal(target)
	if err != nil {
		return nil, domain.NewValidationError("failed to encode value as json", err,
			domain.WithComponent("converters.JSONConverter"),
			domain.WithContextDetail("topic", topic))
	}
	return data, nil
}

func (c *JSONConverter) ToConnectData(topic string, data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var decoded interface{}
	if err := xjson.UnmarshalNumber(data, &decoded); err != nil {
		return nil, domain.NewValidationError("failed to decode json value", err,
			domain.WithComponent("converters.JSONConverter"),
			domain.WithContextDetail("topic", topic))
	}

	if !c.schemasEnabled {
		return decoded, nil
	}

	obj, ok := decoded.(map[string]interface{})
	_, hasSchema := obj["schema"]
	payload, hasPayload := obj["payload"]
	if !ok || !hasSchema || !hasPayload || len(obj) != 2 {
		return nil, domain.NewValidationError(
			"json with schemas enabled must be an object with exactly schema and payload fields",
			domain.ErrInvalidInput,
			domain.WithComponent("converters.JSONConverter"),
			domain.WithContextDetail("topic", topic))
	}
	return payload, nil
}

func inferSchema(value interface{}) *schema {
	if value == nil {
		return nil
	}

	s := &schema{}
	switch value.(type) {
	case string:
		s.Type = "string"
	case bool:
		s.Type = "boolean"
	case int8:
		s.Type = "int8"
	case int16:
		s.Type = "int16"
	case int32:
		s.Type = "int32"
	case int, int64, uint, uint32, uint64:
		s.Type = "int64"
	case float32:
		s.Type = "float"
	case float64, xjson.Number:
		s.Type = "double"
	case []byte:
		s.Type = "bytes"
	case []interface{}:
		s.Type = "array"
	case map[string]interface{}:
		s.Type = "map"
	default:
		s.Type = "struct"
	}
	return s
}
