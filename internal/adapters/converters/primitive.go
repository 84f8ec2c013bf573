package converters

import (
	"fmt"

	"github.com/eleven-am/conduit/internal/domain"
)

// StringConverter writes values as their string form and reads bytes back as strings.
type StringConverter struct{}

func NewStringConverter() *StringConverter {
	return &StringConverter{}
}

func (c *StringConverter) Configure(map[string]string, bool) error {
	return nil
}

func (c *StringConverter) FromConnectData(_ string, value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func (c *StringConverter) ToConnectData(_ string, data []byte) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	return string(data), nil
}

// BytesConverter passes raw byte slices through unchanged.
type BytesConverter struct{}

func NewBytesConverter() *BytesConverter {
	return &BytesConverter{}
}

func (c *BytesConverter) Configure(map[string]string, bool) error {
	return nil
}

func (c *BytesConverter) FromConnectData(topic string, value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	default:
		return nil, domain.NewValidationError(
			fmt.Sprintf("bytes converter cannot encode %T", value),
			domain.ErrInvalidInput,
			domain.WithComponent("converters.BytesConverter"),
			domain.WithContextDetail("topic", topic))
	}
}

func (c *BytesConverter) ToConnectData(_ string, data []byte) (interface{}, error) {
	return data, nil
}
