package ports

// Converter translates between connector values and the serialized bytes on the message bus.
type Converter interface {
	Configure(props map[string]string, isKey bool) error
	FromConnectData(topic string, value interface{}) ([]byte, error)
	ToConnectData(topic string, data []byte) (interface{}, error)
}

// Transformation rewrites one record. Returning a nil record drops it.
type Transformation interface {
	Configure(props map[string]string) error
	Apply(record *Record) (*Record, error)
	Close() error
}
