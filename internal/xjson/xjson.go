package xjson

import (
	"bytes"
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// Single import site for JSON so callers never pick an encoder themselves.

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

// UnmarshalNumber decodes like Unmarshal but keeps numbers as Number so offsets survive a round trip.
func UnmarshalNumber(data []byte, v interface{}) error {
	dec := gjson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func Valid(data []byte) bool {
	return gjson.Valid(data)
}

// RawMessage and Number stay compatible with encoding/json.
type RawMessage = stdjson.RawMessage

type Number = stdjson.Number
