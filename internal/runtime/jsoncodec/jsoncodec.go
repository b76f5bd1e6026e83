package jsoncodec

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

// Valid reports whether data is a single well-formed JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

// DecodeObject decodes a JSON object. Anything that is not an object
// (arrays, scalars, malformed input) yields an error.
func DecodeObject(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errNotObject
	}
	var out map[string]any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Raw returns v as a JSON document, passing through values that are already
// encoded.
func Raw(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		if defaultConfig.Valid(t) {
			return t, nil
		}
		return defaultConfig.Marshal(string(t))
	default:
		return defaultConfig.Marshal(v)
	}
}

type jsonError string

func (e jsonError) Error() string { return string(e) }

const errNotObject = jsonError("jsoncodec: payload is not a JSON object")
