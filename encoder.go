package mediarelay

import (
	"github.com/bytedance/sonic"
)

// Encoder serializes trigger payloads and queue records.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

var strictJSON = sonic.Config{
	EscapeHTML:            true,
	SortMapKeys:           true,
	CompactMarshaler:      true,
	CopyString:            true,
	ValidateString:        true,
	DisallowUnknownFields: true,
}.Froze()

// JSONEncoder encodes with sonic in standard-library compatible mode.
// With Strict set, Decode rejects fields the target type does not declare, so
// a trigger of the wrong shape fails as malformed instead of running with a
// zero task id.
type JSONEncoder struct {
	Strict bool
}

func (e *JSONEncoder) api() sonic.API {
	if e.Strict {
		return strictJSON
	}
	return sonic.ConfigStd
}

func (e *JSONEncoder) Encode(v any) ([]byte, error) {
	return e.api().Marshal(v)
}

func (e *JSONEncoder) Decode(data []byte, v any) error {
	return e.api().Unmarshal(data, v)
}
