package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Value is a sealed interface representing the field value types an op may
// carry. Only String, Int, Bool and Time implement it.
type Value interface {
	fieldValue() // Sealed - only these types implement it
}

// String is a string field value.
type String string

func (String) fieldValue() {}

// Int is an integer field value. Always int64 on the wire.
type Int int64

func (Int) fieldValue() {}

// Bool is a boolean field value.
type Bool bool

func (Bool) fieldValue() {}

// Time is a timestamp field value, encoded as RFC 3339.
type Time time.Time

func (Time) fieldValue() {}

// Wire tags for the tagged-union encoding.
const (
	tagString = "s"
	tagInt    = "i"
	tagBool   = "b"
	tagTime   = "d"
)

// taggedValue is the JSON shape of a single field value:
//
//	{"t":"s","s":"hello"}  {"t":"i","i":4}  {"t":"b","b":true}  {"t":"d","d":"2024-05-01T10:00:00Z"}
type taggedValue struct {
	T string     `json:"t"`
	S *string    `json:"s,omitempty"`
	I *int64     `json:"i,omitempty"`
	B *bool      `json:"b,omitempty"`
	D *time.Time `json:"d,omitempty"`
}

func toTagged(v Value) (taggedValue, error) {
	switch x := v.(type) {
	case String:
		s := string(x)
		return taggedValue{T: tagString, S: &s}, nil
	case Int:
		i := int64(x)
		return taggedValue{T: tagInt, I: &i}, nil
	case Bool:
		b := bool(x)
		return taggedValue{T: tagBool, B: &b}, nil
	case Time:
		d := time.Time(x).UTC()
		return taggedValue{T: tagTime, D: &d}, nil
	default:
		return taggedValue{}, fmt.Errorf("unsupported field value %T", v)
	}
}

func fromTagged(tv taggedValue) (Value, error) {
	switch tv.T {
	case tagString:
		if tv.S == nil {
			return nil, fmt.Errorf("field tag %q: missing value", tv.T)
		}
		return String(*tv.S), nil
	case tagInt:
		if tv.I == nil {
			return nil, fmt.Errorf("field tag %q: missing value", tv.T)
		}
		return Int(*tv.I), nil
	case tagBool:
		if tv.B == nil {
			return nil, fmt.Errorf("field tag %q: missing value", tv.T)
		}
		return Bool(*tv.B), nil
	case tagTime:
		if tv.D == nil {
			return nil, fmt.Errorf("field tag %q: missing value", tv.T)
		}
		return Time(*tv.D), nil
	default:
		return nil, fmt.Errorf("unknown field tag %q", tv.T)
	}
}

// Fields is the schema-free field map carried by createUnit and editFields
// ops. Keys are unit attribute names ("answer", "questionNumber", ...).
type Fields map[string]Value

// SortedKeys returns the field names in ascending order for deterministic
// iteration.
func (f Fields) SortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// MarshalJSON implements json.Marshaler for Fields.
func (f Fields) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	out := make(map[string]taggedValue, len(f))
	for k, v := range f {
		tv, err := toTagged(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = tv
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler for Fields.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]taggedValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*f = nil
		return nil
	}

	*f = make(Fields, len(raw))
	for k, tv := range raw {
		v, err := fromTagged(tv)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		(*f)[k] = v
	}
	return nil
}
