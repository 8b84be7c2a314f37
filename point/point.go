package point

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

// ErrInvalidPoint is returned for points that cannot be encoded.
var ErrInvalidPoint = errors.New("point: invalid point")

// Point is one or more field values sharing an entity and a timestamp.
type Point struct {
	Namespace   Namespace
	Measurement string

	// Time is the measurement time. The zero time leaves the timestamp to
	// the receiving system.
	Time time.Time

	// Tags identify the source and other categorical properties.
	Tags map[string]string

	// Fields hold the measured values: bool, signed or unsigned integers,
	// finite floats or strings. At least one is required.
	Fields map[string]any
}

// Validate checks the point against the naming rules of the ingress.
func (p Point) Validate() error {
	if p.Namespace == nil {
		return fmt.Errorf("%w: namespace is required", ErrInvalidPoint)
	}
	if err := p.Namespace.Validate(); err != nil {
		return err
	}
	if err := validateName("measurement name", p.Measurement); err != nil {
		return err
	}
	for k, v := range p.Tags {
		if err := validateName("tag key", k); err != nil {
			return err
		}
		if v == "" {
			return fmt.Errorf("%w: tag %q has an empty value", ErrInvalidPoint, k)
		}
		if strings.Contains(v, "\n") {
			return fmt.Errorf("%w: tag %q value contains a newline", ErrInvalidPoint, k)
		}
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", ErrInvalidPoint)
	}
	for k, v := range p.Fields {
		if err := validateName("field key", k); err != nil {
			return err
		}
		if _, err := fieldValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

// LineProtocol encodes the point as a single line, without a trailing
// newline. Tags and fields are written in key order.
func (p Point) LineProtocol() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)
	enc.StartLine(p.Measurement)
	for _, k := range sortedKeys(p.Tags) {
		enc.AddTag(k, p.Tags[k])
	}
	for _, k := range sortedKeys(p.Fields) {
		v, err := fieldValue(k, p.Fields[k])
		if err != nil {
			return nil, err
		}
		enc.AddField(k, v)
	}
	enc.EndLine(p.Time)

	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPoint, err)
	}
	return bytes.TrimSuffix(enc.Bytes(), []byte("\n")), nil
}

// fieldValue converts a field value to its line-protocol form.
func fieldValue(key string, v any) (lineprotocol.Value, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return lineprotocol.Value{}, fmt.Errorf("%w: field %q is not finite", ErrInvalidPoint, key)
		}
	case float32:
		return fieldValue(key, float64(x))
	case string:
		if strings.Contains(x, "\n") {
			return lineprotocol.Value{}, fmt.Errorf("%w: field %q value contains a newline", ErrInvalidPoint, key)
		}
	case int:
		v = int64(x)
	case int8:
		v = int64(x)
	case int16:
		v = int64(x)
	case int32:
		v = int64(x)
	case uint:
		v = uint64(x)
	case uint8:
		v = uint64(x)
	case uint16:
		v = uint64(x)
	case uint32:
		v = uint64(x)
	}

	lv, ok := lineprotocol.NewValue(v)
	if !ok {
		return lineprotocol.Value{}, fmt.Errorf("%w: field %q has unsupported type %T", ErrInvalidPoint, key, v)
	}
	return lv, nil
}

// validateName applies the rules shared by measurement names, tag keys and
// field keys.
func validateName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: %s must have a length of at least one character", ErrInvalidPoint, kind)
	case strings.Contains(name, "\n"):
		return fmt.Errorf("%w: newline characters are not allowed in %s %q", ErrInvalidPoint, kind, name)
	case name[0] == '_':
		return fmt.Errorf("%w: %s %q cannot start with an underscore", ErrInvalidPoint, kind, name)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
