package mcp

import (
	"fmt"

	"github.com/vinayprograms/mcpbus/errors"
)

// Params holds command parameters. Accessors convert the loosely typed JSON
// values at the protocol boundary so handlers work with concrete types.
type Params map[string]any

// String returns the string value for key.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// StringOr returns the string value for key or def when absent.
func (p Params) StringOr(key, def string) string {
	if v, ok := p.String(key); ok {
		return v
	}
	return def
}

// Int returns the integer value for key. JSON numbers decode as float64, so
// both representations are accepted.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), v == float64(int(v))
	}
	return 0, false
}

// Float returns the numeric value for key.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the boolean value for key.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Map returns the nested object for key.
func (p Params) Map(key string) (map[string]any, bool) {
	v, ok := p[key].(map[string]any)
	return v, ok
}

// Require fails with a VALIDATION error naming the first missing key.
func (p Params) Require(keys ...string) error {
	for _, k := range keys {
		if _, ok := p[k]; !ok {
			return errors.Validation("parameters."+k, fmt.Sprintf("missing parameter %q", k))
		}
	}
	return nil
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
