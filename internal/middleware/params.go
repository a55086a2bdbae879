package middleware

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/coral-mesh/binmcp/internal/errors"
)

// ParamType is the declared JSON type of an operation parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Param declares one named operation parameter.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Default     any       `json:"default,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	// Minimum bounds integer and number parameters from below.
	Minimum *float64 `json:"minimum,omitempty"`
}

// Args are the named arguments of one call.
type Args map[string]any

// Clone returns a shallow copy so hooks can rewrite arguments without
// touching the caller's map.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Has reports whether name is present and non-nil.
func (a Args) Has(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

// String returns a string argument, or "" when absent.
func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", errors.Validation("argument %q must be a string, got %T", name, v)
	}
	return s, nil
}

// Int returns an integer argument, or 0 when absent.
func (a Args) Int(name string) (int, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, errors.Validation("argument %q must be an integer: %v", name, err)
	}
	return int(n), nil
}

// Bool returns a boolean argument, or false when absent.
func (a Args) Bool(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return false, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, errors.Validation("argument %q must be a boolean, got %T", name, v)
	}
	return b, nil
}

// Address returns an unsigned address argument. Strings are parsed with
// base prefixes, so both "0x401000" and "4198400" are accepted.
func (a Args) Address(name string) (uint64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, errors.Validation("missing required argument %q", name)
	}
	if s, isString := v.(string); isString {
		addr, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return 0, errors.Validation("argument %q is not a valid address: %q", name, s)
		}
		return addr, nil
	}
	addr, err := cast.ToUint64E(v)
	if err != nil {
		return 0, errors.Validation("argument %q is not a valid address: %v", name, err)
	}
	return addr, nil
}

// Validate checks a against the declared signature and returns a copy with
// defaults applied and values coerced to their declared types.
func (a Args) Validate(signature []Param) (Args, error) {
	declared := make(map[string]Param, len(signature))
	for _, p := range signature {
		declared[p.Name] = p
	}

	unknown := make([]string, 0)
	for name := range a {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errors.Validation("unknown argument(s): %s", strings.Join(unknown, ", "))
	}

	out := make(Args, len(signature))
	for _, p := range signature {
		v, present := a[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, errors.Validation("missing required argument %q", p.Name)
			}
			if p.Default == nil {
				continue
			}
			v = p.Default
		}

		coerced, err := coerce(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func coerce(p Param, v any) (any, error) {
	var (
		out any
		err error
	)

	switch p.Type {
	case TypeString:
		out, err = cast.ToStringE(v)
	case TypeInteger:
		out, err = toInt64(v)
	case TypeNumber:
		out, err = cast.ToFloat64E(v)
	case TypeBoolean:
		out, err = cast.ToBoolE(v)
	case TypeArray:
		if v == nil || reflect.TypeOf(v).Kind() != reflect.Slice {
			err = fmt.Errorf("got %T", v)
		}
		out = v
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			err = fmt.Errorf("got %T", v)
		}
		out = v
	default:
		return nil, errors.Internal("parameter %q has unknown type %q", p.Name, p.Type)
	}
	if err != nil {
		return nil, errors.Validation("argument %q must be of type %s: %v", p.Name, p.Type, err)
	}

	if len(p.Enum) > 0 {
		s := cast.ToString(out)
		if !slices.Contains(p.Enum, s) {
			return nil, errors.Validation("argument %q must be one of [%s], got %q",
				p.Name, strings.Join(p.Enum, ", "), s)
		}
	}

	if p.Minimum != nil {
		n, numErr := cast.ToFloat64E(out)
		if numErr == nil && n < *p.Minimum {
			return nil, errors.Validation("argument %q must be >= %v, got %v", p.Name, *p.Minimum, out)
		}
	}

	return out, nil
}

// toInt64 accepts integral JSON numbers and numeric strings but rejects
// fractional values that cast would silently truncate.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not integral", n)
		}
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return 0, fmt.Errorf("%v is not integral", n)
		}
	case bool:
		return 0, fmt.Errorf("got boolean")
	}
	return cast.ToInt64E(v)
}

// Float returns a pointer to f, for Param.Minimum.
func Float(f float64) *float64 {
	return &f
}
