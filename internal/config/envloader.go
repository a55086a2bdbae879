package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var durationType = reflect.TypeOf(time.Duration(0))

// LoadFromEnv overwrites fields of cfg whose `env` tag names a set,
// non-empty environment variable. Nested structs are walked; pointer
// fields are allocated on first assignment.
func LoadFromEnv(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	return walkEnv(v)
}

func walkEnv(v reflect.Value) error {
	for _, f := range reflect.VisibleFields(v.Type()) {
		if len(f.Index) > 1 {
			continue
		}
		field := v.Field(f.Index[0])
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := walkEnv(field); err != nil {
				return err
			}
			continue
		}

		name := f.Tag.Get("env")
		raw := os.Getenv(name)
		if name == "" || raw == "" {
			continue
		}
		if err := assign(field, raw); err != nil {
			return fmt.Errorf("%s (%s): %w", f.Name, name, err)
		}
	}
	return nil
}

// assign parses raw into field according to its kind.
func assign(field reflect.Value, raw string) error {
	if field.Kind() == reflect.Pointer {
		ptr := reflect.New(field.Type().Elem())
		if err := assign(ptr.Elem(), raw); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}

	switch k := field.Kind(); {
	case k == reflect.String:
		field.SetString(raw)
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
	case k >= reflect.Int && k <= reflect.Int64:
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)
	case k >= reflect.Uint && k <= reflect.Uint64:
		n, err := cast.ToUint64E(raw)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer: %w", err)
		}
		field.SetUint(n)
	case k == reflect.Bool:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)
	case k == reflect.Float32 || k == reflect.Float64:
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)
	case k == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		field.Set(reflect.ValueOf(splitList(raw)))
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}

// splitList splits a comma-separated value, trimming entries and dropping
// empty ones.
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
