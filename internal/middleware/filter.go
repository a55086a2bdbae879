package middleware

import (
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/coral-mesh/binmcp/internal/errors"
)

const paramFilter = "filter"

// KeyFunc extracts the text a Filter hook matches against.
type KeyFunc func(item any) string

type filter struct {
	Base
	key KeyFunc
}

// Filter adds a filter parameter and keeps only sequence items whose key
// matches it. Patterns containing *, ? or [ are globs; anything else is a
// substring. Matching is case-insensitive. A nil key matches strings,
// fmt.Stringers, and the %v form of anything else.
func Filter(key KeyFunc) Hook {
	if key == nil {
		key = defaultKey
	}
	return &filter{key: key}
}

func defaultKey(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", item)
	}
}

func (f *filter) Name() string { return "filter" }

func (f *filter) AugmentSignature(params []Param) []Param {
	return append(params, Param{
		Name:        paramFilter,
		Type:        TypeString,
		Description: "Case-insensitive substring or glob (e.g. 'sub_*') to match item names",
	})
}

func (f *filter) Before(cc *CallContext, args Args) (Args, error) {
	pattern, err := args.String(paramFilter)
	if err != nil {
		return nil, err
	}
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if isGlob(pattern) {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, errors.Validation("invalid filter pattern %q: %v", pattern, err)
		}
	}
	cc.Set(f.Name(), pattern)

	out := args.Clone()
	delete(out, paramFilter)
	return out, nil
}

func (f *filter) After(cc *CallContext, result any) (any, error) {
	v, _ := cc.Get(f.Name())
	pattern, _ := v.(string)
	if pattern == "" {
		return result, nil
	}

	items, err := sequence(f.Name(), result)
	if err != nil {
		return nil, err
	}

	out := reflect.MakeSlice(reflect.SliceOf(items.Type().Elem()), 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		item := items.Index(i)
		if matches(pattern, strings.ToLower(f.key(item.Interface()))) {
			out = reflect.Append(out, item)
		}
	}
	return out.Interface(), nil
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

func matches(pattern, s string) bool {
	if isGlob(pattern) {
		ok, _ := path.Match(pattern, s)
		return ok
	}
	return strings.Contains(s, pattern)
}
