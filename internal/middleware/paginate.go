package middleware

import (
	"reflect"

	"github.com/coral-mesh/binmcp/internal/errors"
)

const (
	paramOffset = "offset"
	paramLimit  = "limit"
)

// Page is the envelope a paginated operation returns.
type Page struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Data   any `json:"data"`
}

type pageBounds struct {
	offset int
	limit  int
}

type paginate struct {
	Base
	defaultLimit int
}

// Paginate adds offset and limit parameters and slices a sequence result
// into a Page. The body never sees offset or limit.
func Paginate(defaultLimit int) Hook {
	return &paginate{defaultLimit: defaultLimit}
}

func (p *paginate) Name() string { return "paginate" }

func (p *paginate) AugmentSignature(params []Param) []Param {
	return append(params,
		Param{
			Name:        paramOffset,
			Type:        TypeInteger,
			Description: "Index of the first item to return",
			Default:     0,
		},
		Param{
			Name:        paramLimit,
			Type:        TypeInteger,
			Description: "Maximum number of items to return",
			Default:     p.defaultLimit,
		},
	)
}

func (p *paginate) AugmentAnnotations(params []Param) []Param {
	for i := range params {
		if params[i].Name == paramOffset || params[i].Name == paramLimit {
			params[i].Minimum = Float(0)
		}
	}
	return params
}

func (p *paginate) Before(cc *CallContext, args Args) (Args, error) {
	bounds := pageBounds{limit: p.defaultLimit}

	if args.Has(paramOffset) {
		n, err := args.Int(paramOffset)
		if err != nil {
			return nil, err
		}
		bounds.offset = n
	}
	if args.Has(paramLimit) {
		n, err := args.Int(paramLimit)
		if err != nil {
			return nil, err
		}
		bounds.limit = n
	}
	if bounds.offset < 0 {
		return nil, errors.Validation("offset must be >= 0, got %d", bounds.offset)
	}
	if bounds.limit < 0 {
		return nil, errors.Validation("limit must be >= 0, got %d", bounds.limit)
	}

	cc.Set(p.Name(), bounds)

	out := args.Clone()
	delete(out, paramOffset)
	delete(out, paramLimit)
	return out, nil
}

func (p *paginate) After(cc *CallContext, result any) (any, error) {
	bounds := pageBounds{limit: p.defaultLimit}
	if v, ok := cc.Get(p.Name()); ok {
		bounds = v.(pageBounds)
	}

	items, err := sequence(p.Name(), result)
	if err != nil {
		return nil, err
	}

	total := items.Len()
	lo := min(bounds.offset, total)
	hi := total
	if bounds.limit < total-lo {
		hi = lo + bounds.limit
	}

	return Page{
		Total:  total,
		Offset: bounds.offset,
		Limit:  bounds.limit,
		Data:   subslice(items, lo, hi),
	}, nil
}

// sequence returns result as a reflected slice or array.
func sequence(hook string, result any) (reflect.Value, error) {
	if result == nil {
		return reflect.ValueOf([]any{}), nil
	}
	v := reflect.ValueOf(result)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return reflect.Value{}, errors.Internal("%s: operation returned %T, not a sequence", hook, result)
	}
	return v, nil
}

// subslice returns items[lo:hi] as a non-nil slice of the same element type.
func subslice(items reflect.Value, lo, hi int) any {
	out := reflect.MakeSlice(reflect.SliceOf(items.Type().Elem()), 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = reflect.Append(out, items.Index(i))
	}
	return out.Interface()
}
