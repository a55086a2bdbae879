package middleware

import (
	"encoding/json"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/coral-mesh/binmcp/internal/errors"
)

const paramWhere = "where"

type where struct {
	Base
}

// Where adds a where parameter holding a CEL expression over `item` and keeps
// only sequence items for which it evaluates to true, e.g.
// `item.size > 64 && item.name.startsWith("sub_")`.
func Where() Hook {
	return &where{}
}

func (w *where) Name() string { return "where" }

func (w *where) AugmentSignature(params []Param) []Param {
	return append(params, Param{
		Name:        paramWhere,
		Type:        TypeString,
		Description: "CEL predicate over `item` (e.g. item.size > 64); only matching items are kept",
	})
}

func (w *where) Before(cc *CallContext, args Args) (Args, error) {
	expr, err := args.String(paramWhere)
	if err != nil {
		return nil, err
	}

	out := args.Clone()
	delete(out, paramWhere)
	if expr == "" {
		return out, nil
	}

	prg, err := compilePredicate(expr)
	if err != nil {
		return nil, err
	}
	cc.Set(w.Name(), prg)
	return out, nil
}

func (w *where) After(cc *CallContext, result any) (any, error) {
	v, ok := cc.Get(w.Name())
	if !ok {
		return result, nil
	}
	prg := v.(cel.Program)

	items, err := sequence(w.Name(), result)
	if err != nil {
		return nil, err
	}

	out := reflect.MakeSlice(reflect.SliceOf(items.Type().Elem()), 0, items.Len())
	for i := 0; i < items.Len(); i++ {
		item := items.Index(i)
		keep, err := evalPredicate(prg, item.Interface())
		if err != nil {
			return nil, err
		}
		if keep {
			out = reflect.Append(out, item)
		}
	}
	return out.Interface(), nil
}

func compilePredicate(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, errors.Internal("failed to create CEL environment: %v", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Validation("invalid where expression: %v", iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Validation("invalid where expression: %v", err)
	}
	return prg, nil
}

func evalPredicate(prg cel.Program, item any) (bool, error) {
	activation, err := toActivation(item)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"item": activation})
	if err != nil {
		return false, errors.Validation("where expression failed: %v", err)
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, errors.Validation("where expression must evaluate to a boolean, got %T", out.Value())
	}
	return keep, nil
}

// toActivation exposes item to CEL through its JSON shape, so struct fields
// are addressed by their json names.
func toActivation(item any) (any, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, errors.Internal("where: cannot encode item %T: %v", item, err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, errors.Internal("where: cannot decode item %T: %v", item, err)
	}
	return decoded, nil
}
