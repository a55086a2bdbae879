package middleware

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/binmcp/internal/errors"
)

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("item_%d", i)
	}
	return out
}

func returning(result any) Body {
	return func(context.Context, Args) (any, error) { return result, nil }
}

func TestPaginate_Scenario(t *testing.T) {
	p := NewPipeline(Paginate(100))

	got, err := p.Run(context.Background(), "p.op",
		Args{"offset": 1, "limit": 2},
		returning([]string{"a", "b", "c", "d", "e"}),
	)
	require.NoError(t, err)

	assert.Equal(t, Page{Total: 5, Offset: 1, Limit: 2, Data: []string{"b", "c"}}, got)
}

func TestPaginate_Bounds(t *testing.T) {
	// For every 0 <= k <= N and m >= 0 the page holds min(m, max(N-k, 0)) items.
	const n = 7
	source := items(n)
	p := NewPipeline(Paginate(100))

	for k := 0; k <= n; k++ {
		for m := 0; m <= n+2; m++ {
			got, err := p.Run(context.Background(), "p.op", Args{"offset": k, "limit": m}, returning(source))
			require.NoError(t, err)

			page := got.(Page)
			want := min(m, max(n-k, 0))
			data := page.Data.([]string)

			assert.Len(t, data, want, "offset=%d limit=%d", k, m)
			assert.Equal(t, n, page.Total)
			assert.Equal(t, k, page.Offset)
			assert.Equal(t, m, page.Limit)
			if want > 0 {
				assert.Equal(t, source[k], data[0])
			}
		}
	}
}

func TestPaginate_OffsetPastEnd(t *testing.T) {
	p := NewPipeline(Paginate(10))

	got, err := p.Run(context.Background(), "p.op", Args{"offset": 50}, returning(items(3)))
	require.NoError(t, err)

	page := got.(Page)
	assert.Equal(t, 3, page.Total)
	assert.Empty(t, page.Data)
	assert.NotNil(t, page.Data)
}

func TestPaginate_DefaultLimit(t *testing.T) {
	p := NewPipeline(Paginate(2))

	got, err := p.Run(context.Background(), "p.op", Args{}, returning(items(5)))
	require.NoError(t, err)

	page := got.(Page)
	assert.Equal(t, 2, page.Limit)
	assert.Len(t, page.Data, 2)
}

func TestPaginate_RejectsNegativeBoundsBeforeBody(t *testing.T) {
	tests := []struct {
		name string
		args Args
	}{
		{"negative offset", Args{"offset": -1}},
		{"negative limit", Args{"limit": -5}},
		{"fractional limit", Args{"limit": 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			body := func(context.Context, Args) (any, error) {
				called = true
				return items(3), nil
			}

			_, err := NewPipeline(Paginate(10)).Run(context.Background(), "p.op", tt.args, body)
			assert.True(t, errors.Is(err, errors.KindValidation), "got %v", err)
			assert.False(t, called, "body must not run")
		})
	}
}

func TestPaginate_HidesBoundsFromBody(t *testing.T) {
	var seen Args
	body := func(_ context.Context, args Args) (any, error) {
		seen = args
		return items(1), nil
	}

	_, err := NewPipeline(Paginate(10)).Run(context.Background(), "p.op",
		Args{"offset": 0, "limit": 1, "kind": "code"}, body)
	require.NoError(t, err)

	assert.Equal(t, Args{"kind": "code"}, seen)
}

func TestPaginate_NonSequenceResult(t *testing.T) {
	_, err := NewPipeline(Paginate(10)).Run(context.Background(), "p.op", Args{}, returning(42))
	assert.True(t, errors.Is(err, errors.KindInternal), "got %v", err)
}

func TestPaginate_Signature(t *testing.T) {
	sig := NewPipeline(Paginate(25)).Signature([]Param{{Name: "kind", Type: TypeString}})

	require.Len(t, sig, 3)
	assert.Equal(t, "kind", sig[0].Name)
	assert.Equal(t, "offset", sig[1].Name)
	assert.Equal(t, "limit", sig[2].Name)
	assert.Equal(t, 25, sig[2].Default)
	require.NotNil(t, sig[2].Minimum)
	assert.Equal(t, 0.0, *sig[2].Minimum)
}

func TestFilter(t *testing.T) {
	source := []string{"main", "sub_401000", "SUB_402000", "printf"}

	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{"empty keeps all", "", source},
		{"substring", "sub", []string{"sub_401000", "SUB_402000"}},
		{"glob", "sub_40100*", []string{"sub_401000"}},
		{"no match", "zzz", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewPipeline(Filter(nil)).Run(context.Background(), "p.op",
				Args{"filter": tt.pattern}, returning(source))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilter_InvalidGlob(t *testing.T) {
	_, err := NewPipeline(Filter(nil)).Run(context.Background(), "p.op",
		Args{"filter": "[abc"}, returning(items(2)))
	assert.True(t, errors.Is(err, errors.KindValidation), "got %v", err)
}

type symbol struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

func TestWhere(t *testing.T) {
	source := []symbol{{"main", 120}, {"init", 8}, {"sub_1", 300}}

	got, err := NewPipeline(Where()).Run(context.Background(), "p.op",
		Args{"where": `item.size > 100 && item.name != "main"`}, returning(source))
	require.NoError(t, err)

	assert.Equal(t, []symbol{{"sub_1", 300}}, got)
}

func TestWhere_Errors(t *testing.T) {
	source := []symbol{{"main", 120}}

	t.Run("syntax error", func(t *testing.T) {
		_, err := NewPipeline(Where()).Run(context.Background(), "p.op",
			Args{"where": "item.size >"}, returning(source))
		assert.True(t, errors.Is(err, errors.KindValidation), "got %v", err)
	})

	t.Run("non boolean", func(t *testing.T) {
		_, err := NewPipeline(Where()).Run(context.Background(), "p.op",
			Args{"where": "item.size"}, returning(source))
		assert.True(t, errors.Is(err, errors.KindValidation), "got %v", err)
	})
}

func TestPipeline_ComposesInDeclaredOrder(t *testing.T) {
	// Filter runs before Paginate in both phases, so totals count filtered items.
	p := NewPipeline(Filter(nil), Paginate(10))
	source := []string{"sub_1", "main", "sub_2", "sub_3"}

	got, err := p.Run(context.Background(), "p.op",
		Args{"filter": "sub_", "offset": 1, "limit": 1}, returning(source))
	require.NoError(t, err)

	assert.Equal(t, Page{Total: 3, Offset: 1, Limit: 1, Data: []string{"sub_2"}}, got)
}

type recorder struct {
	Base
	name string
	log  *[]string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Before(cc *CallContext, args Args) (Args, error) {
	*r.log = append(*r.log, "before:"+r.name)
	cc.Set(r.name, "stashed-"+r.name)
	return args, nil
}

func (r *recorder) After(cc *CallContext, result any) (any, error) {
	v, _ := cc.Get(r.name)
	*r.log = append(*r.log, "after:"+r.name+":"+v.(string))
	return result, nil
}

func TestPipeline_Order(t *testing.T) {
	var log []string
	p := NewPipeline(&recorder{name: "a", log: &log}, &recorder{name: "b", log: &log})

	_, err := p.Run(context.Background(), "p.op", Args{}, func(context.Context, Args) (any, error) {
		log = append(log, "body")
		return nil, nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"before:a", "before:b", "body", "after:a:stashed-a", "after:b:stashed-b",
	}, log)
}

type skipper struct{ Base }

func (skipper) Name() string { return "skipper" }

func (skipper) Before(cc *CallContext, args Args) (Args, error) {
	cc.Skip([]string{"cached"})
	return args, nil
}

func TestPipeline_Skip(t *testing.T) {
	called := false
	p := NewPipeline(skipper{}, Paginate(10))

	got, err := p.Run(context.Background(), "p.op", Args{}, func(context.Context, Args) (any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)

	assert.False(t, called)
	assert.Equal(t, Page{Total: 1, Offset: 0, Limit: 10, Data: []string{"cached"}}, got)
}

func TestPipeline_DoesNotMutateCallerArgs(t *testing.T) {
	args := Args{"offset": 1, "limit": 1}
	_, err := NewPipeline(Paginate(10)).Run(context.Background(), "p.op", args, returning(items(3)))
	require.NoError(t, err)

	assert.Equal(t, Args{"offset": 1, "limit": 1}, args)
}
