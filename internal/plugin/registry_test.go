package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/middleware"
	"github.com/coral-mesh/binmcp/internal/resource"
)

type stubPlugin struct {
	name    string
	version string
	ops     []Operation
}

func (p *stubPlugin) Name() string    { return p.name }
func (p *stubPlugin) Version() string { return p.version }
func (p *stubPlugin) Instructions() Instructions {
	return Instructions{Purpose: "testing", Examples: []string{p.name + " example"}}
}
func (p *stubPlugin) Operations() []Operation { return p.ops }

func noop(context.Context, resource.Database, Args) (any, error) { return nil, nil }

func newStub(name, version string, opNames ...string) *stubPlugin {
	p := &stubPlugin{name: name, version: version}
	for _, op := range opNames {
		p.ops = append(p.ops, Operation{Name: op, Handler: noop})
	}
	return p
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newStub("functions", "1.2.3", "list", "decompile")))

	op, ok := reg.Lookup("functions.list")
	require.True(t, ok)
	assert.Equal(t, "functions", op.Plugin)
	assert.Equal(t, "list", op.Operation.Name)

	_, ok = reg.Lookup("functions.missing")
	assert.False(t, ok)

	rec, ok := reg.Get("functions")
	require.True(t, ok)
	assert.Equal(t, "1.2.3", rec.Version)
	assert.Len(t, rec.Operations, 2)
}

func TestRegistry_RejectsInvalidIdentity(t *testing.T) {
	tests := []struct {
		name   string
		plugin *stubPlugin
	}{
		{"uppercase name", newStub("Bad", "1.0.0", "op")},
		{"leading digit", newStub("1plugin", "1.0.0", "op")},
		{"hyphen", newStub("my-plugin", "1.0.0", "op")},
		{"space", newStub("my plugin", "1.0.0", "op")},
		{"empty name", newStub("", "1.0.0", "op")},
		{"two part version", newStub("good", "1.0", "op")},
		{"prerelease version", newStub("good", "1.0.0-rc1", "op")},
		{"v prefix", newStub("good", "v1.0.0", "op")},
		{"bad operation name", newStub("good", "1.0.0", "ok", "Not_OK")},
		{"duplicate operation", newStub("good", "1.0.0", "op", "op")},
		{"missing handler", &stubPlugin{name: "good", version: "1.0.0", ops: []Operation{{Name: "op"}}}},
		{"bad param type", &stubPlugin{name: "good", version: "1.0.0", ops: []Operation{{
			Name: "op", Handler: noop, Params: []Param{{Name: "x", Type: "uint"}},
		}}}},
		{"param clashes with hook", &stubPlugin{name: "good", version: "1.0.0", ops: []Operation{{
			Name:    "op",
			Handler: noop,
			Params:  []Param{{Name: "limit", Type: middleware.TypeInteger}},
			Hooks:   []middleware.Hook{middleware.Paginate(10)},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.Register(tt.plugin)
			assert.True(t, errors.Is(err, errors.KindValidation), "got %v", err)
			assert.Empty(t, reg.List(), "registry must be unchanged")
			assert.Empty(t, reg.Operations(), "registry must be unchanged")
		})
	}
}

func TestRegistry_AcceptsValidIdentity(t *testing.T) {
	for _, name := range []string{"a", "_private", "snake_case_2"} {
		for _, version := range []string{"0.0.0", "1.2.3", "10.20.30"} {
			reg := NewRegistry()
			assert.NoError(t, reg.Register(newStub(name, version, "op")), "%s@%s", name, version)
		}
	}
}

func TestRegistry_CollisionLeavesRegistryUnchanged(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newStub("strings", "1.0.0", "list")))

	err := reg.Register(newStub("strings", "2.0.0", "search"))
	assert.True(t, errors.Is(err, errors.KindValidation))

	rec, ok := reg.Get("strings")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", rec.Version)
	_, ok = reg.Lookup("strings.search")
	assert.False(t, ok)
}

func TestRegistry_Unregister(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newStub("xrefs", "1.0.0", "to", "from")))
	require.NoError(t, reg.Unregister("xrefs"))

	_, ok := reg.Lookup("xrefs.to")
	assert.False(t, ok)
	assert.Empty(t, reg.Operations())

	err := reg.Unregister("xrefs")
	assert.True(t, errors.Is(err, errors.KindNotFound))

	// The name is free again.
	assert.NoError(t, reg.Register(newStub("xrefs", "1.1.0", "to")))
}

func TestRegistry_ListIsSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newStub("zeta", "1.0.0", "b", "a")))
	require.NoError(t, reg.Register(newStub("alpha", "1.0.0", "op")))

	records := reg.List()
	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].Name)
	assert.Equal(t, "zeta", records[1].Name)

	var names []string
	for _, op := range reg.Operations() {
		names = append(names, op.Qualified)
	}
	assert.Equal(t, []string{"alpha.op", "zeta.a", "zeta.b"}, names)
}

func TestRegistry_RecordsAreCopies(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubPlugin{name: "functions", version: "1.0.0", ops: []Operation{{
		Name:    "list",
		Handler: noop,
		Hooks:   []middleware.Hook{middleware.Paginate(10)},
	}}}))

	rec, ok := reg.Get("functions")
	require.True(t, ok)
	rec.Instructions.Examples[0] = "changed"
	rec.Operations[0].Name = "changed"
	rec.Operations[0].Signature[0].Name = "changed"
	rec.Operations[0].Hooks[0] = "changed"

	listed := reg.List()
	listed[0].Instructions.Examples[0] = "changed too"

	again, ok := reg.Get("functions")
	require.True(t, ok)
	assert.Equal(t, []string{"functions example"}, again.Instructions.Examples)
	assert.Equal(t, "list", again.Operations[0].Name)
	assert.NotEqual(t, "changed", again.Operations[0].Signature[0].Name)
	assert.Equal(t, []string{"paginate"}, again.Operations[0].Hooks)
}

func TestRegistry_SignatureIncludesHooks(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubPlugin{name: "funcs", version: "1.0.0", ops: []Operation{{
		Name:    "list",
		Handler: noop,
		Params:  []Param{{Name: "kind", Type: middleware.TypeString}},
		Hooks:   []middleware.Hook{middleware.Filter(nil), middleware.Paginate(50)},
		Unsafe:  true,
	}}}))

	op, ok := reg.Lookup("funcs.list")
	require.True(t, ok)

	var names []string
	for _, p := range op.Signature {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"kind", "filter", "offset", "limit"}, names)

	info := op.Info()
	assert.True(t, info.Unsafe)
	assert.Equal(t, []string{"filter", "paginate"}, info.Hooks)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(newStub(fmt.Sprintf("p_%d", i), "1.0.0", "op"))
		}(i)
		go func(i int) {
			defer wg.Done()
			reg.Lookup(fmt.Sprintf("p_%d.op", i))
			reg.List()
		}(i)
	}
	wg.Wait()

	assert.Len(t, reg.List(), 20)
}

func TestInputSchema(t *testing.T) {
	raw, err := RawInputSchema([]Param{
		{Name: "address", Type: middleware.TypeString, Description: "Start address", Required: true},
		{Name: "syntax", Type: middleware.TypeString, Enum: []string{"intel", "gnu"}, Default: "intel"},
		{Name: "limit", Type: middleware.TypeInteger, Minimum: middleware.Float(0)},
		{Name: "tags", Type: middleware.TypeArray},
	})
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []any{"address"}, schema["required"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$defs")

	props := schema["properties"].(map[string]any)
	assert.Len(t, props, 4)
	assert.Equal(t, "Start address", props["address"].(map[string]any)["description"])
	assert.Equal(t, []any{"intel", "gnu"}, props["syntax"].(map[string]any)["enum"])
	assert.Equal(t, "intel", props["syntax"].(map[string]any)["default"])
	assert.Equal(t, float64(0), props["limit"].(map[string]any)["minimum"])
}

func TestInstructions_Markdown(t *testing.T) {
	md := Instructions{
		Purpose:      "List functions.",
		Interaction:  "Call after opening a binary.",
		Examples:     []string{"program.functions"},
		AntiExamples: []string{"guessing addresses"},
	}.Markdown("program")

	assert.Contains(t, md, "## program")
	assert.Contains(t, md, "List functions.")
	assert.Contains(t, md, "**How to use:** Call after opening a binary.")
	assert.Contains(t, md, "- program.functions")
	assert.Contains(t, md, "**Do not:**")
}

func TestCatalog_Load(t *testing.T) {
	cat := NewCatalog()
	cat.Add("alpha", func() (Plugin, error) { return newStub("alpha", "1.0.0", "op"), nil })
	cat.Add("beta", func() (Plugin, error) { return newStub("beta", "1.0.0", "op"), nil })
	cat.Add("broken", func() (Plugin, error) { return nil, fmt.Errorf("boom") })

	t.Run("disabled wins", func(t *testing.T) {
		reg := NewRegistry()
		err := cat.Load(reg, Selection{Disabled: []string{"broken", "beta"}}, zerolog.Nop())
		require.NoError(t, err)
		assert.Len(t, reg.List(), 1)
	})

	t.Run("enabled subset", func(t *testing.T) {
		reg := NewRegistry()
		err := cat.Load(reg, Selection{Enabled: []string{"beta"}}, zerolog.Nop())
		require.NoError(t, err)
		_, ok := reg.Get("beta")
		assert.True(t, ok)
		assert.Len(t, reg.List(), 1)
	})

	t.Run("failures are reported but others load", func(t *testing.T) {
		reg := NewRegistry()
		err := cat.Load(reg, Selection{}, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
		assert.Len(t, reg.List(), 2)
	})

	t.Run("unknown enabled plugin", func(t *testing.T) {
		err := cat.Load(NewRegistry(), Selection{Enabled: []string{"gamma"}}, zerolog.Nop())
		assert.Error(t, err)
	})
}
