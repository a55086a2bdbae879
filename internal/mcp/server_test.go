package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/binmcp/internal/dispatch"
	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/plugin"
	"github.com/coral-mesh/binmcp/internal/resource"
	"github.com/coral-mesh/binmcp/internal/session"
	"github.com/coral-mesh/binmcp/internal/testutil"
)

type testPlugin struct {
	name string
	ops  []plugin.Operation
}

func (p *testPlugin) Name() string    { return p.name }
func (p *testPlugin) Version() string { return "1.0.0" }
func (p *testPlugin) Instructions() plugin.Instructions {
	return plugin.Instructions{Purpose: "Plugin " + p.name + "."}
}
func (p *testPlugin) Operations() []plugin.Operation { return p.ops }

func toolsPlugin() *testPlugin {
	return &testPlugin{name: "tools", ops: []plugin.Operation{
		{
			Name:        "echo",
			Description: "Echo a message",
			Params:      []plugin.Param{{Name: "msg", Type: plugin.TypeString, Required: true}},
			Handler: func(_ context.Context, _ resource.Database, args plugin.Args) (any, error) {
				return map[string]any{"msg": args["msg"]}, nil
			},
		},
		{
			Name:             "items",
			Description:      "List database items",
			RequiresDatabase: true,
			Handler: func(_ context.Context, db resource.Database, _ plugin.Args) (any, error) {
				return db.(*testutil.FakeDatabase).Items(), nil
			},
		},
		{
			Name:        "wipe",
			Description: "Wipe everything",
			Unsafe:      true,
			Handler: func(context.Context, resource.Database, plugin.Args) (any, error) {
				return "wiped", nil
			},
		},
	}}
}

type fixture struct {
	server   *Server
	sessions *session.Registry
	logs     *testutil.LogBuffer
}

func newFixture(t *testing.T, cfg Config, plugins ...plugin.Plugin) *fixture {
	t.Helper()
	logger, logs := testutil.NewCaptureLogger(t)

	reg := plugin.NewRegistry()
	for _, p := range plugins {
		require.NoError(t, reg.Register(p))
	}
	sessions := session.NewRegistry(testutil.NewFakeEngine("x", "y"), logger)
	d := dispatch.New(reg, sessions, logger, dispatch.WithAudit(true))

	s, err := New(d, cfg, logger)
	require.NoError(t, err)
	return &fixture{server: s, sessions: sessions, logs: logs}
}

// rpc sends one JSON-RPC request through the mcp-go server and decodes the
// response into a generic map.
func (f *fixture) rpc(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp := f.server.MCPServer().HandleMessage(context.Background(), req)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Nil(t, out["error"], "rpc error: %s", raw)
	result, ok := out["result"].(map[string]any)
	require.True(t, ok, "missing result: %s", raw)
	return result
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "program_info", ToolName("program.info"))
	assert.Equal(t, "sessions_remove_all", ToolName("sessions.remove_all"))
}

func TestNew_RegistersEveryOperation(t *testing.T) {
	f := newFixture(t, Config{}, toolsPlugin())

	assert.Equal(t, []string{"tools_echo", "tools_items", "tools_wipe"}, f.server.ListToolNames())
	assert.True(t, f.server.IsToolEnabled("tools_echo"))
	assert.False(t, f.server.IsToolEnabled("tools.echo"), "tool names use underscores")
}

func TestNew_EnabledTools(t *testing.T) {
	f := newFixture(t, Config{EnabledTools: []string{"tools_echo"}}, toolsPlugin())

	assert.Equal(t, []string{"tools_echo"}, f.server.ListToolNames())
	assert.False(t, f.server.IsToolEnabled("tools_wipe"))

	_, err := f.server.ExecuteTool(context.Background(), "tools_wipe", "")
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestNew_ToolNameCollision(t *testing.T) {
	logger := testutil.NewTestLogger(t)
	handler := func(context.Context, resource.Database, plugin.Args) (any, error) { return nil, nil }

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(&testPlugin{name: "a_b", ops: []plugin.Operation{{Name: "c", Handler: handler}}}))
	require.NoError(t, reg.Register(&testPlugin{name: "a", ops: []plugin.Operation{{Name: "b_c", Handler: handler}}}))
	d := dispatch.New(reg, session.NewRegistry(testutil.NewFakeEngine(), logger), logger)

	_, err := New(d, Config{}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a_b_c")
}

func TestExecuteTool(t *testing.T) {
	f := newFixture(t, Config{}, toolsPlugin())
	ctx := context.Background()

	out, err := f.server.ExecuteTool(ctx, "tools_echo", `{"msg": "hi"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg": "hi"}`, out)
	assert.Equal(t, 1, strings.Count(f.logs.String(), "Tool call audit"), "each call is audited once")

	_, err = f.server.ExecuteTool(ctx, "tools_echo", `{}`)
	assert.True(t, errors.Is(err, errors.KindValidation))

	_, err = f.server.ExecuteTool(ctx, "tools_echo", `[1, 2]`)
	assert.True(t, errors.Is(err, errors.KindValidation))

	_, err = f.server.ExecuteTool(ctx, "tools_items", "")
	assert.True(t, errors.Is(err, errors.KindState), "no active session")

	_, err = f.sessions.Replace(ctx, "/bin/fake", resource.Options{})
	require.NoError(t, err)
	out, err = f.server.ExecuteTool(ctx, "tools_items", "")
	require.NoError(t, err)
	assert.JSONEq(t, `["x", "y"]`, out)

	_, err = f.server.ExecuteTool(ctx, "nope", "")
	assert.True(t, errors.Is(err, errors.KindNotFound))
}

func TestToolsList_Annotations(t *testing.T) {
	f := newFixture(t, Config{}, toolsPlugin())

	result := f.rpc(t, "tools/list", map[string]any{})
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 3)

	byName := map[string]map[string]any{}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		byName[tool["name"].(string)] = tool
	}

	echo := byName["tools_echo"]
	require.NotNil(t, echo)
	schema := echo["inputSchema"].(map[string]any)
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema["properties"], "msg")
	assert.Equal(t, true, echo["annotations"].(map[string]any)["readOnlyHint"])

	wipe := byName["tools_wipe"]
	require.NotNil(t, wipe)
	assert.Equal(t, true, wipe["annotations"].(map[string]any)["destructiveHint"])
}

func TestToolsCall(t *testing.T) {
	f := newFixture(t, Config{}, toolsPlugin())

	result := f.rpc(t, "tools/call", map[string]any{
		"name":      "tools_echo",
		"arguments": map[string]any{"msg": "hello"},
	})
	assert.NotEqual(t, true, result["isError"])
	assert.JSONEq(t, `{"msg": "hello"}`, text(t, result))

	result = f.rpc(t, "tools/call", map[string]any{
		"name":      "tools_items",
		"arguments": map[string]any{},
	})
	assert.Equal(t, true, result["isError"])

	var payload errors.Payload
	require.NoError(t, json.Unmarshal([]byte(text(t, result)), &payload))
	assert.Equal(t, "state_error", payload.Kind)
	assert.NotEmpty(t, payload.Message)
}

func TestInstructions_DefaultToPlugins(t *testing.T) {
	f := newFixture(t, Config{Name: "test"}, toolsPlugin())

	result := f.rpc(t, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	})
	instructions, _ := result["instructions"].(string)
	assert.True(t, strings.Contains(instructions, "Plugin tools."), fmt.Sprintf("got %q", instructions))
}

func text(t *testing.T, result map[string]any) string {
	t.Helper()
	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, content)
	return content[0].(map[string]any)["text"].(string)
}
