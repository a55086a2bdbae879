// Package sessions is the built-in plugin that manages analysis sessions:
// opening binaries, switching the active session and releasing them.
package sessions

import (
	"context"

	"github.com/spf13/cast"

	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/plugin"
	"github.com/coral-mesh/binmcp/internal/resource"
	"github.com/coral-mesh/binmcp/internal/session"
)

const (
	// Name is the plugin name.
	Name    = "sessions"
	version = "1.0.0"
)

// Plugin exposes session management. None of its operations require an
// active database.
type Plugin struct {
	sessions *session.Registry
}

// New creates the plugin over sessions.
func New(sessions *session.Registry) *Plugin {
	return &Plugin{sessions: sessions}
}

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) Name() string    { return Name }
func (p *Plugin) Version() string { return version }

func (p *Plugin) Instructions() plugin.Instructions {
	return plugin.Instructions{
		Purpose: "Open binaries for analysis and choose which one the program tools operate on.",
		Interaction: "Call sessions_open with a binary path before any program tool. " +
			"Several binaries may be open at once; sessions_activate switches between them " +
			"and sessions_list shows which one is active. Switching sessions closes the previous one " +
			"without saving, so call program_save first to keep annotations.",
		Examples: []string{
			`sessions_open {"path": "/usr/bin/true"}`,
			`sessions_activate {"id": "<session id from sessions_list>"}`,
		},
		AntiExamples: []string{
			"Calling program tools before opening a binary.",
			"Using sessions_remove_all to switch binaries; use sessions_open or sessions_activate.",
		},
	}
}

var (
	pathParam = plugin.Param{
		Name:        "path",
		Type:        plugin.TypeString,
		Description: "Path to the binary on the server's filesystem",
		Required:    true,
	}
	autoAnalysisParam = plugin.Param{
		Name:        "auto_analysis",
		Type:        plugin.TypeBoolean,
		Description: "Recover functions, imports and strings while opening",
		Default:     true,
	}
	engineArgsParam = plugin.Param{
		Name:        "engine_args",
		Type:        plugin.TypeObject,
		Description: "Engine-specific settings, e.g. {\"min_string_length\": \"6\"}",
	}
	idParam = plugin.Param{
		Name:        "id",
		Type:        plugin.TypeString,
		Description: "Session id as returned by sessions_list",
		Required:    true,
	}
)

func (p *Plugin) Operations() []plugin.Operation {
	return []plugin.Operation{
		{
			Name:        "open",
			Description: "Open a binary in a new session and make it active. The previously active session is closed and removed; unsaved annotations in it are discarded.",
			Params:      []plugin.Param{pathParam, autoAnalysisParam, engineArgsParam},
			Handler:     p.open,
		},
		{
			Name:        "create",
			Description: "Register a binary in a new session without opening or activating it.",
			Params:      []plugin.Param{pathParam, autoAnalysisParam, engineArgsParam},
			Handler:     p.create,
		},
		{
			Name:        "activate",
			Description: "Make a session active, opening its binary first if needed. The previously active session is closed without saving.",
			Params:      []plugin.Param{idParam},
			Handler:     p.activate,
		},
		{
			Name:        "list",
			Description: "List all sessions in creation order.",
			Handler:     p.list,
		},
		{
			Name:        "current",
			Description: "Show the active session.",
			Handler:     p.current,
		},
		{
			Name:        "close",
			Description: "Close a session's analysis database, keeping the session so it can be activated again.",
			Params: []plugin.Param{idParam, {
				Name:        "save",
				Type:        plugin.TypeBoolean,
				Description: "Persist pending annotations before closing",
				Default:     true,
			}},
			Handler: p.close,
		},
		{
			Name:        "remove",
			Description: "Close a session without saving and forget it.",
			Params:      []plugin.Param{idParam},
			Handler:     p.remove,
		},
		{
			Name:        "remove_all",
			Description: "Close every session without saving and forget them all.",
			Unsafe:      true,
			Handler:     p.removeAll,
		},
	}
}

func options(args plugin.Args) (resource.Options, error) {
	auto, err := args.Bool(autoAnalysisParam.Name)
	if err != nil {
		return resource.Options{}, err
	}
	opts := resource.Options{AutoAnalysis: auto}
	if raw, ok := args[engineArgsParam.Name]; ok && raw != nil {
		engineArgs, err := cast.ToStringMapStringE(raw)
		if err != nil {
			return resource.Options{}, errors.Validation("argument %q must map names to strings", engineArgsParam.Name)
		}
		opts.Args = engineArgs
	}
	return opts, nil
}

func (p *Plugin) open(ctx context.Context, _ resource.Database, args plugin.Args) (any, error) {
	path, err := args.String(pathParam.Name)
	if err != nil {
		return nil, err
	}
	opts, err := options(args)
	if err != nil {
		return nil, err
	}
	s, err := p.sessions.Replace(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

func (p *Plugin) create(_ context.Context, _ resource.Database, args plugin.Args) (any, error) {
	path, err := args.String(pathParam.Name)
	if err != nil {
		return nil, err
	}
	opts, err := options(args)
	if err != nil {
		return nil, err
	}
	s, err := p.sessions.Create(path, opts)
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

func (p *Plugin) activate(ctx context.Context, _ resource.Database, args plugin.Args) (any, error) {
	id, err := args.String(idParam.Name)
	if err != nil {
		return nil, err
	}
	s, err := p.sessions.Get(id)
	if err != nil {
		return nil, err
	}

	switch s.Handle.Status() {
	case resource.StatusWaiting, resource.StatusClosed:
		if err := s.Handle.Open(ctx); err != nil {
			return nil, err
		}
	}

	if err := p.sessions.Activate(ctx, id); err != nil {
		return nil, err
	}
	return s.Info(), nil
}

func (p *Plugin) list(_ context.Context, _ resource.Database, _ plugin.Args) (any, error) {
	sessions := p.sessions.List()
	out := make([]session.Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out, nil
}

func (p *Plugin) current(_ context.Context, _ resource.Database, _ plugin.Args) (any, error) {
	s, err := p.sessions.Active()
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

func (p *Plugin) close(ctx context.Context, _ resource.Database, args plugin.Args) (any, error) {
	id, err := args.String(idParam.Name)
	if err != nil {
		return nil, err
	}
	save, err := args.Bool("save")
	if err != nil {
		return nil, err
	}
	s, err := p.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Handle.Close(ctx, save); err != nil {
		return nil, err
	}
	return s.Info(), nil
}

type removed struct {
	Removed []string `json:"removed"`
}

func (p *Plugin) remove(ctx context.Context, _ resource.Database, args plugin.Args) (any, error) {
	id, err := args.String(idParam.Name)
	if err != nil {
		return nil, err
	}
	if err := p.sessions.Remove(ctx, id); err != nil {
		return nil, err
	}
	return removed{Removed: []string{id}}, nil
}

func (p *Plugin) removeAll(ctx context.Context, _ resource.Database, _ plugin.Args) (any, error) {
	ids := make([]string, 0, p.sessions.Len())
	for _, s := range p.sessions.List() {
		ids = append(ids, s.ID)
	}
	if err := p.sessions.RemoveAll(ctx); err != nil {
		return nil, err
	}
	return removed{Removed: ids}, nil
}
