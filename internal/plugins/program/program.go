// Package program is the built-in plugin that queries and annotates the
// active session's binary through the analysis engine.
package program

import (
	"context"

	"github.com/coral-mesh/binmcp/internal/constants"
	"github.com/coral-mesh/binmcp/internal/engine"
	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/middleware"
	"github.com/coral-mesh/binmcp/internal/plugin"
	"github.com/coral-mesh/binmcp/internal/resource"
)

const (
	// Name is the plugin name.
	Name    = "program"
	version = "1.0.0"

	defaultDisassemblyCount = 32
)

// Plugin exposes the engine's query surface. Every operation requires an
// active session.
type Plugin struct{}

// New creates the plugin.
func New() *Plugin {
	return &Plugin{}
}

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) Name() string    { return Name }
func (p *Plugin) Version() string { return version }

func (p *Plugin) Instructions() plugin.Instructions {
	return plugin.Instructions{
		Purpose: "Inspect the active binary: metadata, sections, functions, imports, strings and disassembly, " +
			"and record findings as comments and renames.",
		Interaction: "Start with program_info, then narrow down with filter, where and pagination " +
			"(offset/limit) on the list tools. Addresses are hex strings such as \"0x401000\". " +
			"Comments and renames stay pending until program_save.",
		Examples: []string{
			`program_functions {"filter": "sub_*", "limit": 20}`,
			`program_functions {"where": "item.size > 256"}`,
			`program_disassemble {"address": "0x401000", "count": 40}`,
			`program_rename {"address": "0x401000", "name": "parse_header"}`,
		},
		AntiExamples: []string{
			"Listing every string without a filter or limit on a large binary.",
			"Switching sessions before program_save when annotations matter.",
		},
	}
}

var (
	addressParam = plugin.Param{
		Name:        "address",
		Type:        plugin.TypeString,
		Description: "Virtual address, hex (0x401000) or decimal",
		Required:    true,
	}
	pageLimit = constants.DefaultPageLimit
)

func (p *Plugin) Operations() []plugin.Operation {
	return []plugin.Operation{
		{
			Name:             "info",
			Description:      "Show format, architecture, entry point and analysis counts of the active binary.",
			RequiresDatabase: true,
			Handler:          info,
		},
		{
			Name:             "analyze",
			Description:      "Recover functions, imports and strings if the binary was opened without auto analysis.",
			RequiresDatabase: true,
			Handler:          analyze,
		},
		{
			Name:             "sections",
			Description:      "List sections with addresses, sizes and permissions.",
			Hooks:            []middleware.Hook{middleware.Filter(sectionKey), middleware.Paginate(pageLimit)},
			RequiresDatabase: true,
			Handler:          sections,
		},
		{
			Name:        "functions",
			Description: "List recovered functions with current names, sizes and comments.",
			Hooks: []middleware.Hook{
				middleware.Filter(functionKey),
				middleware.Where(),
				middleware.Paginate(pageLimit),
			},
			RequiresDatabase: true,
			Handler:          functions,
		},
		{
			Name:             "imports",
			Description:      "List imported symbols and the libraries providing them.",
			Hooks:            []middleware.Hook{middleware.Filter(importKey), middleware.Paginate(pageLimit)},
			RequiresDatabase: true,
			Handler:          imports,
		},
		{
			Name:        "strings",
			Description: "List printable strings found in data sections.",
			Params: []plugin.Param{{
				Name:        "min_length",
				Type:        plugin.TypeInteger,
				Description: "Shortest string to return",
				Default:     constants.DefaultMinStringLength,
				Minimum:     middleware.Float(1),
			}},
			Hooks:            []middleware.Hook{middleware.Filter(stringKey), middleware.Paginate(pageLimit)},
			RequiresDatabase: true,
			Handler:          strs,
		},
		{
			Name:        "disassemble",
			Description: "Disassemble instructions starting at an address.",
			Params: []plugin.Param{addressParam, {
				Name:        "count",
				Type:        plugin.TypeInteger,
				Description: "Number of instructions to decode",
				Default:     defaultDisassemblyCount,
				Minimum:     middleware.Float(1),
			}},
			RequiresDatabase: true,
			Handler:          disassemble,
		},
		{
			Name:             "annotations",
			Description:      "List comments and renames, including pending ones not yet saved.",
			Hooks:            []middleware.Hook{middleware.Paginate(pageLimit)},
			RequiresDatabase: true,
			Handler:          annotations,
		},
		{
			Name:        "set_comment",
			Description: "Attach a comment to an address. An empty comment clears it.",
			Params: []plugin.Param{addressParam, {
				Name:        "comment",
				Type:        plugin.TypeString,
				Description: "Comment text",
				Required:    true,
			}},
			Unsafe:           true,
			RequiresDatabase: true,
			Handler:          setComment,
		},
		{
			Name:        "rename",
			Description: "Rename the function starting at an address.",
			Params: []plugin.Param{addressParam, {
				Name:        "name",
				Type:        plugin.TypeString,
				Description: "New function name without whitespace",
				Required:    true,
			}},
			Unsafe:           true,
			RequiresDatabase: true,
			Handler:          rename,
		},
		{
			Name:             "save",
			Description:      "Persist pending comments and renames to the analysis database.",
			Unsafe:           true,
			RequiresDatabase: true,
			Handler:          save,
		},
	}
}

func sectionKey(item any) string {
	if s, ok := item.(engine.Section); ok {
		return s.Name
	}
	return ""
}

func functionKey(item any) string {
	if fn, ok := item.(engine.Function); ok {
		return fn.Name
	}
	return ""
}

func importKey(item any) string {
	if imp, ok := item.(engine.Import); ok {
		return imp.Name
	}
	return ""
}

func stringKey(item any) string {
	if s, ok := item.(engine.String); ok {
		return s.Value
	}
	return ""
}

func program(db resource.Database) (engine.Program, error) {
	prog, ok := db.(engine.Program)
	if !ok {
		return nil, errors.Internal("active database %T does not support program queries", db)
	}
	return prog, nil
}

func address(args plugin.Args) (engine.Addr, error) {
	addr, err := args.Address(addressParam.Name)
	if err != nil {
		return 0, err
	}
	return engine.Addr(addr), nil
}

func info(ctx context.Context, db resource.Database, _ plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	return prog.Metadata(ctx)
}

func analyze(ctx context.Context, db resource.Database, _ plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	return prog.Analyze(ctx)
}

func sections(ctx context.Context, db resource.Database, _ plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	return prog.Sections(ctx)
}

func functions(ctx context.Context, db resource.Database, _ plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	return prog.Functions(ctx)
}

func imports(ctx context.Context, db resource.Database, _ plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	return prog.Imports(ctx)
}

func strs(ctx context.Context, db resource.Database, args plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	minLen, err := args.Int("min_length")
	if err != nil {
		return nil, err
	}
	return prog.Strings(ctx, minLen)
}

func disassemble(ctx context.Context, db resource.Database, args plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	addr, err := address(args)
	if err != nil {
		return nil, err
	}
	count, err := args.Int("count")
	if err != nil {
		return nil, err
	}
	return prog.Disassemble(ctx, addr, count)
}

func annotations(ctx context.Context, db resource.Database, _ plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	return prog.Annotations(ctx)
}

func setComment(ctx context.Context, db resource.Database, args plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	addr, err := address(args)
	if err != nil {
		return nil, err
	}
	comment, err := args.String("comment")
	if err != nil {
		return nil, err
	}
	return prog.SetComment(ctx, addr, comment)
}

func rename(ctx context.Context, db resource.Database, args plugin.Args) (any, error) {
	prog, err := program(db)
	if err != nil {
		return nil, err
	}
	addr, err := address(args)
	if err != nil {
		return nil, err
	}
	name, err := args.String("name")
	if err != nil {
		return nil, err
	}
	return prog.Rename(ctx, addr, name)
}

type saved struct {
	Saved bool `json:"saved"`
}

// save persists through the database handed to the body, which already
// holds the handle's read lock.
func save(ctx context.Context, db resource.Database, _ plugin.Args) (any, error) {
	if err := db.Save(ctx); err != nil {
		return nil, errors.Wrap(errors.KindResource, err, "save failed")
	}
	return saved{Saved: true}, nil
}
