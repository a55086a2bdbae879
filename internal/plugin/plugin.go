// Package plugin holds loaded plugins and the operations they expose.
//
// Plugins declare their operations explicitly: each Operation pairs a
// handler with its parameters, middleware hooks and an unsafe flag. The
// Registry validates plugin identity at registration time and fails closed,
// so either the whole plugin is registered or nothing is.
package plugin

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/coral-mesh/binmcp/internal/middleware"
	"github.com/coral-mesh/binmcp/internal/resource"
)

// Param and ParamType are re-exported so plugin authors need only this package.
type (
	Param     = middleware.Param
	ParamType = middleware.ParamType
	Args      = middleware.Args
)

const (
	TypeString  = middleware.TypeString
	TypeInteger = middleware.TypeInteger
	TypeNumber  = middleware.TypeNumber
	TypeBoolean = middleware.TypeBoolean
	TypeArray   = middleware.TypeArray
	TypeObject  = middleware.TypeObject
)

// Handler is the body of an operation. db is the active session's database,
// or nil for operations that do not require one.
type Handler func(ctx context.Context, db resource.Database, args Args) (any, error)

// Operation is one callable exposed by a plugin.
type Operation struct {
	Name        string
	Description string
	Params      []Param
	Hooks       []middleware.Hook
	// Unsafe marks operations that may modify or destroy state. They are
	// dispatched like any other but flagged in introspection output.
	Unsafe bool
	// RequiresDatabase makes the dispatcher reject the call when no session
	// is active and inject the active database otherwise.
	RequiresDatabase bool
	Handler          Handler
}

// Instructions tell a model how and when to use a plugin.
type Instructions struct {
	Purpose      string   `json:"purpose" yaml:"purpose"`
	Interaction  string   `json:"interaction,omitempty" yaml:"interaction,omitempty"`
	Examples     []string `json:"examples,omitempty" yaml:"examples,omitempty"`
	AntiExamples []string `json:"anti_examples,omitempty" yaml:"anti_examples,omitempty"`
}

// Markdown renders the instructions under a heading for name.
func (in Instructions) Markdown(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", name)
	if in.Purpose != "" {
		fmt.Fprintf(&sb, "%s\n\n", in.Purpose)
	}
	if in.Interaction != "" {
		fmt.Fprintf(&sb, "**How to use:** %s\n\n", in.Interaction)
	}
	if len(in.Examples) > 0 {
		sb.WriteString("**Examples:**\n\n")
		for _, ex := range in.Examples {
			fmt.Fprintf(&sb, "- %s\n", ex)
		}
		sb.WriteString("\n")
	}
	if len(in.AntiExamples) > 0 {
		sb.WriteString("**Do not:**\n\n")
		for _, ex := range in.AntiExamples {
			fmt.Fprintf(&sb, "- %s\n", ex)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Plugin is an extension instance handed to the Registry by a loader.
type Plugin interface {
	Name() string
	Version() string
	Instructions() Instructions
	Operations() []Operation
}

// OperationRecord is a registered operation ready for dispatch.
type OperationRecord struct {
	Qualified string
	Plugin    string
	Operation Operation
	// Signature is the declared params after hook augmentation.
	Signature []Param
	Pipeline  middleware.Pipeline
}

// Info returns the introspection view of the record.
func (r *OperationRecord) Info() OperationInfo {
	hooks := make([]string, 0, len(r.Operation.Hooks))
	for _, h := range r.Operation.Hooks {
		hooks = append(hooks, h.Name())
	}
	return OperationInfo{
		Qualified:        r.Qualified,
		Name:             r.Operation.Name,
		Description:      r.Operation.Description,
		Signature:        append([]Param(nil), r.Signature...),
		Hooks:            hooks,
		Unsafe:           r.Operation.Unsafe,
		RequiresDatabase: r.Operation.RequiresDatabase,
	}
}

// OperationInfo is read-only operation metadata.
type OperationInfo struct {
	Qualified        string   `json:"qualified"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Signature        []Param  `json:"signature"`
	Hooks            []string `json:"hooks,omitempty"`
	Unsafe           bool     `json:"unsafe"`
	RequiresDatabase bool     `json:"requires_database"`
}

// Record is read-only plugin metadata.
type Record struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Instructions Instructions    `json:"instructions"`
	Operations   []OperationInfo `json:"operations"`
}

// clone copies r so callers cannot reach the registry's slices.
func (r Record) clone() Record {
	r.Instructions.Examples = slices.Clone(r.Instructions.Examples)
	r.Instructions.AntiExamples = slices.Clone(r.Instructions.AntiExamples)
	ops := make([]OperationInfo, len(r.Operations))
	for i, op := range r.Operations {
		op.Signature = slices.Clone(op.Signature)
		op.Hooks = slices.Clone(op.Hooks)
		ops[i] = op
	}
	r.Operations = ops
	return r
}

// Qualify joins a plugin and operation name.
func Qualify(plugin, operation string) string {
	return plugin + "." + operation
}
