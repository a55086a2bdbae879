// Package middleware implements the per-operation parameter hook pipeline.
//
// Each operation carries an ordered list of hooks. A hook may extend the
// declared signature, adjust parameter annotations, rewrite arguments before
// the operation body runs, and transform the result afterwards. Hooks talk to
// each other only through the per-call CallContext; they hold no shared
// mutable state, so different operations can be dispatched concurrently.
package middleware

import (
	"context"
)

// Hook is one composable unit of operation middleware.
type Hook interface {
	// Name identifies the hook; it is also the hook's CallContext namespace.
	Name() string
	// AugmentSignature may add or rename declared parameters.
	AugmentSignature(params []Param) []Param
	// AugmentAnnotations may adjust the declared types and constraints.
	AugmentAnnotations(params []Param) []Param
	// Before inspects and rewrites the incoming arguments. Returning an
	// error or calling cc.Skip stops the operation body from running.
	Before(cc *CallContext, args Args) (Args, error)
	// After inspects and rewrites the outgoing result.
	After(cc *CallContext, result any) (any, error)
}

// Base provides no-op implementations of every extension point. Embed it
// and override only what a hook needs.
type Base struct{}

func (Base) AugmentSignature(params []Param) []Param   { return params }
func (Base) AugmentAnnotations(params []Param) []Param { return params }
func (Base) Before(_ *CallContext, args Args) (Args, error) {
	return args, nil
}
func (Base) After(_ *CallContext, result any) (any, error) {
	return result, nil
}

// CallContext is created fresh for every call and threaded through all hooks.
type CallContext struct {
	ctx       context.Context
	operation string
	values    map[string]any
	skipped   bool
	result    any
}

// NewCallContext creates an empty context for one call of operation.
func NewCallContext(ctx context.Context, operation string) *CallContext {
	return &CallContext{
		ctx:       ctx,
		operation: operation,
		values:    make(map[string]any),
	}
}

// Context returns the request context of the call.
func (c *CallContext) Context() context.Context {
	return c.ctx
}

// Operation returns the qualified name of the operation being called.
func (c *CallContext) Operation() string {
	return c.operation
}

// Set stores a value for later hooks or for the post-call phase.
func (c *CallContext) Set(key string, value any) {
	c.values[key] = value
}

// Get retrieves a value stored with Set.
func (c *CallContext) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Skip short-circuits the operation body; result is used in place of the
// body's output and still flows through every post-call transform.
func (c *CallContext) Skip(result any) {
	c.skipped = true
	c.result = result
}

// Skipped reports whether a hook short-circuited the body.
func (c *CallContext) Skipped() bool {
	return c.skipped
}

// Body is the bare operation invoked between the two hook phases.
type Body func(ctx context.Context, args Args) (any, error)

// Pipeline runs an ordered hook list around an operation body.
type Pipeline struct {
	Hooks []Hook
}

// NewPipeline creates a pipeline over hooks in declared order.
func NewPipeline(hooks ...Hook) Pipeline {
	return Pipeline{Hooks: hooks}
}

// Signature applies every hook's signature augmentation, then every hook's
// annotation augmentation, to the declared params.
func (p Pipeline) Signature(params []Param) []Param {
	out := append([]Param(nil), params...)
	for _, h := range p.Hooks {
		out = h.AugmentSignature(out)
	}
	for _, h := range p.Hooks {
		out = h.AugmentAnnotations(out)
	}
	return out
}

// Run executes one call: pre-call transforms in declared order, the body
// unless a hook skipped it, then post-call transforms in the same order.
func (p Pipeline) Run(ctx context.Context, operation string, args Args, body Body) (any, error) {
	cc := NewCallContext(ctx, operation)
	current := args.Clone()

	for _, h := range p.Hooks {
		next, err := h.Before(cc, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = Args{}
		}
		current = next
		if cc.Skipped() {
			break
		}
	}

	var (
		result any
		err    error
	)
	if cc.Skipped() {
		result = cc.result
	} else {
		result, err = body(ctx, current)
		if err != nil {
			return nil, err
		}
	}

	for _, h := range p.Hooks {
		result, err = h.After(cc, result)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
