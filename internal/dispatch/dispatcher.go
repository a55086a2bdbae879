// Package dispatch routes qualified operation calls to plugin handlers.
//
// A call is resolved against the plugin registry, checked against the
// active session, validated against the operation's augmented signature and
// then run through the operation's hook pipeline with the session's database
// injected into the body. Every failure leaves Invoke as an *errors.Error.
package dispatch

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/binmcp/internal/errors"
	"github.com/coral-mesh/binmcp/internal/middleware"
	"github.com/coral-mesh/binmcp/internal/plugin"
	"github.com/coral-mesh/binmcp/internal/resource"
	"github.com/coral-mesh/binmcp/internal/session"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAudit logs every call with its arguments, duration and outcome.
func WithAudit(enabled bool) Option {
	return func(d *Dispatcher) {
		d.audit = enabled
	}
}

// Dispatcher is the single entry point for tool calls.
type Dispatcher struct {
	plugins  *plugin.Registry
	sessions *session.Registry
	logger   zerolog.Logger
	audit    bool
}

// New creates a Dispatcher over the given registries.
func New(plugins *plugin.Registry, sessions *session.Registry, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		plugins:  plugins,
		sessions: sessions,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Plugins returns the plugin registry the dispatcher resolves against.
func (d *Dispatcher) Plugins() *plugin.Registry {
	return d.plugins
}

// Sessions returns the session registry the dispatcher reads the active
// session from.
func (d *Dispatcher) Sessions() *session.Registry {
	return d.sessions
}

// Invoke runs one call of the operation named qualified. The returned error,
// when non-nil, is always an *errors.Error.
func (d *Dispatcher) Invoke(ctx context.Context, qualified string, args map[string]any) (result any, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("operation", qualified).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Operation panicked")
			result, err = nil, errors.Internal("operation %s panicked: %v", qualified, r)
		}
		if err != nil {
			result, err = nil, errors.Normalize(err)
		}
		d.auditCall(qualified, args, start, err)
	}()

	return d.invoke(ctx, qualified, args)
}

func (d *Dispatcher) invoke(ctx context.Context, qualified string, args map[string]any) (any, error) {
	rec, ok := d.plugins.Lookup(qualified)
	if !ok {
		return nil, errors.NotFound("unknown operation %q", qualified)
	}

	var handle *resource.Handle
	if rec.Operation.RequiresDatabase {
		active, err := d.sessions.Active()
		if err != nil {
			return nil, err
		}
		if !active.Handle.IsReady() {
			return nil, errors.State("active session %s is not ready (status: %s)",
				active.ID, active.Handle.Status())
		}
		handle = active.Handle
	}

	validated, err := middleware.Args(args).Validate(rec.Signature)
	if err != nil {
		return nil, err
	}

	handler := rec.Operation.Handler
	body := func(ctx context.Context, a middleware.Args) (any, error) {
		if handle == nil {
			return handler(ctx, nil, a)
		}
		var out any
		useErr := handle.Use(ctx, func(db resource.Database) error {
			var herr error
			out, herr = handler(ctx, db, a)
			return herr
		})
		return out, useErr
	}

	return rec.Pipeline.Run(ctx, qualified, validated, body)
}

// Payload converts err into the normalized wire payload.
func Payload(err error) errors.Payload {
	if err == nil {
		return errors.Payload{}
	}
	return errors.Normalize(err).Payload()
}

func (d *Dispatcher) auditCall(qualified string, args map[string]any, start time.Time, err error) {
	if !d.audit {
		return
	}

	argsJSON, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		argsJSON = []byte("null")
	}
	event := d.logger.Info()
	if err != nil {
		event = d.logger.Warn().Str("error_kind", string(errors.KindOf(err))).Err(err)
	}
	event.
		Str("tool", qualified).
		RawJSON("args", argsJSON).
		Dur("duration", time.Since(start)).
		Msg("Tool call audit")
}

// ToolDescriptor describes one dispatchable operation.
type ToolDescriptor struct {
	Name             string          `json:"name"`
	Plugin           string          `json:"plugin"`
	Description      string          `json:"description"`
	InputSchema      json.RawMessage `json:"input_schema"`
	Unsafe           bool            `json:"unsafe"`
	RequiresDatabase bool            `json:"requires_database"`
}

// Describe lists every registered operation with its input schema. Unsafe
// operations are flagged but not filtered.
func (d *Dispatcher) Describe() ([]ToolDescriptor, error) {
	ops := d.plugins.Operations()
	out := make([]ToolDescriptor, 0, len(ops))
	for _, op := range ops {
		schema, err := plugin.RawInputSchema(op.Signature)
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, err, "schema for "+op.Qualified)
		}
		out = append(out, ToolDescriptor{
			Name:             op.Qualified,
			Plugin:           op.Plugin,
			Description:      op.Operation.Description,
			InputSchema:      schema,
			Unsafe:           op.Operation.Unsafe,
			RequiresDatabase: op.Operation.RequiresDatabase,
		})
	}
	return out, nil
}

// Instructions concatenates every plugin's usage instructions as Markdown.
func (d *Dispatcher) Instructions() string {
	var sb strings.Builder
	for _, rec := range d.plugins.List() {
		sb.WriteString(rec.Instructions.Markdown(rec.Name))
	}
	return sb.String()
}
