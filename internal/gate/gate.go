// Package gate is the single choke point every externally visible side effect
// passes through before it runs. It decides whether the effect is currently
// allowed and, when debugging is switched on, logs a redacted trace of the
// decision.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// Effect names a side-effecting action.
type Effect string

const (
	EffectUploadFile    Effect = "upload_file"
	EffectGenerateImage Effect = "generate_image"
)

// Request describes a side effect a caller wants to perform.
type Request struct {
	Identity domain.Identity
	Source   string
	Effect   Effect
	Detail   Value
}

// Trace is the record of one decision. Detail is redacted before it is logged.
type Trace struct {
	Source  string
	Effect  Effect
	Allowed bool
	Detail  Value
}

// Policy is an additional allow rule consulted after the global switch.
type Policy interface {
	Allow(ctx context.Context, req Request) (bool, error)
}

// DecisionRecorder observes gate decisions.
type DecisionRecorder interface {
	RecordDecision(effect string, allowed bool)
}

// Gate decides whether side effects may run.
type Gate struct {
	enabled  atomic.Bool
	debug    atomic.Bool
	policy   Policy
	logger   *slog.Logger
	recorder DecisionRecorder
}

// Option customises a Gate.
type Option func(*Gate)

// WithPolicy adds a policy that must also allow each effect.
func WithPolicy(policy Policy) Option {
	return func(g *Gate) { g.policy = policy }
}

// WithLogger sets the trace sink.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRecorder attaches a decision recorder.
func WithRecorder(recorder DecisionRecorder) Option {
	return func(g *Gate) { g.recorder = recorder }
}

// New creates a gate. enabled is the global side-effect switch and debug
// turns decision tracing on.
func New(enabled, debug bool, opts ...Option) *Gate {
	g := &Gate{logger: slog.Default()}
	g.enabled.Store(enabled)
	g.debug.Store(debug)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetEnabled flips the global side-effect switch.
func (g *Gate) SetEnabled(enabled bool) { g.enabled.Store(enabled) }

// SetDebug flips decision tracing.
func (g *Gate) SetDebug(debug bool) { g.debug.Store(debug) }

// Enabled reports the global switch.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// Decide reports whether req may run. Callers must not perform the effect
// unless it returns true. Unauthenticated callers get domain.ErrUnauthorized.
// Policy evaluation errors deny the effect.
func (g *Gate) Decide(ctx context.Context, req Request) (bool, error) {
	if !req.Identity.IsAuthenticated {
		g.finish(ctx, req, false)
		return false, fmt.Errorf("%s %s: %w", req.Source, req.Effect, domain.ErrUnauthorized)
	}

	allowed := g.enabled.Load()
	if allowed && g.policy != nil {
		ok, err := g.policy.Allow(ctx, req)
		if err != nil {
			g.finish(ctx, req, false)
			return false, fmt.Errorf("evaluate side effect policy: %w", err)
		}
		allowed = ok
	}

	g.finish(ctx, req, allowed)
	return allowed, nil
}

// Require is Decide folded into a single error: nil when allowed,
// domain.ErrSideEffectDenied when denied.
func (g *Gate) Require(ctx context.Context, req Request) error {
	allowed, err := g.Decide(ctx, req)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%s %s: %w", req.Source, req.Effect, domain.ErrSideEffectDenied)
	}
	return nil
}

func (g *Gate) finish(ctx context.Context, req Request, allowed bool) {
	if g.recorder != nil {
		g.recorder.RecordDecision(string(req.Effect), allowed)
	}
	g.Trace(ctx, Trace{
		Source:  req.Source,
		Effect:  req.Effect,
		Allowed: allowed,
		Detail:  req.Detail,
	})
}

// Trace logs one redacted decision when debugging is on: Info for allowed
// effects, Warn for denied ones. Nothing is retained beyond the log sink.
func (g *Gate) Trace(ctx context.Context, t Trace) {
	if !g.debug.Load() {
		return
	}

	level := slog.LevelInfo
	if !t.Allowed {
		level = slog.LevelWarn
	}
	g.logger.Log(ctx, level, "Side effect decision",
		"source", t.Source,
		"effect", string(t.Effect),
		"allowed", t.Allowed,
		"detail", Redact(t.Detail),
	)
}
