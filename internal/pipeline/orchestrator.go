package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/credential"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/gate"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/telemetry"
)

// Admission features. Limiter keys are "<feature>:<subject>".
const (
	FeatureUpload   = "upload"
	FeatureGenerate = "generate"
)

const tracerName = "lumina.pipeline"

// CredentialSource hands out the shared upstream credential.
type CredentialSource interface {
	Acquire(ctx context.Context, opts ...credential.AcquireOption) (domain.Credential, error)
	Invalidate()
}

// Limits are the per-feature admission limits. Zero fields fall back to the
// limiter defaults.
type Limits struct {
	Upload   governance.Limit
	Generate governance.Limit
}

// Settings are the parts of the orchestrator that can change at runtime.
type Settings struct {
	Limits  Limits
	Uploads domain.UploadLimits
	Retry   *governance.RetryPolicy
	// CredentialWindow overrides the credential cache's safety window when set.
	CredentialWindow time.Duration
}

func (s *Settings) acquireOptions() []credential.AcquireOption {
	if s.CredentialWindow <= 0 {
		return nil
	}
	return []credential.AcquireOption{credential.WithSafetyWindow(s.CredentialWindow)}
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Limiter     *governance.AdmissionLimiter
	Gate        *gate.Gate
	Credentials CredentialSource
	Store       domain.ObjectStore
	Generator   domain.Generator
	Settings    Settings
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Orchestrator drives batches through upload, generation and review.
type Orchestrator struct {
	limiter   *governance.AdmissionLimiter
	gate      *gate.Gate
	creds     CredentialSource
	store     domain.ObjectStore
	generator domain.Generator
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	settings atomic.Pointer[Settings]
}

// NewOrchestrator validates the collaborators and builds an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Limiter == nil:
		return nil, errors.New("pipeline: admission limiter is required")
	case cfg.Gate == nil:
		return nil, errors.New("pipeline: side-effect gate is required")
	case cfg.Credentials == nil:
		return nil, errors.New("pipeline: credential source is required")
	case cfg.Store == nil:
		return nil, errors.New("pipeline: object store is required")
	case cfg.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	o := &Orchestrator{
		limiter:   cfg.Limiter,
		gate:      cfg.Gate,
		creds:     cfg.Credentials,
		store:     cfg.Store,
		generator: cfg.Generator,
		logger:    logger,
		now:       clock,
		tracer:    otel.Tracer(tracerName),
	}
	o.Reconfigure(cfg.Settings)
	return o, nil
}

// Reconfigure swaps the runtime settings. Items already past a guard keep the
// settings they were admitted under.
func (o *Orchestrator) Reconfigure(s Settings) {
	if s.Retry == nil {
		s.Retry = governance.NewRetryPolicy(governance.DefaultRetryConfig())
	}
	o.settings.Store(&s)
}

// Settings returns the current runtime settings.
func (o *Orchestrator) Settings() Settings {
	return *o.settings.Load()
}

// Run pushes every item of b through the pipeline, at most b.Concurrency at a
// time. Item failures are recorded on the item and never abort siblings, so
// Run only fails for batch-level problems.
func (o *Orchestrator) Run(ctx context.Context, b *Batch) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("run batch %s: already started: %w", b.ID, domain.ErrInvalidTransition)
	}
	defer func() { b.finish(o.now()) }()

	if !b.Owner.IsAuthenticated {
		return fmt.Errorf("run batch %s: %w", b.ID, domain.ErrUnauthorized)
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.batch", trace.WithAttributes(
		telemetry.RedactAttributes(gate.IsSensitiveKey, []attribute.KeyValue{
			attribute.String("batch.id", b.ID),
			attribute.String("enduser.id", b.Owner.SubjectID),
			attribute.Int("batch.items", len(b.items)),
			attribute.Int("batch.concurrency", b.Concurrency),
		})...,
	))
	defer span.End()

	o.logger.Info("running pipeline batch",
		"batch_id", b.ID,
		"items", len(b.items),
		"concurrency", b.Concurrency,
	)

	var g errgroup.Group
	g.SetLimit(b.Concurrency)
	for _, it := range b.items {
		if o.halted(ctx, b) {
			break
		}
		g.Go(func() error {
			o.process(ctx, b, it)
			return nil
		})
	}
	_ = g.Wait()

	summary := b.Summary()
	span.SetAttributes(
		attribute.Int("batch.completed", summary.Completed),
		attribute.Int("batch.failed", summary.Failed),
		attribute.Int("batch.pending", summary.Pending),
		attribute.Bool("batch.cancelled", b.Cancelled()),
	)
	o.logger.Info("pipeline batch finished",
		"batch_id", b.ID,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"pending", summary.Pending,
		"cancelled", b.Cancelled(),
	)
	return nil
}

// halted is checked at every stage entry.
func (o *Orchestrator) halted(ctx context.Context, b *Batch) bool {
	return b.Cancelled() || ctx.Err() != nil
}

func (o *Orchestrator) process(ctx context.Context, b *Batch, it *item) {
	ctx, span := o.tracer.Start(ctx, "pipeline.item", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.String("item.id", it.spec.ID),
	))
	defer span.End()

	if o.halted(ctx, b) {
		return
	}

	settings := o.settings.Load()
	if err := validateSpec(it.spec, settings.Uploads); err != nil {
		o.fail(ctx, b, it, fmt.Errorf("item %s: %w", it.spec.ID, err))
		return
	}

	if !o.upload(ctx, b, it, settings) {
		return
	}
	if o.halted(ctx, b) {
		return
	}
	o.generate(ctx, b, it, settings)
}

// validateSpec rejects bad input before any quota is spent.
func validateSpec(spec ItemSpec, limits domain.UploadLimits) error {
	if strings.TrimSpace(spec.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", domain.ErrInvalidInput)
	}
	src := spec.Source
	if src.IsURL() {
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: source url %q is not an absolute http(s) url", domain.ErrInvalidInput, src.URL)
		}
		return nil
	}
	return limits.Validate(int64(len(src.Data)), src.ContentType)
}

func (o *Orchestrator) upload(ctx context.Context, b *Batch, it *item, s *Settings) bool {
	src := it.spec.Source
	if src.IsURL() {
		if _, err := o.transition(ctx, b, it, StageUploading, nil); err != nil {
			return false
		}
		_, err := o.transition(ctx, b, it, StageUploaded, func(st *Item) { st.StoredURL = src.URL })
		return err == nil
	}

	if err := o.admit(ctx, FeatureUpload, b.Owner, s.Limits.Upload); err != nil {
		o.fail(ctx, b, it, err)
		return false
	}
	err := o.gate.Require(ctx, gate.Request{
		Identity: b.Owner,
		Source:   "pipeline.upload",
		Effect:   gate.EffectUploadFile,
		Detail: gate.Map(
			gate.F("batch", gate.String(b.ID)),
			gate.F("item", gate.String(it.spec.ID)),
			gate.F("contentType", gate.String(src.ContentType)),
			gate.F("bytes", gate.Number(float64(len(src.Data)))),
		),
	})
	if err != nil {
		o.fail(ctx, b, it, err)
		return false
	}

	if _, err := o.transition(ctx, b, it, StageUploading, nil); err != nil {
		return false
	}

	start := o.now()
	stored, err := o.store.Upload(ctx, src.Data, src.ContentType)
	if err == nil && strings.TrimSpace(stored) == "" {
		err = fmt.Errorf("object store returned no url: %w", domain.ErrUpstreamEmptyResult)
	}
	if err != nil {
		o.fail(ctx, b, it, fmt.Errorf("upload item %s: %w", it.spec.ID, normalizeUpstream(err)))
		return false
	}

	if _, err := o.transition(ctx, b, it, StageUploaded, func(st *Item) { st.StoredURL = stored }); err != nil {
		return false
	}
	telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
		Stage:    string(StageUploading),
		Outcome:  string(StageUploaded),
		Duration: o.now().Sub(start),
	})
	return true
}

func (o *Orchestrator) generate(ctx context.Context, b *Batch, it *item, s *Settings) {
	id := it.spec.ID

	if err := o.admit(ctx, FeatureGenerate, b.Owner, s.Limits.Generate); err != nil {
		o.fail(ctx, b, it, err)
		return
	}

	req := domain.GenerationRequest{
		Prompt:         EnhancePrompt(it.spec.Prompt),
		NegativePrompt: NegativePromptOrDefault(it.spec.NegativePrompt),
		Size:           b.Size,
		ReferenceURL:   it.snapshot().StoredURL,
	}
	err := o.gate.Require(ctx, gate.Request{
		Identity: b.Owner,
		Source:   "pipeline.generate",
		Effect:   gate.EffectGenerateImage,
		Detail: gate.Map(
			gate.F("batch", gate.String(b.ID)),
			gate.F("item", gate.String(id)),
			gate.F("prompt", gate.String(req.Prompt)),
			gate.F("size", gate.String(req.Size.String())),
			gate.F("reference", gate.String(req.ReferenceURL)),
		),
	})
	if err != nil {
		o.fail(ctx, b, it, err)
		return
	}

	cred, err := o.creds.Acquire(ctx, s.acquireOptions()...)
	if err != nil {
		o.fail(ctx, b, it, fmt.Errorf("generate item %s: %w", id, err))
		return
	}
	// Acquire may have waited on a refresh; a cancel during it stops the item here.
	if o.halted(ctx, b) {
		o.fail(ctx, b, it, fmt.Errorf("generate item %s: %w while acquiring credential", id, domain.ErrCancelled))
		return
	}

	if _, err := o.transition(ctx, b, it, StageGenerating, nil); err != nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	start := o.now()
	attempts := 0
	var result domain.GenerationResult

	err = s.Retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if attempt > 1 && o.halted(ctx, b) {
			return fmt.Errorf("%w before attempt %d", domain.ErrCancelled, attempt)
		}

		st := it.setAttempts(attempt, o.now())
		b.publish(Event{ItemID: id, Stage: StageGenerating, Attempt: attempt, At: st.UpdatedAt})
		telemetry.RecordStageEvent(span, string(StageGenerating), attempt)

		if attempt > 1 {
			fresh, err := o.creds.Acquire(ctx, s.acquireOptions()...)
			if err != nil {
				return err
			}
			if o.halted(ctx, b) {
				return fmt.Errorf("%w during attempt %d", domain.ErrCancelled, attempt)
			}
			cred = fresh
		}

		res, err := o.generator.Generate(ctx, cred, req)
		if err != nil {
			if errors.Is(err, domain.ErrCredentialUnavailable) {
				o.creds.Invalidate()
			}
			o.logger.Debug("generation attempt failed",
				"batch_id", b.ID,
				"item_id", id,
				"attempt", attempt,
				"error", err,
			)
			return normalizeUpstream(err)
		}
		if strings.TrimSpace(res.URL) == "" {
			return fmt.Errorf("generation returned no image url: %w", domain.ErrUpstreamEmptyResult)
		}
		result = res
		return nil
	})

	metrics := telemetry.StageMetrics{
		Stage:    string(StageGenerating),
		Duration: o.now().Sub(start),
		Attempts: attempts,
	}
	if err != nil {
		o.fail(ctx, b, it, fmt.Errorf("generate item %s: %w", id, err))
		return
	}

	if _, err := o.transition(ctx, b, it, StageGenerated, func(st *Item) { st.GeneratedURL = result.URL }); err != nil {
		return
	}
	metrics.Outcome = string(StageGenerated)
	telemetry.RecordStageMetrics(ctx, metrics)
}

// admit runs the limiter check and annotates the span on denial.
func (o *Orchestrator) admit(ctx context.Context, feature string, owner domain.Identity, limit governance.Limit) error {
	err := o.limiter.Check(feature, owner.SubjectID, limit)
	var denied *governance.AdmissionDeniedError
	if errors.As(err, &denied) {
		telemetry.RecordAdmissionDenied(trace.SpanFromContext(ctx), feature, denied.RetryAfter)
	}
	return err
}

func (o *Orchestrator) transition(ctx context.Context, b *Batch, it *item, to Stage, mutate func(*Item)) (Item, error) {
	st, err := it.advance(to, o.now(), mutate)
	if err != nil {
		o.logger.Error("pipeline transition rejected",
			"batch_id", b.ID,
			"item_id", it.spec.ID,
			"error", err,
		)
		return st, err
	}
	b.publish(Event{ItemID: st.ID, Stage: to, Attempt: st.Attempts, At: st.UpdatedAt})
	telemetry.RecordStageEvent(trace.SpanFromContext(ctx), string(to), 0)
	return st, nil
}

// fail moves the item to failed from whatever stage it is resting in.
func (o *Orchestrator) fail(ctx context.Context, b *Batch, it *item, cause error) {
	from := it.stage()
	reason := domain.Reason(cause)

	st, err := it.advance(StageFailed, o.now(), func(st *Item) {
		st.LastError = cause.Error()
		st.Reason = reason
	})
	if err != nil {
		o.logger.Error("pipeline transition rejected",
			"batch_id", b.ID,
			"item_id", it.spec.ID,
			"error", err,
		)
		return
	}

	b.publish(Event{ItemID: st.ID, Stage: StageFailed, Attempt: st.Attempts, Reason: reason, Error: st.LastError, At: st.UpdatedAt})

	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(reason))
	telemetry.RecordFailure(span, string(from), string(reason))
	telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
		Stage:    string(from),
		Outcome:  string(StageFailed),
		Reason:   string(reason),
		Attempts: st.Attempts,
	})

	o.logger.Warn("pipeline item failed",
		"batch_id", b.ID,
		"item_id", st.ID,
		"stage", from,
		"reason", reason,
		"attempts", st.Attempts,
		"error", cause,
	)
}

// normalizeUpstream classifies collaborator errors that carry no domain
// sentinel as transport failures.
func normalizeUpstream(err error) error {
	if domain.Reason(err) == domain.ReasonUnknown {
		return fmt.Errorf("%w: %w", domain.ErrUpstreamTransport, err)
	}
	return err
}

// Verdict is an external review decision.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Review applies a human verdict to a generated item. Only the batch owner may
// review, and only items resting in the generated stage.
func (o *Orchestrator) Review(ctx context.Context, b *Batch, itemID string, verdict Verdict) (Item, error) {
	caller := domain.IdentityFromContext(ctx)
	if !caller.IsAuthenticated || caller.SubjectID != b.Owner.SubjectID {
		return Item{}, fmt.Errorf("review item %s: %w", itemID, domain.ErrUnauthorized)
	}

	it, ok := b.index[itemID]
	if !ok {
		return Item{}, fmt.Errorf("item %s in batch %s: %w", itemID, b.ID, domain.ErrNotFound)
	}

	var to Stage
	switch verdict {
	case VerdictAccept:
		to = StageAccepted
	case VerdictReject:
		to = StageRejected
	default:
		return Item{}, fmt.Errorf("%w: unknown verdict %q", domain.ErrInvalidInput, verdict)
	}

	st, err := it.advance(to, o.now(), nil)
	if err != nil {
		return st, err
	}
	b.publish(Event{ItemID: st.ID, Stage: to, Attempt: st.Attempts, At: st.UpdatedAt})
	b.closeIfSettled()

	o.logger.Info("pipeline item reviewed",
		"batch_id", b.ID,
		"item_id", st.ID,
		"verdict", verdict,
	)
	return st, nil
}
