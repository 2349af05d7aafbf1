// Package credential caches the single upstream credential shared by every
// caller in the process and refreshes it before it expires.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// DefaultSafetyWindow is how long before expiry a credential stops being served.
const DefaultSafetyWindow = 60 * time.Second

const refreshKey = "credential"

var (
	// ErrCredentialTransport reports that the issuer could not be reached or answered with an error status.
	ErrCredentialTransport = errors.New("credential issuer transport failure")
	// ErrCredentialPayload reports that the issuer answered with an unusable payload.
	ErrCredentialPayload = errors.New("credential payload invalid")
)

// RefreshRecorder observes cache activity. Implementations must be safe for concurrent use.
type RefreshRecorder interface {
	RecordCredentialHit()
	RecordCredentialRefresh(success bool)
}

// Cache holds one credential and deduplicates concurrent refreshes: however
// many callers find the credential stale, only one issuer call is outstanding.
type Cache struct {
	issuer       domain.CredentialIssuer
	safetyWindow time.Duration
	now          func() time.Time
	logger       *slog.Logger
	recorder     RefreshRecorder

	current atomic.Pointer[domain.Credential]
	group   singleflight.Group
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultSafetyWindow sets the window used when Acquire is not given one.
func WithDefaultSafetyWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.safetyWindow = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder RefreshRecorder) Option {
	return func(c *Cache) {
		c.recorder = recorder
	}
}

// NewCache creates an empty cache backed by issuer.
func NewCache(issuer domain.CredentialIssuer, opts ...Option) *Cache {
	c := &Cache{
		issuer:       issuer,
		safetyWindow: DefaultSafetyWindow,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type acquireOptions struct {
	force        bool
	safetyWindow time.Duration
}

// AcquireOption customises a single Acquire call.
type AcquireOption func(*acquireOptions)

// WithForceRefresh skips the cached credential.
func WithForceRefresh() AcquireOption {
	return func(o *acquireOptions) { o.force = true }
}

// WithSafetyWindow overrides the safety window for one call.
func WithSafetyWindow(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d > 0 {
			o.safetyWindow = d
		}
	}
}

// Acquire returns a credential that stays valid for longer than the safety
// window. A fresh cached credential is returned without suspension. Otherwise
// the caller joins the in-flight refresh, starting one if none is running, and
// receives its result. A caller whose context ends stops waiting; the shared
// refresh keeps going for the others.
func (c *Cache) Acquire(ctx context.Context, opts ...AcquireOption) (domain.Credential, error) {
	o := acquireOptions{safetyWindow: c.safetyWindow}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.force {
		if cred := c.current.Load(); cred != nil && cred.FreshFor(c.now(), o.safetyWindow) {
			if c.recorder != nil {
				c.recorder.RecordCredentialHit()
			}
			return *cred, nil
		}
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), o.safetyWindow)
	})

	select {
	case <-ctx.Done():
		return domain.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		cred := res.Val.(domain.Credential)
		// A joined refresh was validated against its starter's window, which
		// may be narrower than this caller's.
		if !cred.FreshFor(c.now(), o.safetyWindow) {
			return domain.Credential{}, fmt.Errorf("%w: %w: credential expires within the %s safety window",
				domain.ErrCredentialUnavailable, ErrCredentialPayload, o.safetyWindow)
		}
		return cred, nil
	}
}

// Current returns the cached credential without refreshing it.
func (c *Cache) Current() (domain.Credential, bool) {
	cred := c.current.Load()
	if cred == nil {
		return domain.Credential{}, false
	}
	return *cred, true
}

// Invalidate drops the cached credential so the next Acquire refreshes.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}

func (c *Cache) refresh(ctx context.Context, window time.Duration) (domain.Credential, error) {
	started := c.now()
	cred, err := c.issuer.Issue(ctx)
	if err == nil {
		err = c.validate(cred, window)
	}
	if c.recorder != nil {
		c.recorder.RecordCredentialRefresh(err == nil)
	}
	if err != nil {
		c.logger.Warn("Credential refresh failed", "error", err)
		return domain.Credential{}, fmt.Errorf("%w: %w", domain.ErrCredentialUnavailable, err)
	}

	c.current.Store(&cred)
	c.logger.Debug("Credential refreshed",
		"project", cred.Project,
		"region", cred.Region,
		"model", cred.Model,
		"expires_at", cred.ExpiresAt,
		"duration", c.now().Sub(started),
	)
	return cred, nil
}

func (c *Cache) validate(cred domain.Credential, window time.Duration) error {
	switch {
	case cred.Token == "":
		return fmt.Errorf("%w: token is empty", ErrCredentialPayload)
	case cred.Project == "":
		return fmt.Errorf("%w: project is empty", ErrCredentialPayload)
	case cred.Region == "":
		return fmt.Errorf("%w: region is empty", ErrCredentialPayload)
	case cred.Model == "":
		return fmt.Errorf("%w: model is empty", ErrCredentialPayload)
	case cred.ExpiresAt.IsZero():
		return fmt.Errorf("%w: expiry is missing", ErrCredentialPayload)
	case !cred.FreshFor(c.now(), window):
		return fmt.Errorf("%w: credential expires within the %s safety window", ErrCredentialPayload, window)
	}
	return nil
}
