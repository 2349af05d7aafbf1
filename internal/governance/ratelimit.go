package governance

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

const (
	// DefaultRequests is the default number of admissions per window.
	DefaultRequests = 20
	// DefaultWindow is the default sliding window length.
	DefaultWindow = 60 * time.Second
)

// Limit defines how many admissions a key may receive within Window.
// Zero fields fall back to the limiter defaults.
type Limit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// DefaultLimit returns the built-in admission policy.
func DefaultLimit() Limit {
	return Limit{Requests: DefaultRequests, Window: DefaultWindow}
}

// AdmissionDeniedError is returned when a key has exhausted its window.
type AdmissionDeniedError struct {
	Feature    string
	Key        string
	Limit      Limit
	RetryAfter time.Duration
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied for %s: %d requests per %s exceeded", e.Feature, e.Limit.Requests, e.Limit.Window)
}

// Unwrap lets callers match the denial with domain.ErrRateLimited.
func (e *AdmissionDeniedError) Unwrap() error {
	return domain.ErrRateLimited
}

// AdmissionRecorder observes limiter outcomes. Implementations must be safe for
// concurrent use.
type AdmissionRecorder interface {
	RecordAdmission(feature string, admitted bool)
}

// AdmissionLimiter implements a sliding-window admission check per key.
//
// Each key keeps an ordered log of admission timestamps. A check prunes entries
// that have aged out of the window and admits only while the remaining count is
// below the limit. Checks never block or queue.
type AdmissionLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*admissionLog
	defaults Limit
	now      func() time.Time
	recorder AdmissionRecorder
}

// AdmissionOption customises an AdmissionLimiter.
type AdmissionOption func(*AdmissionLimiter)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) AdmissionOption {
	return func(l *AdmissionLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithDefaultLimit overrides the limit applied when a check passes a zero Limit.
func WithDefaultLimit(limit Limit) AdmissionOption {
	return func(l *AdmissionLimiter) {
		l.defaults = normalizeLimit(limit, DefaultLimit())
	}
}

// WithRecorder attaches an outcome recorder.
func WithRecorder(recorder AdmissionRecorder) AdmissionOption {
	return func(l *AdmissionLimiter) {
		l.recorder = recorder
	}
}

// NewAdmissionLimiter creates a limiter with the default 20 requests per minute policy.
func NewAdmissionLimiter(opts ...AdmissionOption) *AdmissionLimiter {
	l := &AdmissionLimiter{
		buckets:  make(map[string]*admissionLog),
		defaults: DefaultLimit(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetDefaults replaces the default limit at runtime. Existing logs are kept.
func (l *AdmissionLimiter) SetDefaults(limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaults = normalizeLimit(limit, DefaultLimit())
}

// Defaults returns the limit applied to zero-valued checks.
func (l *AdmissionLimiter) Defaults() Limit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.defaults
}

// Key builds the bucket key for a feature and subject, e.g. "generate:user-1".
func Key(feature, subject string) string {
	return feature + ":" + subject
}

// Check admits or rejects one attempt for feature on behalf of subject.
// It returns nil on admission and an *AdmissionDeniedError otherwise.
func (l *AdmissionLimiter) Check(feature, subject string, limit Limit) error {
	key := Key(feature, subject)

	l.mu.RLock()
	limit = normalizeLimit(limit, l.defaults)
	l.mu.RUnlock()

	var (
		retryAfter time.Duration
		admitted   bool
	)
	for {
		var live bool
		retryAfter, admitted, live = l.bucket(key).admit(l.now(), limit)
		if live {
			break
		}
		// Sweep evicted the log between lookup and admission; use the new one.
	}

	if l.recorder != nil {
		l.recorder.RecordAdmission(feature, admitted)
	}
	if admitted {
		return nil
	}

	return &AdmissionDeniedError{
		Feature:    feature,
		Key:        key,
		Limit:      limit,
		RetryAfter: retryAfter,
	}
}

// bucket returns the log for key, creating it when missing.
func (l *AdmissionLimiter) bucket(key string) *admissionLog {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, exists = l.buckets[key]; !exists {
		bucket = &admissionLog{}
		l.buckets[key] = bucket
	}
	return bucket
}

// Sweep evicts keys whose logs have fully aged out of the last window they
// were checked with. It returns the number of evicted keys.
func (l *AdmissionLimiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, bucket := range l.buckets {
		if bucket.evictIfIdle(now) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (l *AdmissionLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Stats returns the current state of a key, pruned against its last window.
func (l *AdmissionLimiter) Stats(feature, subject string) AdmissionStats {
	key := Key(feature, subject)

	l.mu.RLock()
	bucket, exists := l.buckets[key]
	defaults := l.defaults
	l.mu.RUnlock()

	if !exists {
		return AdmissionStats{Key: key, Limit: defaults, Remaining: defaults.Requests}
	}
	return bucket.stats(key, l.now())
}

// AdmissionStats exposes the current state of one admission log.
type AdmissionStats struct {
	Key       string    `json:"key"`
	Limit     Limit     `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// admissionLog is the ordered timestamp log of a single key.
type admissionLog struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastLimit  Limit
	// evicted is set once Sweep has removed the log from the map. An evicted
	// log accepts no admissions.
	evicted bool
}

// admit records an attempt. live is false when the log was evicted, in which
// case nothing was recorded and the caller must look the key up again.
func (b *admissionLog) admit(now time.Time, limit Limit) (retryAfter time.Duration, admitted, live bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.evicted {
		return 0, false, false
	}
	b.lastLimit = limit
	b.prune(now, limit.Window)

	if len(b.timestamps) < limit.Requests {
		b.timestamps = append(b.timestamps, now)
		return 0, true, true
	}

	retryAfter = b.timestamps[0].Add(limit.Window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return retryAfter, false, true
}

// prune drops timestamps that are at least one window old. The log is ordered,
// so only a prefix can expire.
func (b *admissionLog) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(b.timestamps) && now.Sub(b.timestamps[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return
	}
	b.timestamps = append(b.timestamps[:0], b.timestamps[cut:]...)
}

// evictIfIdle marks the log evicted when every entry has aged out. The caller
// holds the limiter's write lock and removes the key.
func (b *admissionLog) evictIfIdle(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now, b.lastLimit.Window)
	if len(b.timestamps) > 0 {
		return false
	}
	b.evicted = true
	return true
}

func (b *admissionLog) stats(key string, now time.Time) AdmissionStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now, b.lastLimit.Window)

	stats := AdmissionStats{
		Key:       key,
		Limit:     b.lastLimit,
		Used:      len(b.timestamps),
		Remaining: b.lastLimit.Requests - len(b.timestamps),
		ResetAt:   now,
	}
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	if len(b.timestamps) > 0 {
		stats.ResetAt = b.timestamps[0].Add(b.lastLimit.Window)
	}
	return stats
}

func normalizeLimit(limit, fallback Limit) Limit {
	if limit.Requests <= 0 {
		limit.Requests = fallback.Requests
	}
	if limit.Window <= 0 {
		limit.Window = fallback.Window
	}
	return limit
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}

// WriteRetryAfter sets Retry-After (whole seconds, rounded up) for a denial.
func WriteRetryAfter(w http.ResponseWriter, denied *AdmissionDeniedError) {
	seconds := int((denied.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
