package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubIssuer hands out credentials valid for ttl from the clock, optionally
// blocking until released.
type stubIssuer struct {
	clock   *fakeClock
	ttl     time.Duration
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
	err     error
	payload *domain.Credential
}

func (s *stubIssuer) Issue(ctx context.Context) (domain.Credential, error) {
	n := s.calls.Add(1)
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return domain.Credential{}, s.err
	}
	if s.payload != nil {
		return *s.payload, nil
	}
	return domain.Credential{
		Token:     fmt.Sprintf("token-%d", n),
		ExpiresAt: s.clock.Now().Add(s.ttl),
		Project:   "lumina",
		Region:    "europe-west4",
		Model:     "imagen",
	}, nil
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func TestAcquireConcurrentCallersShareOneRefresh(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{
		clock:   clock,
		ttl:     time.Hour,
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	cache := NewCache(issuer, WithClock(clock.Now))

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := cache.Acquire(context.Background())
			tokens[i], errs[i] = cred.Token, err
		}(i)
	}

	<-issuer.entered
	time.Sleep(20 * time.Millisecond)
	close(issuer.release)
	wg.Wait()

	assert.Equal(t, int32(1), issuer.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "token-1", tokens[i])
	}
}

func TestAcquireConcurrentCallersShareFailure(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{
		clock:   clock,
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
		err:     fmt.Errorf("%w: connection refused", ErrCredentialTransport),
	}
	cache := NewCache(issuer, WithClock(clock.Now))

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Acquire(context.Background())
		}(i)
	}

	<-issuer.entered
	time.Sleep(20 * time.Millisecond)
	close(issuer.release)
	wg.Wait()

	assert.Equal(t, int32(1), issuer.calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrCredentialUnavailable)
		assert.ErrorIs(t, err, ErrCredentialTransport)
	}
	_, cached := cache.Current()
	assert.False(t, cached)
}

func TestAcquireSafetyWindow(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{clock: clock, ttl: 150 * time.Second}
	cache := NewCache(issuer, WithClock(clock.Now), WithDefaultSafetyWindow(60*time.Second))

	first, err := cache.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", first.Token)

	// 120s remaining: served from cache.
	clock.Advance(30 * time.Second)
	cred, err := cache.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", cred.Token)
	assert.Equal(t, int32(1), issuer.calls.Load())

	// 30s remaining: inside the safety window, refreshed.
	clock.Advance(90 * time.Second)
	cred, err = cache.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", cred.Token)
	assert.Equal(t, int32(2), issuer.calls.Load())
}

func TestAcquirePerCallOverrides(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{clock: clock, ttl: 10 * time.Minute}
	cache := NewCache(issuer, WithClock(clock.Now))

	_, err := cache.Acquire(context.Background())
	require.NoError(t, err)

	cred, err := cache.Acquire(context.Background(), WithForceRefresh())
	require.NoError(t, err)
	assert.Equal(t, "token-2", cred.Token)

	clock.Advance(2 * time.Minute)
	cred, err = cache.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", cred.Token, "8m left is fresh under the default window")

	cred, err = cache.Acquire(context.Background(), WithSafetyWindow(9*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "token-3", cred.Token)
}

func TestAcquireWiderWindowNeverServesShortCredential(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{clock: clock, ttl: 90 * time.Second}
	cache := NewCache(issuer, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		cred, err := cache.Acquire(context.Background(), WithSafetyWindow(2*time.Minute))
		assert.ErrorIs(t, err, ErrCredentialPayload)
		assert.ErrorIs(t, err, domain.ErrCredentialUnavailable)
		assert.Empty(t, cred.Token)
	}
	_, ok := cache.Current()
	assert.False(t, ok, "a credential failing the requested window is not stored")

	issuer.ttl = 10 * time.Minute
	cred, err := cache.Acquire(context.Background(), WithSafetyWindow(2*time.Minute))
	require.NoError(t, err)
	calls := issuer.calls.Load()

	again, err := cache.Acquire(context.Background(), WithSafetyWindow(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, cred.Token, again.Token)
	assert.Equal(t, calls, issuer.calls.Load(), "fresh credential is served from cache")
}

func TestAcquireJoinedRefreshRecheckedPerCaller(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{
		clock:   clock,
		ttl:     90 * time.Second,
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	cache := NewCache(issuer, WithClock(clock.Now))

	narrow := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(context.Background())
		narrow <- err
	}()
	<-issuer.entered

	wide := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(context.Background(), WithSafetyWindow(2*time.Minute))
		wide <- err
	}()
	// Give the second caller time to join the in-flight refresh.
	time.Sleep(20 * time.Millisecond)
	close(issuer.release)

	require.NoError(t, <-narrow)
	err := <-wide
	assert.ErrorIs(t, err, ErrCredentialPayload)
	assert.ErrorIs(t, err, domain.ErrCredentialUnavailable)
}

func TestAcquireInvalidPayloadLeavesCacheUnchanged(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{clock: clock, ttl: 5 * time.Minute}
	cache := NewCache(issuer, WithClock(clock.Now))

	good, err := cache.Acquire(context.Background())
	require.NoError(t, err)

	clock.Advance(4*time.Minute + 30*time.Second)
	issuer.payload = &domain.Credential{Token: "bad", ExpiresAt: clock.Now().Add(time.Hour)}

	_, err = cache.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrCredentialPayload)
	assert.ErrorIs(t, err, domain.ErrCredentialUnavailable)

	current, ok := cache.Current()
	require.True(t, ok)
	assert.Equal(t, good, current)

	// The failed refresh is not remembered; the next call tries again.
	_, _ = cache.Acquire(context.Background())
	assert.Equal(t, int32(3), issuer.calls.Load())
}

func TestAcquireRejectsCredentialInsideSafetyWindow(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{clock: clock, ttl: 10 * time.Second}
	cache := NewCache(issuer, WithClock(clock.Now))

	_, err := cache.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrCredentialPayload)
}

func TestAcquireWaiterContextCancelled(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{
		clock:   clock,
		ttl:     time.Hour,
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	cache := NewCache(issuer, WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(ctx)
		done <- err
	}()

	<-issuer.entered
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	// The shared refresh still completes and populates the cache.
	close(issuer.release)
	require.Eventually(t, func() bool {
		_, ok := cache.Current()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	clock := newClock()
	issuer := &stubIssuer{clock: clock, ttl: time.Hour}
	cache := NewCache(issuer, WithClock(clock.Now))

	_, err := cache.Acquire(context.Background())
	require.NoError(t, err)
	cache.Invalidate()

	cred, err := cache.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", cred.Token)
}
