package generation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

type scriptedGenerator struct {
	calls int
	errs  []error
}

func (g *scriptedGenerator) Generate(context.Context, domain.Credential, domain.GenerationRequest) (domain.GenerationResult, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return domain.GenerationResult{}, g.errs[i]
	}
	return domain.GenerationResult{URL: "https://img.example/out.png"}, nil
}

func TestGuardedFailsFastWhileOpen(t *testing.T) {
	outage := fmt.Errorf("status 503: %w", domain.ErrUpstreamTransport)
	next := &scriptedGenerator{errs: []error{outage, outage}}
	g := NewGuarded(next, governance.NewBreaker(governance.BreakerConfig{Failures: 2, Cooldown: time.Hour}))

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), cred, domain.GenerationRequest{Prompt: "p"})
		require.ErrorIs(t, err, domain.ErrUpstreamTransport)
	}

	_, err := g.Generate(context.Background(), cred, domain.GenerationRequest{Prompt: "p"})
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.Equal(t, domain.ReasonUpstreamTransport, domain.Reason(err))
	assert.Equal(t, 2, next.calls, "open breaker must not reach the upstream")
}

func TestGuardedPassesResults(t *testing.T) {
	next := &scriptedGenerator{}
	g := NewGuarded(next, governance.NewBreaker(governance.BreakerConfig{Failures: 1}))

	res, err := g.Generate(context.Background(), cred, domain.GenerationRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/out.png", res.URL)
}
