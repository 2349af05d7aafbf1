package generation

import (
	"context"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// Guarded wraps a generator with a circuit breaker. While the breaker is open
// calls fail fast with governance.ErrCircuitOpen, which the retry policy
// treats as a transport failure.
type Guarded struct {
	next    domain.Generator
	breaker *governance.Breaker
}

// NewGuarded returns next guarded by breaker.
func NewGuarded(next domain.Generator, breaker *governance.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Generate implements domain.Generator.
func (g *Guarded) Generate(ctx context.Context, cred domain.Credential, req domain.GenerationRequest) (domain.GenerationResult, error) {
	if err := g.breaker.Allow(); err != nil {
		return domain.GenerationResult{}, err
	}
	res, err := g.next.Generate(ctx, cred, req)
	g.breaker.Done(err)
	return res, err
}
