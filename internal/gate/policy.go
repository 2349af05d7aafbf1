package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultQuery = "data.lumina.gate.allow"

// RegoOptions control construction of a RegoPolicy.
type RegoOptions struct {
	// Query is the decision path, e.g. "data.lumina.gate.allow".
	Query string
	// Modules maps module names to Rego source.
	Modules map[string]string
}

// RegoPolicy evaluates side-effect requests against an embedded OPA query that
// must produce a boolean. Input documents look like:
//
//	{"source": "pipeline", "effect": "generate_image", "subject": "user-1", "authenticated": true}
type RegoPolicy struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicy compiles the modules and prepares the query.
func NewRegoPolicy(ctx context.Context, opts RegoOptions) (*RegoPolicy, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego policy requires at least one module")
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = defaultQuery
	}

	regoOpts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range opts.Modules {
		regoOpts = append(regoOpts, rego.Module(name, src))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return &RegoPolicy{query: prepared}, nil
}

// LoadRegoPolicy reads a single Rego file from disk.
func LoadRegoPolicy(ctx context.Context, path, query string) (*RegoPolicy, error) {
	//nolint:gosec // Policy path is controlled by the operator
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rego policy %s: %w", path, err)
	}
	return NewRegoPolicy(ctx, RegoOptions{Query: query, Modules: map[string]string{path: string(src)}})
}

// Allow implements Policy. An undefined result denies.
func (p *RegoPolicy) Allow(ctx context.Context, req Request) (bool, error) {
	input := map[string]any{
		"source":        req.Source,
		"effect":        string(req.Effect),
		"subject":       req.Identity.SubjectID,
		"authenticated": req.Identity.IsAuthenticated,
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("opa decision: expected boolean, got %T", results[0].Expressions[0].Value)
	}
	return allowed, nil
}
