package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures an HTTPGenerator.
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPGenerator posts generation requests as JSON to a single endpoint,
// authenticating with the credential token and scoping the call to the
// credential's project, region and model.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGenerator builds a generator for endpoint.
func NewHTTPGenerator(cfg HTTPConfig) (*HTTPGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("generation endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPGenerator{endpoint: endpoint, client: client}, nil
}

type httpRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	ReferenceURL   string `json:"referenceUrl,omitempty"`
	Project        string `json:"project"`
	Region         string `json:"region"`
	Model          string `json:"model"`
}

type httpResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// Generate implements domain.Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, cred domain.Credential, req domain.GenerationRequest) (domain.GenerationResult, error) {
	size := req.Size
	if size.IsZero() {
		size = domain.DefaultSize
	}
	body, err := json.Marshal(httpRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          size.Width,
		Height:         size.Height,
		ReferenceURL:   req.ReferenceURL,
		Project:        cred.Project,
		Region:         cred.Region,
		Model:          cred.Model,
	})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: encode request: %w", domain.ErrInvalidInput, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: build request: %w", domain.ErrUpstreamTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.GenerationResult{}, ctxErr
		}
		return domain.GenerationResult{}, fmt.Errorf("%w: %w", domain.ErrUpstreamTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: read body: %w", domain.ErrUpstreamTransport, err)
	}

	var payload httpResponse
	decodeErr := json.Unmarshal(raw, &payload)

	if err := statusError(resp.StatusCode, payload.Error); err != nil {
		return domain.GenerationResult{}, err
	}
	if decodeErr != nil {
		return domain.GenerationResult{}, fmt.Errorf("%w: decode response: %w", domain.ErrUpstreamTransport, decodeErr)
	}
	return domain.GenerationResult{URL: strings.TrimSpace(payload.URL)}, nil
}
