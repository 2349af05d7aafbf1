package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

const maxPayloadBytes = 64 << 10

// HTTPIssuer fetches credentials from a token endpoint that answers with
//
//	{"token": "...", "expiresAt": 1700000000000, "project": "...", "region": "...", "model": "..."}
//
// where expiresAt is a Unix timestamp in milliseconds.
type HTTPIssuer struct {
	endpoint   string
	serviceKey string
	client     *http.Client
}

// HTTPIssuerConfig configures an HTTPIssuer.
type HTTPIssuerConfig struct {
	Endpoint   string
	ServiceKey string
	Timeout    time.Duration
	Client     *http.Client
}

// NewHTTPIssuer builds an issuer for the given endpoint.
func NewHTTPIssuer(cfg HTTPIssuerConfig) (*HTTPIssuer, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("credential issuer endpoint is required")
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &HTTPIssuer{
		endpoint:   endpoint,
		serviceKey: cfg.ServiceKey,
		client:     client,
	}, nil
}

type issuerPayload struct {
	Token     string      `json:"token"`
	ExpiresAt json.Number `json:"expiresAt"`
	Project   string      `json:"project"`
	Region    string      `json:"region"`
	Model     string      `json:"model"`
}

// Issue implements domain.CredentialIssuer.
func (i *HTTPIssuer) Issue(ctx context.Context) (domain.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, nil)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: build request: %w", ErrCredentialTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if i.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.serviceKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", ErrCredentialTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayloadBytes))
		return domain.Credential{}, fmt.Errorf("%w: issuer answered %d", ErrCredentialTransport, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: read body: %w", ErrCredentialTransport, err)
	}

	return ParsePayload(body)
}

// ParsePayload decodes and shape-checks an issuer response body.
func ParsePayload(body []byte) (domain.Credential, error) {
	var payload issuerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", ErrCredentialPayload, err)
	}

	fields := map[string]string{
		"token":   payload.Token,
		"project": payload.Project,
		"region":  payload.Region,
		"model":   payload.Model,
	}
	for _, name := range []string{"token", "project", "region", "model"} {
		if strings.TrimSpace(fields[name]) == "" {
			return domain.Credential{}, fmt.Errorf("%w: %s must be a non-empty string", ErrCredentialPayload, name)
		}
	}

	if payload.ExpiresAt == "" {
		return domain.Credential{}, fmt.Errorf("%w: expiresAt is required", ErrCredentialPayload)
	}
	expiresMS, err := payload.ExpiresAt.Int64()
	if err != nil || expiresMS <= 0 {
		return domain.Credential{}, fmt.Errorf("%w: expiresAt must be a positive integer", ErrCredentialPayload)
	}

	return domain.Credential{
		Token:     payload.Token,
		ExpiresAt: time.UnixMilli(expiresMS),
		Project:   payload.Project,
		Region:    payload.Region,
		Model:     payload.Model,
	}, nil
}
