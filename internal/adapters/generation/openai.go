package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// OpenAIConfig configures an OpenAIGenerator.
type OpenAIConfig struct {
	// BaseURL overrides the API root, e.g. for a compatible gateway.
	BaseURL string
	// Model is used when the credential does not name one.
	Model string
}

// OpenAIGenerator drives an OpenAI compatible image endpoint. The credential
// token is used as the API key, so a client is built per call.
type OpenAIGenerator struct {
	baseURL string
	model   string
}

// NewOpenAIGenerator returns a generator with the given defaults.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	model := cfg.Model
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	return &OpenAIGenerator{baseURL: strings.TrimSpace(cfg.BaseURL), model: model}
}

// Generate implements domain.Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, cred domain.Credential, req domain.GenerationRequest) (domain.GenerationResult, error) {
	clientConfig := openai.DefaultConfig(cred.Token)
	if g.baseURL != "" {
		clientConfig.BaseURL = g.baseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	model := cred.Model
	if model == "" {
		model = g.model
	}
	size := req.Size
	if size.IsZero() {
		size = domain.DefaultSize
	}

	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         foldPrompt(req),
		Model:          model,
		N:              1,
		Size:           size.String(),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return domain.GenerationResult{}, mapOpenAIError(ctx, err)
	}
	if len(resp.Data) == 0 {
		return domain.GenerationResult{}, nil
	}
	return domain.GenerationResult{URL: strings.TrimSpace(resp.Data[0].URL)}, nil
}

// foldPrompt merges the negative prompt and reference into the prompt text,
// since the image endpoint takes a single prompt.
func foldPrompt(req domain.GenerationRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if req.ReferenceURL != "" {
		b.WriteString(". Reference photo: ")
		b.WriteString(req.ReferenceURL)
	}
	if neg := strings.TrimSpace(req.NegativePrompt); neg != "" {
		b.WriteString(". Avoid: ")
		b.WriteString(neg)
	}
	return b.String()
}

func mapOpenAIError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if mapped := statusError(apiErr.HTTPStatusCode, apiErr.Message); mapped != nil {
			return mapped
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if mapped := statusError(reqErr.HTTPStatusCode, reqErr.Error()); mapped != nil {
			return mapped
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstreamTransport, err)
}
