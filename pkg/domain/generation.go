package domain

import (
	"context"
	"fmt"
)

// SizeSpec is the requested output resolution.
type SizeSpec struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// DefaultSize is used when a batch does not request a size.
var DefaultSize = SizeSpec{Width: 1024, Height: 1024}

// IsZero reports whether no size was requested.
func (s SizeSpec) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

// String renders the size as WIDTHxHEIGHT.
func (s SizeSpec) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// GenerationRequest is a single call to the generation service.
type GenerationRequest struct {
	Prompt         string
	NegativePrompt string
	Size           SizeSpec
	// ReferenceURL points at the uploaded source image.
	ReferenceURL string
}

// GenerationResult carries the generated image location.
type GenerationResult struct {
	URL string
}

// Generator calls the external generation service.
//
// Implementations wrap transport failures with ErrUpstreamTransport, caller
// mistakes with ErrInvalidInput, and may return an empty result; the caller
// decides what an empty result means.
type Generator interface {
	Generate(ctx context.Context, cred Credential, req GenerationRequest) (GenerationResult, error)
}
