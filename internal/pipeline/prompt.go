package pipeline

import "strings"

// photoQualifiers are appended to every prompt so results read as listing
// photography rather than renders.
var photoQualifiers = []string{
	"professional real estate photography",
	"natural daylight",
	"wide-angle interior perspective",
	"straight vertical lines",
	"high dynamic range",
	"sharp focus",
	"photorealistic",
}

// DefaultNegativePrompt is supplied when the caller gives none.
const DefaultNegativePrompt = "blurry, distorted, warped walls, fisheye distortion, people, person, animals, " +
	"text, watermark, logo, signature, low resolution, noise, oversaturated, cartoon, illustration, 3d render"

// EnhancePrompt appends the fixed photography qualifiers to a user prompt.
// Qualifiers the user already wrote are not repeated.
func EnhancePrompt(raw string) string {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)

	parts := make([]string, 0, len(photoQualifiers)+1)
	if raw != "" {
		parts = append(parts, raw)
	}
	for _, q := range photoQualifiers {
		if strings.Contains(lower, q) {
			continue
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, ", ")
}

// NegativePromptOrDefault returns the caller's negative prompt, or the default
// baseline when it is blank.
func NegativePromptOrDefault(negative string) string {
	if s := strings.TrimSpace(negative); s != "" {
		return s
	}
	return DefaultNegativePrompt
}
