// Package generation talks to external image generation services.
package generation

import (
	"fmt"
	"net/http"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// statusError classifies a non-2xx upstream status. A 401 means the
// credential was rejected, so the caller should invalidate and retry with a
// fresh one. Throttling, timeouts and server faults are transient. Every
// other 4xx blames the request.
func statusError(status int, detail string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: upstream rejected credential: %s", domain.ErrCredentialUnavailable, detail)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("%w: upstream answered %d: %s", domain.ErrUpstreamTransport, status, detail)
	case status >= 400:
		return fmt.Errorf("%w: upstream answered %d: %s", domain.ErrInvalidInput, status, detail)
	default:
		return fmt.Errorf("%w: unexpected upstream status %d", domain.ErrUpstreamTransport, status)
	}
}
