package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/pipeline"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

type imagePayload struct {
	// Data is the base64 (standard encoding) image body.
	Data        string `json:"data"`
	ContentType string `json:"contentType"`
}

type itemPayload struct {
	ID             string        `json:"id"`
	Prompt         string        `json:"prompt"`
	NegativePrompt string        `json:"negativePrompt"`
	Image          *imagePayload `json:"image,omitempty"`
	ImageURL       string        `json:"imageUrl,omitempty"`
}

type submitRequest struct {
	Concurrency int             `json:"concurrency"`
	Size        domain.SizeSpec `json:"size"`
	Items       []itemPayload   `json:"items"`
}

type reviewRequest struct {
	Verdict pipeline.Verdict `json:"verdict"`
}

func (p itemPayload) spec() (pipeline.ItemSpec, error) {
	spec := pipeline.ItemSpec{
		ID:             p.ID,
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
	}
	switch {
	case p.Image != nil && p.ImageURL != "":
		return spec, fmt.Errorf("%w: item %q sets both image and imageUrl", domain.ErrInvalidInput, p.ID)
	case p.Image != nil:
		data, err := base64.StdEncoding.DecodeString(p.Image.Data)
		if err != nil {
			return spec, fmt.Errorf("%w: item %q image is not valid base64", domain.ErrInvalidInput, p.ID)
		}
		spec.Source = pipeline.Source{Data: data, ContentType: p.Image.ContentType}
	case p.ImageURL != "":
		spec.Source = pipeline.Source{URL: p.ImageURL}
	default:
		return spec, fmt.Errorf("%w: item %q has no image", domain.ErrInvalidInput, p.ID)
	}
	return spec, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller := domain.IdentityFromContext(r.Context())

	if err := s.limiter.Check(FeatureSubmit, caller.SubjectID, s.limiter.Defaults()); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{
				Code:    string(domain.ReasonInvalidInput),
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				TraceID: traceID(r.Context()),
			})
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: decode request: %w", domain.ErrInvalidInput, err))
		return
	}

	specs := make([]pipeline.ItemSpec, 0, len(req.Items))
	for _, p := range req.Items {
		spec, err := p.spec()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		specs = append(specs, spec)
	}

	b, err := s.registry.Submit(r.Context(), caller, specs, pipeline.BatchOptions{
		Concurrency: req.Concurrency,
		Size:        req.Size,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stats := s.limiter.Stats(pipeline.FeatureGenerate, caller.SubjectID)
	reset := stats.ResetAt
	if reset.IsZero() {
		reset = time.Now()
	}
	governance.WriteRateLimitHeaders(w, stats.Limit.Requests, stats.Remaining, reset)
	w.Header().Set("Location", "/v1/batches/"+b.ID)
	writeJSON(w, http.StatusAccepted, b.Snapshot())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.ownedBatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	b, err := s.ownedBatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.Cancel(b.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b.Snapshot())
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	b, err := s.ownedBatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: decode review: %w", domain.ErrInvalidInput, err))
		return
	}
	req.Verdict = pipeline.Verdict(strings.ToLower(strings.TrimSpace(string(req.Verdict))))

	it, err := s.registry.Review(r.Context(), b.ID, r.PathValue("item"), req.Verdict)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}
