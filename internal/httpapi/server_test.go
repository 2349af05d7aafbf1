package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/adapters/identity"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/adapters/objectstore"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/credential"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/gate"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/pipeline"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/retention"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/telemetry"
)

type issuerFunc func(ctx context.Context) (domain.Credential, error)

func (f issuerFunc) Issue(ctx context.Context) (domain.Credential, error) { return f(ctx) }

type stubGenerator struct {
	calls atomic.Int32
}

func (g *stubGenerator) Generate(context.Context, domain.Credential, domain.GenerationRequest) (domain.GenerationResult, error) {
	n := g.calls.Add(1)
	return domain.GenerationResult{URL: "https://img.example/" + string(rune('a'+n-1)) + ".png"}, nil
}

type env struct {
	srv      *httptest.Server
	tokens   *identity.JWTProvider
	limiter  *governance.AdmissionLimiter
	metrics  *telemetry.Collectors
	registry *pipeline.Registry
}

func newEnv(t *testing.T, limit governance.Limit) *env {
	t.Helper()

	metrics := telemetry.NewCollectors()
	limiter := governance.NewAdmissionLimiter(
		governance.WithDefaultLimit(limit),
		governance.WithRecorder(metrics),
	)
	store, err := objectstore.NewFileStore(objectstore.FileStoreConfig{
		Root:          filepath.Join(t.TempDir(), "objects"),
		PublicBaseURL: "https://cdn.example/objects/",
	})
	require.NoError(t, err)

	creds := credential.NewCache(issuerFunc(func(context.Context) (domain.Credential, error) {
		return domain.Credential{
			Token:     "tok",
			ExpiresAt: time.Now().Add(time.Hour),
			Project:   "p",
			Region:    "r",
			Model:     "m",
		}, nil
	}))

	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		Limiter:     limiter,
		Gate:        gate.New(true, false, gate.WithRecorder(metrics)),
		Credentials: creds,
		Store:       store,
		Generator:   &stubGenerator{},
	})
	require.NoError(t, err)
	registry := pipeline.NewRegistry(orch, retention.Default())

	tokens, err := identity.NewJWTProvider(identity.JWTConfig{Secret: []byte("api-test-secret")})
	require.NoError(t, err)

	api, err := New(Config{
		Registry: registry,
		Identity: tokens,
		Limiter:  limiter,
		Objects:  store.Handler(),
		Metrics:  metrics,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return &env{srv: srv, tokens: tokens, limiter: limiter, metrics: metrics, registry: registry}
}

func (e *env) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := e.tokens.Issue(subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitBody(n int) map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"prompt": "bright living room",
			"image": map[string]any{
				"data":        base64.StdEncoding.EncodeToString([]byte("\x89PNG test")),
				"contentType": "image/png",
			},
		}
	}
	return map[string]any{"items": items}
}

func waitSettled(t *testing.T, e *env, id string) {
	t.Helper()
	b, err := e.registry.Get(id)
	require.NoError(t, err)
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequiresBearerToken(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())

	resp := e.do(t, http.MethodPost, "/v1/batches", "", submitBody(1))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	body := decode[domain.ErrorResponse](t, resp)
	assert.Equal(t, "Unauthorized", body.Code)

	resp = e.do(t, http.MethodGet, "/v1/batches/x", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitPollAndReview(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())
	tok := e.token(t, "user-1")

	resp := e.do(t, http.MethodPost, "/v1/batches", tok, submitBody(2))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	snap := decode[pipeline.Snapshot](t, resp)
	assert.Equal(t, "/v1/batches/"+snap.ID, resp.Header.Get("Location"))
	require.Len(t, snap.Items, 2)

	waitSettled(t, e, snap.ID)

	resp = e.do(t, http.MethodGet, "/v1/batches/"+snap.ID, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap = decode[pipeline.Snapshot](t, resp)
	assert.Equal(t, 2, snap.Summary.Completed)
	for _, it := range snap.Items {
		assert.Equal(t, pipeline.StageGenerated, it.Stage)
		assert.True(t, strings.HasPrefix(it.StoredURL, "https://cdn.example/objects/"))
	}

	resp = e.do(t, http.MethodPost, "/v1/batches/"+snap.ID+"/items/item-1/review", tok, map[string]string{"verdict": "Accept"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, pipeline.StageAccepted, decode[pipeline.Item](t, resp).Stage)

	resp = e.do(t, http.MethodPost, "/v1/batches/"+snap.ID+"/items/item-1/review", tok, map[string]string{"verdict": "reject"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "InvalidTransition", decode[domain.ErrorResponse](t, resp).Code)

	resp = e.do(t, http.MethodPost, "/v1/batches/"+snap.ID+"/items/item-2/review", tok, map[string]string{"verdict": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/batches/"+snap.ID+"/items/nope/review", tok, map[string]string{"verdict": "accept"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServesStoredObjects(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())
	tok := e.token(t, "user-1")

	resp := e.do(t, http.MethodPost, "/v1/batches", tok, submitBody(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snap := decode[pipeline.Snapshot](t, resp)
	waitSettled(t, e, snap.ID)

	b, err := e.registry.Get(snap.ID)
	require.NoError(t, err)
	it, _ := b.Item("item-1")
	name := it.StoredURL[strings.LastIndex(it.StoredURL, "/")+1:]

	resp = e.do(t, http.MethodGet, "/objects/"+name, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got bytes.Buffer
	_, err = got.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG test", got.String())
}

func TestBatchesAreOwnerScoped(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())

	resp := e.do(t, http.MethodPost, "/v1/batches", e.token(t, "user-1"), submitBody(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snap := decode[pipeline.Snapshot](t, resp)

	other := e.token(t, "user-2")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/batches/" + snap.ID},
		{http.MethodPost, "/v1/batches/" + snap.ID + "/cancel"},
		{http.MethodGet, "/v1/batches/" + snap.ID + "/events"},
	} {
		resp := e.do(t, tc.method, tc.path, other, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())
	tok := e.token(t, "user-1")

	cases := map[string]any{
		"no items":    map[string]any{"items": []any{}},
		"no image":    map[string]any{"items": []any{map[string]any{"prompt": "x"}}},
		"bad base64":  map[string]any{"items": []any{map[string]any{"prompt": "x", "image": map[string]any{"data": "%%%", "contentType": "image/png"}}}},
		"both images": map[string]any{"items": []any{map[string]any{"prompt": "x", "imageUrl": "https://a/b.png", "image": map[string]any{"data": "AA==", "contentType": "image/png"}}}},
		"not json":    "plain string",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/v1/batches", tok, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "InvalidInput", decode[domain.ErrorResponse](t, resp).Code)
		})
	}
}

func TestSubmitAdmission(t *testing.T) {
	e := newEnv(t, governance.Limit{Requests: 1, Window: time.Hour})
	tok := e.token(t, "user-1")

	resp := e.do(t, http.MethodPost, "/v1/batches", tok, submitBody(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/batches", tok, submitBody(1))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "RateLimited", decode[domain.ErrorResponse](t, resp).Code)

	resp = e.do(t, http.MethodPost, "/v1/batches", e.token(t, "user-2"), submitBody(1))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "subjects are limited independently")
}

func TestCancel(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())
	tok := e.token(t, "user-1")

	resp := e.do(t, http.MethodPost, "/v1/batches", tok, submitBody(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snap := decode[pipeline.Snapshot](t, resp)

	resp = e.do(t, http.MethodPost, "/v1/batches/"+snap.ID+"/cancel", tok, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, decode[pipeline.Snapshot](t, resp).Cancelled)
}

func TestEventStream(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())
	tok := e.token(t, "user-1")

	resp := e.do(t, http.MethodPost, "/v1/batches", tok, submitBody(1))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snap := decode[pipeline.Snapshot](t, resp)
	waitSettled(t, e, snap.ID)

	// Review so the stream settles and ends.
	resp = e.do(t, http.MethodPost, "/v1/batches/"+snap.ID+"/items/item-1/review", tok, map[string]string{"verdict": "accept"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/batches/"+snap.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Last-Event-ID", "1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var stages []pipeline.Stage
	var ids []string
	ended := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: end"):
			ended = true
		case strings.HasPrefix(line, "data: ") && !ended:
			var ev pipeline.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			stages = append(stages, ev.Stage)
		}
	}
	require.NoError(t, scanner.Err())

	assert.True(t, ended)
	assert.Equal(t, "2", ids[0], "Last-Event-ID skips already delivered events")
	assert.Equal(t, []pipeline.Stage{
		pipeline.StageUploading,
		pipeline.StageUploaded,
		pipeline.StageGenerating,
		pipeline.StageGenerating,
		pipeline.StageGenerated,
		pipeline.StageAccepted,
	}, stages)
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	e := newEnv(t, governance.DefaultLimit())
	tok := e.token(t, "user-1")

	e.do(t, http.MethodGet, "/v1/batches/missing", tok, nil)

	count := testutil.CollectAndCount(e.metrics.Registry(), "lumina_http_requests_total")
	assert.Positive(t, count)

	expected := `
# HELP lumina_http_requests_total HTTP requests by method, route and status code
# TYPE lumina_http_requests_total counter
lumina_http_requests_total{method="GET",route="GET /v1/batches/{id}",status_code="404"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(e.metrics.Registry(),
		strings.NewReader(expected), "lumina_http_requests_total"))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{&governance.AdmissionDeniedError{Feature: "x"}, http.StatusTooManyRequests},
		{domain.ErrSideEffectDenied, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrUpstreamExhausted, http.StatusBadGateway},
		{context.Canceled, http.StatusConflict},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
