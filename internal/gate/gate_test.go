package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

var alice = domain.Identity{SubjectID: "alice", IsAuthenticated: true}

type policyFunc func(ctx context.Context, req Request) (bool, error)

func (f policyFunc) Allow(ctx context.Context, req Request) (bool, error) { return f(ctx, req) }

type decisionLog struct {
	mu        sync.Mutex
	decisions []string
}

func (d *decisionLog) RecordDecision(effect string, allowed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if allowed {
		d.decisions = append(d.decisions, effect+":allow")
		return
	}
	d.decisions = append(d.decisions, effect+":deny")
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestDecideFollowsGlobalSwitch(t *testing.T) {
	g := New(true, false)
	req := Request{Identity: alice, Source: "pipeline", Effect: EffectGenerateImage}

	allowed, err := g.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, allowed)

	g.SetEnabled(false)
	assert.False(t, g.Enabled())
	allowed, err = g.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, allowed)

	err = g.Require(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrSideEffectDenied)
	assert.Equal(t, domain.ReasonSideEffectDenied, domain.Reason(err))
}

func TestDecideRejectsAnonymous(t *testing.T) {
	rec := &decisionLog{}
	g := New(true, false, WithRecorder(rec))

	allowed, err := g.Decide(context.Background(), Request{Identity: domain.Anonymous, Source: "upload", Effect: EffectUploadFile})

	assert.False(t, allowed)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, []string{"upload_file:deny"}, rec.decisions)
}

func TestDecideConsultsPolicy(t *testing.T) {
	onlyGenerate := policyFunc(func(_ context.Context, req Request) (bool, error) {
		return req.Effect == EffectGenerateImage, nil
	})
	rec := &decisionLog{}
	g := New(true, false, WithPolicy(onlyGenerate), WithRecorder(rec))

	ok, err := g.Decide(context.Background(), Request{Identity: alice, Effect: EffectGenerateImage})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Decide(context.Background(), Request{Identity: alice, Effect: EffectUploadFile})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"generate_image:allow", "upload_file:deny"}, rec.decisions)
}

func TestDecidePolicyErrorDenies(t *testing.T) {
	boom := errors.New("policy store offline")
	g := New(true, false, WithPolicy(policyFunc(func(context.Context, Request) (bool, error) {
		return true, boom
	})))

	allowed, err := g.Decide(context.Background(), Request{Identity: alice, Effect: EffectUploadFile})
	assert.False(t, allowed)
	assert.ErrorIs(t, err, boom)
}

func TestDisabledSwitchSkipsPolicy(t *testing.T) {
	called := false
	g := New(false, false, WithPolicy(policyFunc(func(context.Context, Request) (bool, error) {
		called = true
		return true, nil
	})))

	allowed, err := g.Decide(context.Background(), Request{Identity: alice, Effect: EffectUploadFile})
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.False(t, called)
}

func TestTraceIsSilentWithoutDebug(t *testing.T) {
	logger, buf := bufferLogger()
	g := New(true, false, WithLogger(logger))

	_, err := g.Decide(context.Background(), Request{Identity: alice, Effect: EffectGenerateImage})
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestTraceLogsRedactedDetail(t *testing.T) {
	logger, buf := bufferLogger()
	g := New(true, true, WithLogger(logger))

	detail := Map(
		F("prompt", String(strings.Repeat("p", 200))),
		F("accessToken", String("ya29.very-secret")),
		F("size", String("1024x1024")),
	)
	_, err := g.Decide(context.Background(), Request{Identity: alice, Source: "pipeline", Effect: EffectGenerateImage, Detail: detail})
	require.NoError(t, err)

	g.SetEnabled(false)
	_, err = g.Decide(context.Background(), Request{Identity: alice, Source: "upload", Effect: EffectUploadFile})
	require.NoError(t, err)

	lines := logLines(t, buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "Side effect decision", lines[0]["msg"])
	assert.Equal(t, "pipeline", lines[0]["source"])
	assert.Equal(t, "generate_image", lines[0]["effect"])
	assert.Equal(t, true, lines[0]["allowed"])

	logged, ok := lines[0]["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, RedactedMarker, logged["accessToken"])
	assert.Equal(t, "1024x1024", logged["size"])
	assert.True(t, strings.HasSuffix(logged["prompt"].(string), Ellipsis))
	assert.NotContains(t, buf.String(), "ya29")

	assert.Equal(t, "WARN", lines[1]["level"])
	assert.Equal(t, false, lines[1]["allowed"])
}
