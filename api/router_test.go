package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/metrics"
	"github.com/youssefsiam38/chatcompact/storage"
	"github.com/youssefsiam38/chatcompact/types"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	raw string
	err error
}

func (g *fakeGenerator) Generate(_ context.Context, _ compaction.GenerateRequest) (json.RawMessage, error) {
	if g.err != nil {
		return nil, g.err
	}
	return json.RawMessage(g.raw), nil
}

const keepNewestOutput = `{
	"surviving_message_ids": ["m4"],
	"artifacts": [{"title": "Earlier", "summary": "Set up **the project**.", "source_message_ids": ["m1", "m2", "m3"]}]
}`

func newHandler(gen compaction.Generator) *compaction.CompressionHandler {
	return compaction.NewCompressionHandler(gen,
		compaction.WithHandlerModel("test-model"),
		compaction.WithRecentMessageFloor(1),
		compaction.WithHandlerClock(func() time.Time { return fixedNow }),
	)
}

func messages(n int) []*types.Message {
	out := make([]*types.Message, 0, n)
	for i := 1; i <= n; i++ {
		role := types.RoleUser
		if i%2 == 0 {
			role = types.RoleAssistant
		}
		out = append(out, types.NewTextMessage(fmt.Sprintf("m%d", i), role, strings.Repeat("a", 40)))
	}
	return out
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	switch b := body.(type) {
	case nil:
		r = httptest.NewRequest(method, path, nil)
	case string:
		r = httptest.NewRequest(method, path, strings.NewReader(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, strings.NewReader(string(raw)))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthz(t *testing.T) {
	rec := do(t, NewRouter(nil), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCompressErrors(t *testing.T) {
	tests := []struct {
		name     string
		handler  *compaction.CompressionHandler
		body     any
		wantCode int
		wantMsg  string
	}{
		{
			name:     "invalid json",
			handler:  newHandler(&fakeGenerator{raw: keepNewestOutput}),
			body:     `{"messages": [`,
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid JSON body",
		},
		{
			name:     "missing messages",
			handler:  newHandler(&fakeGenerator{raw: keepNewestOutput}),
			body:     map[string]any{"messages": []any{}},
			wantCode: http.StatusBadRequest,
			wantMsg:  "Missing messages for compression",
		},
		{
			name:     "model not configured",
			handler:  nil,
			body:     compaction.CompressRequest{Messages: messages(2)},
			wantCode: http.StatusBadRequest,
			wantMsg:  "Compression model not configured",
		},
		{
			name:     "generator failure",
			handler:  newHandler(&fakeGenerator{err: errors.New("upstream timeout")}),
			body:     compaction.CompressRequest{Messages: messages(2)},
			wantCode: http.StatusInternalServerError,
			wantMsg:  "upstream timeout",
		},
		{
			name:     "malformed model output",
			handler:  newHandler(&fakeGenerator{raw: `not json`}),
			body:     compaction.CompressRequest{Messages: messages(2)},
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewRouter(&Config{Handler: tt.handler}), http.MethodPost, "/api/compress", tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			msg := errorMessage(t, rec)
			if tt.wantMsg != "" {
				assert.Contains(t, msg, tt.wantMsg)
			} else {
				assert.NotEmpty(t, msg)
			}
		})
	}
}

func TestCompress(t *testing.T) {
	h := NewRouter(&Config{Handler: newHandler(&fakeGenerator{raw: keepNewestOutput})})

	rec := do(t, h, http.MethodPost, "/api/compress", compaction.CompressRequest{
		Messages: messages(4),
		Config:   compaction.Config{MaxTokenBudget: compaction.IntPtr(100)},
		Reason:   "threshold",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp compaction.CompressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"m4"}, resp.Snapshot.SurvivingMessageIDs)
	assert.Equal(t, []string{"m1", "m2", "m3"}, resp.Snapshot.ExcludedMessageIDs)
	assert.Equal(t, "threshold", resp.Snapshot.Reason)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "Earlier", resp.Artifacts[0].Title)
	assert.Equal(t, *resp.Snapshot.TokensAfter, resp.Usage.TotalTokens)
	require.NotNil(t, resp.Usage.Budget)
	assert.Equal(t, 100, *resp.Usage.Budget)
}

func TestPayload(t *testing.T) {
	h := NewRouter(&Config{
		Models: []compaction.Model{{ID: "tiny", ContextWindowTokens: 25, MaxOutputTokens: 5}},
	})
	msgs := messages(2) // 10 tokens each

	rec := do(t, h, http.MethodPost, "/api/payload", PayloadRequest{
		Messages:       msgs,
		PinnedMessages: []compaction.PinnedMessage{{ID: "m2"}},
		ModelID:        "tiny",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PayloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"m2"}, resp.PinnedMessageIDs)
	assert.Equal(t, []string{"m1", "m2"}, resp.SurvivingMessageIDs)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
	assert.Equal(t, 10, resp.Usage.PinnedTokens)
	assert.Equal(t, 25, *resp.Usage.Budget)
	assert.Equal(t, 5, *resp.Usage.RemainingTokens)
	assert.Equal(t, 5, *resp.Usage.EstimatedResponseTokens)
	assert.False(t, resp.ShouldCompress) // 0.8 < 0.85
	assert.Empty(t, resp.ArtifactIDs)
	assert.NotNil(t, resp.ArtifactIDs)

	rec = do(t, h, http.MethodPost, "/api/payload", PayloadRequest{Messages: msgs, ModelID: "huge"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/payload", PayloadRequest{
		Messages: msgs,
		Config:   compaction.Config{CompressionThreshold: ptr(2.0)},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/payload", `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON body", errorMessage(t, rec))
}

func TestThreadCompression(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveMessages(ctx, "t1", messages(2)))
	require.NoError(t, store.SaveMessages(ctx, "bare", messages(1)))

	ps := compaction.PersistedState{
		Snapshot:  &compaction.Snapshot{ID: "s1", CreatedAt: fixedNow, SurvivingMessageIDs: []string{"m2"}, ArtifactIDs: []string{"a1"}},
		Artifacts: []compaction.Artifact{{ID: "a1", Summary: "Chose **Postgres**.<script>alert(1)</script>", CreatedAt: fixedNow}},
		UpdatedAt: fixedNow,
	}
	raw, err := json.Marshal(ps)
	require.NoError(t, err)
	require.NoError(t, store.SetMetadata(ctx, "t1", compaction.MetadataKey, raw))

	h := NewRouter(&Config{Store: store})

	rec := do(t, h, http.MethodGet, "/api/threads/t1/compression", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ThreadCompressionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.ThreadID)
	require.NotNil(t, resp.State)
	assert.Equal(t, "s1", resp.State.Snapshot.ID)
	assert.Nil(t, resp.SummariesHTML)

	rec = do(t, h, http.MethodGet, "/api/threads/t1/compression?format=html", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = ThreadCompressionResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	html := resp.SummariesHTML["a1"]
	assert.Contains(t, html, "<strong>Postgres</strong>")
	assert.NotContains(t, html, "<script>")

	rec = do(t, h, http.MethodGet, "/api/threads/bare/compression", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = ThreadCompressionResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.State)

	rec = do(t, h, http.MethodGet, "/api/threads/missing/compression", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Thread not found", errorMessage(t, rec))
}

func TestThreadRoutesRequireStore(t *testing.T) {
	rec := do(t, NewRouter(&Config{}), http.MethodGet, "/api/threads/t1/compression", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRecordsRoutes(t *testing.T) {
	m := metrics.New(nil)
	h := NewRouter(&Config{Metrics: m})

	do(t, h, http.MethodPost, "/api/compress", `{`)
	do(t, h, http.MethodGet, "/healthz", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `chatcompact_http_requests_total{code="400",route="/api/compress"} 1`)
	assert.Contains(t, body, `chatcompact_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestRequestBodyLimit(t *testing.T) {
	h := NewRouter(&Config{MaxBodyBytes: 16})
	rec := do(t, h, http.MethodPost, "/api/payload", PayloadRequest{Messages: messages(3)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func ptr[T any](v T) *T { return &v }
