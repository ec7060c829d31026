package llm

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/qri-io/jsonschema"
	"github.com/stretchr/testify/require"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		URL:         srv.URL + "/v1/",
		APIKey:      "test-key",
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   256,
		Timeout:     5 * time.Second,
	}, nil)
}

func writeCompletion(w http.ResponseWriter, content, finishReason string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(openai.ChatCompletion{
		ID:    "chatcmpl-1",
		Model: "gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage: openai.CompletionUsage{PromptTokens: 42, CompletionTokens: 8, TotalTokens: 50},
	})
}

func TestCompleteReportsUsage(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		writeCompletion(w, "• milk\n• eggs", "stop")
	})

	got, err := c.Complete(t.Context(), Request{System: "Summarize.", Prompt: "milk, eggs"})
	require.NoError(t, err)
	require.Equal(t, "• milk\n• eggs", got.Content)
	require.Equal(t, "stop", got.FinishReason)
	require.Equal(t, aierrors.TokenUsage{Input: 42, Output: 8, Total: 50}, got.TokenUsage())

	require.Equal(t, "gpt-4o-mini", body["model"])
	require.EqualValues(t, 256, body["max_tokens"])
	require.Len(t, body["messages"], 2)
	require.NotContains(t, body, "response_format")
}

func TestCompleteNormalizesRateLimits(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
	})

	_, err := c.Complete(t.Context(), Request{Prompt: "hi"})

	var pf *aierrors.ProviderFailure
	require.ErrorAs(t, err, &pf)
	require.Equal(t, http.StatusTooManyRequests, pf.StatusCode)
	require.Equal(t, 7*time.Second, pf.RetryAfter)
	require.Equal(t, "/v1/chat/completions", pf.Endpoint)
	require.NotEmpty(t, pf.Message)

	ce := aierrors.Classify(err, aierrors.Context{})
	require.Equal(t, aierrors.CodeRateLimited, ce.Code)
	require.Equal(t, 7*time.Second, ce.RetryAfter)
}

func TestCompleteDoesNotRetryInternally(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Complete(t.Context(), Request{Prompt: "hi"})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())

	ce := aierrors.Classify(err, aierrors.Context{})
	require.Equal(t, aierrors.CodeServer, ce.Code)
	require.True(t, ce.Retryable)
}

func TestCompleteContentFilter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "", "content_filter")
	})

	got, err := c.Complete(t.Context(), Request{Prompt: "something"})

	var cf *aierrors.ContentFilteredFailure
	require.ErrorAs(t, err, &cf)
	require.Equal(t, 50, got.Usage.Total)
	require.Equal(t, aierrors.CodeContentFiltered, aierrors.Classify(err, aierrors.Context{}).Code)
}

func TestCompleteJSONValidatesSchema(t *testing.T) {
	schema := &jsonschema.Schema{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {"tags": {"type": "array", "items": {"type": "string"}}},
		"required": ["tags"]
	}`), schema))

	responses := []string{`{"tags": ["meeting", "todo"]}`, `{"tags": 1}`, `not json`}
	var i atomic.Int32
	var sawFormat atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			if _, ok := body["response_format"]; ok {
				sawFormat.Store(true)
			}
		}
		writeCompletion(w, responses[i.Add(1)-1], "stop")
	})

	got, err := c.CompleteJSON(t.Context(), Request{Prompt: "tag this"}, schema)
	require.NoError(t, err)
	require.JSONEq(t, `{"tags": ["meeting", "todo"]}`, got.Content)
	require.True(t, sawFormat.Load())

	for range 2 {
		_, err = c.CompleteJSON(t.Context(), Request{Prompt: "tag this"}, schema)
		var uf *aierrors.UnknownFailure
		require.ErrorAs(t, err, &uf)
		require.True(t, aierrors.Classify(err, aierrors.Context{}).Retryable)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"missing", http.Header{}, 0},
		{"seconds", http.Header{"Retry-After": {"3"}}, 3 * time.Second},
		{"milliseconds win", http.Header{"Retry-After": {"3"}, "Retry-After-Ms": {"1500"}}, 1500 * time.Millisecond},
		{"date", http.Header{"Retry-After": {now.Add(90 * time.Second).Format(http.TimeFormat)}}, 90 * time.Second},
		{"past date", http.Header{"Retry-After": {now.Add(-time.Minute).Format(http.TimeFormat)}}, 0},
		{"garbage", http.Header{"Retry-After": {"soon"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, retryAfter(tt.header, now))
		})
	}
}

func TestOllamaBase(t *testing.T) {
	u, ok := ollamaBase("http://localhost:11434/v1/")
	require.True(t, ok)
	require.Equal(t, "http://localhost:11434", u.String())

	_, ok = ollamaBase("https://api.openai.com/v1/")
	require.False(t, ok)
}
