package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type testEnv struct {
	spans  *tracetest.SpanRecorder
	tp     *trace.TracerProvider
	client openai.Client
}

func setupTest(t *testing.T, handler http.HandlerFunc, config OtelMiddlewareConfig) *testEnv {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(spans))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testEnv{
		spans: spans,
		tp:    tp,
		client: openai.NewClient(
			option.WithBaseURL(srv.URL),
			option.WithAPIKey("test-key"),
			option.WithMaxRetries(0),
			option.WithMiddleware(NewOtelMiddleware(tp, config)),
		),
	}
}

func chatParams() openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:       "gpt-4",
		Messages:    messages("Be brief.", "Hello"),
		Temperature: param.NewOpt(0.7),
		MaxTokens:   param.NewOpt[int64](100),
	}
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestOtelMiddlewareChatCompletion(t *testing.T) {
	env := setupTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "Hi there", "stop")
	}, OtelMiddlewareConfig{SampleRoot: true, AddEventDetails: true})

	_, err := env.client.Chat.Completions.New(context.Background(), chatParams())
	require.NoError(t, err)

	spans := env.spans.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "chat gpt-4", span.Name())

	got := attrs(span.Attributes())
	require.Equal(t, "openai", got[GenAISystemKey].AsString())
	require.Equal(t, "chat", got[GenAIOperationNameKey].AsString())
	require.Equal(t, "gpt-4", got[GenAIRequestModelKey].AsString())
	require.InDelta(t, 0.7, got[GenAIRequestTemperatureKey].AsFloat64(), 0.0001)
	require.EqualValues(t, 100, got[GenAIRequestMaxTokensKey].AsInt64())
	require.EqualValues(t, 42, got[GenAIUsageInputTokensKey].AsInt64())
	require.EqualValues(t, 8, got[GenAIUsageOutputTokensKey].AsInt64())
	require.Equal(t, []string{"stop"}, got[GenAIResponseFinishReasonsKey].AsStringSlice())
	require.EqualValues(t, 200, got[semconv.HTTPResponseStatusCodeKey].AsInt64())

	events := span.Events()
	require.NotEmpty(t, events)
	choice := events[len(events)-1]
	require.Equal(t, GenAiChoiceKey, choice.Name)
	require.Equal(t, "Hi there", attrs(choice.Attributes)[GenAiMessageContentKey].AsString())
}

func TestOtelMiddlewareOmitsContentByDefault(t *testing.T) {
	env := setupTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "Hi there", "stop")
	}, OtelMiddlewareConfig{SampleRoot: true})

	_, err := env.client.Chat.Completions.New(context.Background(), chatParams())
	require.NoError(t, err)

	for _, ev := range env.spans.Ended()[0].Events() {
		_, ok := attrs(ev.Attributes)[GenAiMessageContentKey]
		require.False(t, ok, "event %s carries content", ev.Name)
	}
}

func TestOtelMiddlewareErrorStatus(t *testing.T) {
	env := setupTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, OtelMiddlewareConfig{SampleRoot: true})

	_, err := env.client.Chat.Completions.New(context.Background(), chatParams())
	require.Error(t, err)

	span := env.spans.Ended()[0]
	require.Equal(t, codes.Error, span.Status().Code)
	require.Equal(t, "500", attrs(span.Attributes())[semconv.ErrorTypeKey].AsString())
}

func TestOtelMiddlewareOtherEndpoints(t *testing.T) {
	env := setupTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "gpt-4", "object": "model", "created": 1, "owned_by": "openai"})
	}, OtelMiddlewareConfig{SampleRoot: true})

	_, err := env.client.Models.Get(context.Background(), "gpt-4")
	require.NoError(t, err)

	span := env.spans.Ended()[0]
	require.Equal(t, "GET /models/gpt-4", span.Name())
	_, ok := attrs(span.Attributes())[GenAIRequestModelKey]
	require.False(t, ok)
}

func TestOtelMiddlewareSkipsRootWithoutSampling(t *testing.T) {
	env := setupTest(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "Hi", "stop")
	}, OtelMiddlewareConfig{})

	_, err := env.client.Chat.Completions.New(context.Background(), chatParams())
	require.NoError(t, err)
	require.Empty(t, env.spans.Ended())

	ctx, parent := env.tp.Tracer("test").Start(context.Background(), "parent")
	_, err = env.client.Chat.Completions.New(ctx, chatParams())
	require.NoError(t, err)
	parent.End()
	require.Len(t, env.spans.Ended(), 2)
}
