package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Gen AI semantic conventions are not in the Go OpenTelemetry library yet.
// https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-spans/
const (
	GenAISystemKey                = attribute.Key("gen_ai.system")
	GenAIOperationNameKey         = attribute.Key("gen_ai.operation.name")
	GenAIRequestModelKey          = attribute.Key("gen_ai.request.model")
	GenAIResponseModelKey         = attribute.Key("gen_ai.response.model")
	GenAIUsageInputTokensKey      = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokensKey     = attribute.Key("gen_ai.usage.output_tokens")
	GenAIRequestTemperatureKey    = attribute.Key("gen_ai.request.temperature")
	GenAIRequestMaxTokensKey      = attribute.Key("gen_ai.request.max_tokens")
	GenAIResponseIDKey            = attribute.Key("gen_ai.response.id")
	GenAIResponseFinishReasonsKey = attribute.Key("gen_ai.response.finish_reasons")

	GenAiSystemMessageKey  = "gen_ai.system.message"
	GenAiUserMessageKey    = "gen_ai.user.message"
	GenAiChoiceKey         = "gen_ai.choice"
	GenAiMessageContentKey = attribute.Key("content")
)

var GenAISystemOpenAI = GenAISystemKey.String("openai")

type OtelMiddlewareConfig struct {
	// AddEventDetails records prompt and response text on span events.
	AddEventDetails bool
	// SampleRoot creates spans for requests without a parent span.
	SampleRoot bool
}

// NewOtelMiddleware records a gen_ai span for chat completion requests and a
// plain HTTP span for everything else.
func NewOtelMiddleware(tracerProvider trace.TracerProvider, config OtelMiddlewareConfig) option.Middleware {
	tracer := tracerProvider.Tracer("github.com/dynoinc/tokenguard/internal/llm")

	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		parentSpan := trace.SpanFromContext(req.Context())
		if !config.SampleRoot && !parentSpan.SpanContext().IsValid() {
			return next(req)
		}

		chat := strings.Contains(req.URL.Path, "/chat/completions")

		var params *chatCompletionParams
		if chat && req.Body != nil && req.Method == http.MethodPost {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return next(req)
			}
			req.Body = io.NopCloser(bytes.NewBuffer(body))

			var p chatCompletionParams
			if err := json.Unmarshal(body, &p); err == nil && p.Model != "" {
				params = &p
			}
		}

		attributes := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLFull(req.URL.String()),
		}
		if req.URL.Host != "" {
			attributes = append(attributes, semconv.ServerAddress(req.URL.Hostname()))
			if port, err := strconv.Atoi(req.URL.Port()); err == nil {
				attributes = append(attributes, semconv.ServerPort(port))
			}
		}

		spanName := fmt.Sprintf("%s %s", req.Method, req.URL.Path)
		if params != nil {
			attributes = append(attributes,
				GenAISystemOpenAI,
				GenAIOperationNameKey.String("chat"),
				GenAIRequestModelKey.String(params.Model),
			)
			attributes = append(attributes, params.spanAttributes()...)
			spanName = "chat " + params.Model
		}

		ctx, span := tracer.Start(req.Context(), spanName, trace.WithAttributes(attributes...), trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()

		if params != nil {
			params.addSpanEvents(span, config.AddEventDetails)
		}

		resp, err := next(req.WithContext(ctx))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(semconv.ErrorTypeKey.String(reflect.TypeOf(err).String()))
			return resp, err
		}

		hydrateSpanFromResponse(span, resp, params != nil, config.AddEventDetails)
		return resp, nil
	}
}

type chatCompletionParams struct {
	openai.ChatCompletionNewParams
}

func (c *chatCompletionParams) spanAttributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if c.Temperature.Valid() {
		attrs = append(attrs, GenAIRequestTemperatureKey.Float64(c.Temperature.Value))
	}
	if c.MaxTokens.Valid() {
		attrs = append(attrs, GenAIRequestMaxTokensKey.Int64(c.MaxTokens.Value))
	}
	return attrs
}

func (c *chatCompletionParams) addSpanEvents(span trace.Span, includeDetails bool) {
	for _, msg := range c.Messages {
		attrs := []attribute.KeyValue{GenAISystemOpenAI}
		switch {
		case msg.OfSystem != nil && msg.OfSystem.Content.OfString.Valid():
			if includeDetails {
				attrs = append(attrs, GenAiMessageContentKey.String(msg.OfSystem.Content.OfString.Value))
			}
			span.AddEvent(GenAiSystemMessageKey, trace.WithAttributes(attrs...))
		case msg.OfUser != nil && msg.OfUser.Content.OfString.Valid():
			if includeDetails {
				attrs = append(attrs, GenAiMessageContentKey.String(msg.OfUser.Content.OfString.Value))
			}
			span.AddEvent(GenAiUserMessageKey, trace.WithAttributes(attrs...))
		}
	}
}

func hydrateSpanFromResponse(span trace.Span, resp *http.Response, chat bool, includeDetails bool) {
	if resp == nil {
		return
	}

	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, "")
		span.SetAttributes(semconv.ErrorTypeKey.String(strconv.Itoa(resp.StatusCode)))
	}
	if resp.StatusCode >= 300 || !chat || resp.Body == nil {
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	resp.Body = io.NopCloser(bytes.NewBuffer(body))

	var completion openai.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return
	}

	if completion.Model != "" {
		span.SetAttributes(GenAIResponseModelKey.String(completion.Model))
	}
	if completion.ID != "" {
		span.SetAttributes(GenAIResponseIDKey.String(completion.ID))
	}
	if completion.Usage.PromptTokens > 0 {
		span.SetAttributes(GenAIUsageInputTokensKey.Int64(completion.Usage.PromptTokens))
	}
	if completion.Usage.CompletionTokens > 0 {
		span.SetAttributes(GenAIUsageOutputTokensKey.Int64(completion.Usage.CompletionTokens))
	}

	var finishReasons []string
	for _, choice := range completion.Choices {
		if choice.FinishReason != "" {
			finishReasons = append(finishReasons, choice.FinishReason)
		}

		attrs := []attribute.KeyValue{
			GenAISystemOpenAI,
			attribute.Key("index").Int64(choice.Index),
		}
		if includeDetails && choice.Message.Content != "" {
			attrs = append(attrs, GenAiMessageContentKey.String(choice.Message.Content))
		}
		span.AddEvent(GenAiChoiceKey, trace.WithAttributes(attrs...))
	}
	if len(finishReasons) > 0 {
		span.SetAttributes(GenAIResponseFinishReasonsKey.StringSlice(finishReasons))
	}
}
