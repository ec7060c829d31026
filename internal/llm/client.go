// Package llm adapts an OpenAI-compatible chat completions endpoint to the
// failure variants and usage reporting of the rest of tokenguard.
package llm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	ollama "github.com/ollama/ollama/api"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/qri-io/jsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

const ollamaPort = "11434"

type Config struct {
	APIKey       string        `envconfig:"API_KEY"`
	URL          string        `default:"http://localhost:11434/v1/"`
	Model        string        `default:"qwen2.5:7b"`
	Temperature  float64       `default:"0.3"`
	MaxTokens    int64         `split_words:"true" default:"1024"`
	Timeout      time.Duration `default:"60s"`
	TraceDetails bool          `split_words:"true"`
}

// Request is a single-turn prompt. MaxTokens overrides the configured
// completion limit when set.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
	JSON      bool
}

type Completion struct {
	Content      string
	FinishReason string
	Model        string
	Usage        aierrors.TokenUsage
}

func (c Completion) TokenUsage() aierrors.TokenUsage { return c.Usage }

type Client struct {
	client openai.Client
	cfg    Config
	now    func() time.Time
}

// New builds a client that never retries on its own; retries belong to the
// caller's orchestrator. A nil tp uses the global tracer provider.
func New(cfg Config, tp trace.TracerProvider) *Client {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
	}
	return &Client{
		client: openai.NewClient(
			option.WithBaseURL(cfg.URL),
			option.WithAPIKey(cfg.APIKey),
			option.WithMaxRetries(0),
			option.WithHTTPClient(httpClient),
			option.WithMiddleware(NewOtelMiddleware(tp, OtelMiddlewareConfig{AddEventDetails: cfg.TraceDetails})),
		),
		cfg: cfg,
		now: time.Now,
	}
}

func (c *Client) Config() Config {
	return c.cfg
}

// EnsureModel checks that the configured model exists, pulling it first when
// the endpoint is a local Ollama server.
func (c *Client) EnsureModel(ctx context.Context) error {
	_, err := c.client.Models.Get(ctx, c.cfg.Model)
	if err == nil {
		return nil
	}

	var aerr *openai.Error
	base, ok := ollamaBase(c.cfg.URL)
	if !ok || !errors.As(err, &aerr) || aerr.StatusCode != http.StatusNotFound {
		return fmt.Errorf("getting model %s: %w", c.cfg.Model, err)
	}

	client := ollama.NewClient(base, http.DefaultClient)
	var lastStatus string
	if err := client.Pull(ctx, &ollama.PullRequest{Model: c.cfg.Model}, func(resp ollama.ProgressResponse) error {
		if resp.Status != lastStatus {
			lastStatus = resp.Status
			slog.DebugContext(ctx, "pulling model", "model", c.cfg.Model, "status", resp.Status, "completed", resp.Completed, "total", resp.Total)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("downloading model %s: %w", c.cfg.Model, err)
	}

	slog.InfoContext(ctx, "downloaded model", "model", c.cfg.Model)
	return nil
}

func ollamaBase(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Port() != ollamaPort {
		return nil, false
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, true
}

// Complete runs one chat completion. Provider failures are returned as
// *aierrors.ProviderFailure; a response stopped by the content filter is an
// *aierrors.ContentFilteredFailure.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.cfg.Model,
		Messages:    messages(req.System, req.Prompt),
		Temperature: param.NewOpt(c.cfg.Temperature),
	}
	if n := cmp.Or(req.MaxTokens, c.cfg.MaxTokens); n > 0 {
		params.MaxTokens = param.NewOpt(n)
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Completion{}, c.normalize(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, &aierrors.UnknownFailure{Err: errors.New("provider returned no choices")}
	}

	choice := resp.Choices[0]
	out := Completion{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        resp.Model,
		Usage: aierrors.TokenUsage{
			Input:  int(resp.Usage.PromptTokens),
			Output: int(resp.Usage.CompletionTokens),
			Total:  int(resp.Usage.TotalTokens),
		},
	}
	if choice.FinishReason == "content_filter" {
		return out, &aierrors.ContentFilteredFailure{Reason: "response stopped by the provider"}
	}
	return out, nil
}

// CompleteJSON runs req in JSON mode and validates the response against
// schema. A response that does not validate is an unknown failure, so the
// orchestrator retries it.
func (c *Client) CompleteJSON(ctx context.Context, req Request, schema *jsonschema.Schema) (Completion, error) {
	req.JSON = true
	out, err := c.Complete(ctx, req)
	if err != nil {
		return out, err
	}

	if schema != nil {
		keyErrs, err := schema.ValidateBytes(ctx, []byte(out.Content))
		if err != nil {
			return out, &aierrors.UnknownFailure{Err: fmt.Errorf("validating response: %w", err)}
		}
		if len(keyErrs) > 0 {
			return out, &aierrors.UnknownFailure{Err: fmt.Errorf("response does not match schema: %v", keyErrs)}
		}
	}
	return out, nil
}

func messages(system, user string) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(system),
				},
			},
		})
	}
	return append(out, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: param.NewOpt(user),
			},
		},
	})
}

// normalize turns an SDK error response into a ProviderFailure. Transport
// errors are returned unchanged for aierrors.Normalize to handle.
func (c *Client) normalize(err error) error {
	var aerr *openai.Error
	if !errors.As(err, &aerr) {
		return err
	}

	f := &aierrors.ProviderFailure{
		StatusCode: aerr.StatusCode,
		Code:       aerr.Code,
		Type:       aerr.Type,
		Message:    cmp.Or(aerr.Message, http.StatusText(aerr.StatusCode)),
	}
	if aerr.Request != nil && aerr.Request.URL != nil {
		f.Endpoint = aerr.Request.URL.Path
	}
	if aerr.Response != nil {
		f.RetryAfter = retryAfter(aerr.Response.Header, c.now())
	}
	return f
}

func retryAfter(h http.Header, now time.Time) time.Duration {
	if ms, err := strconv.ParseFloat(h.Get("Retry-After-Ms"), 64); err == nil && ms > 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}

	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
