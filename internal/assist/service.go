// Package assist generates note summaries and tag suggestions through the
// retry orchestrator, falling back to rule-based content when the AI path
// fails.
package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/qri-io/jsonschema"

	"github.com/dynoinc/tokenguard/internal/aierrors"
	"github.com/dynoinc/tokenguard/internal/fallback"
	"github.com/dynoinc/tokenguard/internal/llm"
	"github.com/dynoinc/tokenguard/internal/retry"
)

const (
	OperationSummary = "summary"
	OperationTags    = "tags"

	maxTags = 6
)

const summaryPrompt = `Summarize the note below as three to five short bullet points.
Start every bullet with "• " and answer in the language of the note.`

const tagsPrompt = `Suggest up to six short, lowercase tags for the note below.
Reply with a JSON object of the form {"tags": ["tag", ...]} and nothing else.`

var tagsSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["tags"]
}`)

func mustSchema(s string) *jsonschema.Schema {
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(s), schema); err != nil {
		panic(fmt.Sprintf("parsing schema: %v", err))
	}
	return schema
}

type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
	CompleteJSON(ctx context.Context, req llm.Request, schema *jsonschema.Schema) (llm.Completion, error)
}

type Config struct {
	// OutputTokens is the completion budget added to each input estimate.
	OutputTokens int `split_words:"true" default:"256"`
	// TraceUsers lists users whose calls are always traced.
	TraceUsers []string `split_words:"true"`
}

// Outcome describes how a result was produced. When Fallback is set, Error is
// the terminal AI failure and Options are the alternatives offered for it.
type Outcome struct {
	Fallback bool                      `json:"fallback"`
	Error    *aierrors.ClassifiedError `json:"error,omitempty"`
	Options  []fallback.Option         `json:"options,omitempty"`
	Usage    aierrors.TokenUsage       `json:"usage"`
}

type Summary struct {
	Text string `json:"text"`
	Outcome
}

type Tags struct {
	Tags []string `json:"tags"`
	Outcome
}

type Service struct {
	cfg          Config
	llm          Completer
	orchestrator *retry.Orchestrator
	fallback     *fallback.Provider
	tracker      *fallback.Tracker
}

func New(cfg Config, c Completer, o *retry.Orchestrator, p *fallback.Provider, t *fallback.Tracker) *Service {
	if cfg.OutputTokens <= 0 {
		cfg.OutputTokens = 256
	}
	return &Service{
		cfg:          cfg,
		llm:          c,
		orchestrator: o,
		fallback:     p,
		tracker:      t,
	}
}

// EstimateTokens approximates the request size of content at four bytes per
// token plus the completion budget.
func (s *Service) EstimateTokens(content string) int {
	return (len(content)+3)/4 + s.cfg.OutputTokens
}

// Summarize returns an AI summary of content. When the AI path fails and the
// failure's category allows a template, the template summary is returned with
// a nil error. Otherwise the classified error is returned alongside the
// fallback options.
func (s *Service) Summarize(ctx context.Context, userID, content string) (Summary, error) {
	if strings.TrimSpace(content) == "" {
		return Summary{Text: fallback.NoContentSummary}, nil
	}

	req := llm.Request{System: summaryPrompt, Prompt: content, MaxTokens: int64(s.cfg.OutputTokens)}
	completion, err := retry.Do(ctx, s.orchestrator, func(ctx context.Context) (llm.Completion, error) {
		return s.llm.Complete(ctx, req)
	}, s.callOptions(userID, OperationSummary, content)...)
	if err == nil {
		return Summary{Text: strings.TrimSpace(completion.Content), Outcome: Outcome{Usage: completion.Usage}}, nil
	}

	out, ok := s.fallbackOutcome(ctx, err, fallback.TypeTemplate)
	if !ok {
		return Summary{Outcome: out}, err
	}
	return Summary{Text: s.fallback.SummaryTemplate(content), Outcome: out}, nil
}

// SuggestTags returns AI tag suggestions, falling back to keyword tags the
// same way Summarize falls back to a template.
func (s *Service) SuggestTags(ctx context.Context, userID, content string) (Tags, error) {
	if strings.TrimSpace(content) == "" {
		return Tags{Tags: s.fallback.TagSuggestions(content)}, nil
	}

	req := llm.Request{System: tagsPrompt, Prompt: content, MaxTokens: int64(s.cfg.OutputTokens)}
	completion, err := retry.Do(ctx, s.orchestrator, func(ctx context.Context) (llm.Completion, error) {
		return s.llm.CompleteJSON(ctx, req, tagsSchema)
	}, s.callOptions(userID, OperationTags, content)...)
	if err == nil {
		var resp struct {
			Tags []string `json:"tags"`
		}
		jerr := json.Unmarshal([]byte(completion.Content), &resp)
		if jerr == nil {
			return Tags{Tags: normalizeTags(resp.Tags), Outcome: Outcome{Usage: completion.Usage}}, nil
		}
		err = aierrors.Classify(&aierrors.UnknownFailure{Err: fmt.Errorf("decoding tags: %w", jerr)}, aierrors.Context{UserID: userID})
	}

	out, ok := s.fallbackOutcome(ctx, err, fallback.TypeSuggestion)
	if !ok {
		return Tags{Outcome: out}, err
	}
	return Tags{Tags: s.fallback.TagSuggestions(content), Outcome: out}, nil
}

func (s *Service) callOptions(userID, operation, content string) []retry.CallOption {
	opts := []retry.CallOption{
		retry.UserID(userID),
		retry.Operation(operation),
		retry.Component("assist"),
		retry.Endpoint("/chat/completions"),
		retry.EstimatedTokens(s.EstimateTokens(content)),
	}
	if slices.Contains(s.cfg.TraceUsers, userID) {
		opts = append(opts, retry.ForceTrace())
	}
	return opts
}

// fallbackOutcome reports whether want is among the options offered for err
// and records the fallback when it is.
func (s *Service) fallbackOutcome(ctx context.Context, err error, want fallback.Type) (Outcome, bool) {
	var ce *aierrors.ClassifiedError
	if !errors.As(err, &ce) {
		ce = aierrors.Classify(err, aierrors.Context{})
	}
	out := Outcome{
		Fallback: true,
		Error:    ce,
		Options:  s.fallback.Options(ce),
	}
	if ce.TokenUsage != nil {
		out.Usage = *ce.TokenUsage
	}

	offered := slices.ContainsFunc(out.Options, func(o fallback.Option) bool { return o.Type == want })
	if !offered {
		out.Fallback = false
		return out, false
	}

	slog.InfoContext(ctx, "using fallback", "code", ce.Code, "type", want)
	if s.tracker != nil {
		s.tracker.Record(ctx, ce.Code, want, true)
	}
	return out, true
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#")))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
