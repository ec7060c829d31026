// Package fallback offers non-AI alternatives when a provider call cannot
// complete: a registry of user actions, an extractive summary template and
// keyword-based tag suggestions.
package fallback

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

type Type string

const (
	TypeManualInput Type = "manual_input"
	TypeTemplate    Type = "template"
	TypeSuggestion  Type = "suggestion"
	TypeRetry       Type = "retry"
)

func (t Type) valid() bool {
	switch t {
	case TypeManualInput, TypeTemplate, TypeSuggestion, TypeRetry:
		return true
	}
	return false
}

// Option is a non-AI action offered to the user. Lower Priority comes first.
type Option struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        Type   `json:"type"`
	Priority    int    `json:"priority"`
	Available   bool   `json:"available"`
}

var ErrInvalidOption = errors.New("invalid fallback option")

func DefaultOptions() []Option {
	return []Option{
		{
			ID:          "manual-input",
			Name:        "Write it yourself",
			Description: "Enter the summary or tags by hand.",
			Type:        TypeManualInput,
			Priority:    1,
			Available:   true,
		},
		{
			ID:          "summary-template",
			Name:        "Use a template",
			Description: "Start from a summary built from the first and last lines of the note.",
			Type:        TypeTemplate,
			Priority:    2,
			Available:   true,
		},
		{
			ID:          "keyword-tags",
			Name:        "Suggested tags",
			Description: "Pick from tags matched against common keywords.",
			Type:        TypeSuggestion,
			Priority:    3,
			Available:   true,
		},
		{
			ID:          "retry-later",
			Name:        "Try again later",
			Description: "Retry the AI request once the service recovers.",
			Type:        TypeRetry,
			Priority:    4,
			Available:   true,
		},
	}
}

// allowedTypes maps an error category to the option types worth offering.
// Categories not listed get the whole registry.
var allowedTypes = map[aierrors.Category][]Type{
	aierrors.CategoryToken:   {TypeManualInput, TypeTemplate, TypeSuggestion},
	aierrors.CategoryAPI:     {TypeManualInput, TypeRetry},
	aierrors.CategoryServer:  {TypeManualInput, TypeRetry},
	aierrors.CategoryNetwork: {TypeManualInput, TypeRetry},
	aierrors.CategoryAI:      {TypeManualInput, TypeTemplate},
}

type Provider struct {
	now func() time.Time

	mu       sync.RWMutex
	registry []Option
}

type ProviderOption func(*Provider)

// WithClock sets the clock behind the weekday tag.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

// WithOptions replaces the default registry.
func WithOptions(opts []Option) ProviderOption {
	return func(p *Provider) { p.registry = slices.Clone(opts) }
}

func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{
		now:      time.Now,
		registry: DefaultOptions(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Options returns the available options for err, by ascending priority. Ties
// keep registry order. Network failures list retry options first.
func (p *Provider) Options(err *aierrors.ClassifiedError) []Option {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var types []Type
	if err != nil {
		types = allowedTypes[err.Category]
	}

	var out []Option
	for _, o := range p.registry {
		if !o.Available {
			continue
		}
		if types != nil && !slices.Contains(types, o.Type) {
			continue
		}
		out = append(out, o)
	}

	retryFirst := err != nil && err.Category == aierrors.CategoryNetwork
	sort.SliceStable(out, func(i, j int) bool {
		if retryFirst {
			ri, rj := out[i].Type == TypeRetry, out[j].Type == TypeRetry
			if ri != rj {
				return ri
			}
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// AddOption appends o, or replaces the option with the same id.
func (p *Provider) AddOption(o Option) error {
	if o.ID == "" || o.Name == "" || !o.Type.valid() {
		return ErrInvalidOption
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.indexLocked(o.ID); i >= 0 {
		p.registry[i] = o
		return nil
	}
	p.registry = append(p.registry, o)
	return nil
}

func (p *Provider) RemoveOption(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if i < 0 {
		return false
	}
	p.registry = slices.Delete(p.registry, i, i+1)
	return true
}

func (p *Provider) SetAvailability(id string, available bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if i < 0 {
		return false
	}
	p.registry[i].Available = available
	return true
}

func (p *Provider) Registry() []Option {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.registry)
}

func (p *Provider) indexLocked(id string) int {
	return slices.IndexFunc(p.registry, func(o Option) bool { return o.ID == id })
}
