package errorlog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

var ErrRuleNotFound = errors.New("alert rule not found")

// Conditions are allow-lists; an empty list matches anything. Threshold, when
// positive, is the number of same-code errors in the trailing hour required
// before the rule fires.
type Conditions struct {
	Categories []aierrors.Category `json:"categories,omitempty" yaml:"categories" validate:"dive,oneof=network server api token ai system unknown"`
	Severities []aierrors.Severity `json:"severities,omitempty" yaml:"severities" validate:"dive,oneof=warning error critical"`
	Codes      []string            `json:"codes,omitempty" yaml:"codes" validate:"dive,required"`
	Threshold  int                 `json:"threshold,omitempty" yaml:"threshold" validate:"gte=0"`
}

func (c Conditions) matches(e *aierrors.ClassifiedError) bool {
	if len(c.Categories) > 0 && !slices.Contains(c.Categories, e.Category) {
		return false
	}
	if len(c.Severities) > 0 && !slices.Contains(c.Severities, e.Severity) {
		return false
	}
	if len(c.Codes) > 0 && !slices.Contains(c.Codes, e.Code) {
		return false
	}
	return true
}

type AlertRule struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name" yaml:"name" validate:"required"`
	Conditions    Conditions `json:"conditions" yaml:"conditions"`
	Channels      []string   `json:"channels" yaml:"channels" validate:"required,min=1,dive,required"`
	Recipients    []string   `json:"recipients,omitempty" yaml:"recipients"`
	Enabled       bool       `json:"enabled" yaml:"-"`
	LastTriggered *time.Time `json:"last_triggered,omitempty" yaml:"-"`
}

func (r AlertRule) clone() AlertRule {
	r.Conditions.Categories = slices.Clone(r.Conditions.Categories)
	r.Conditions.Severities = slices.Clone(r.Conditions.Severities)
	r.Conditions.Codes = slices.Clone(r.Conditions.Codes)
	r.Channels = slices.Clone(r.Channels)
	r.Recipients = slices.Clone(r.Recipients)
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		r.LastTriggered = &t
	}
	return r
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateRule(r AlertRule) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid alert rule %q: %w", r.Name, err)
	}
	return nil
}

type rulesFile struct {
	Rules []struct {
		AlertRule `yaml:",inline"`
		Enabled   *bool `yaml:"enabled"`
	} `yaml:"rules"`
}

// ParseRules reads a YAML rules document. Rules are enabled unless they say
// otherwise.
func ParseRules(b []byte) ([]AlertRule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing alert rules: %w", err)
	}

	rules := make([]AlertRule, 0, len(f.Rules))
	seen := make(map[string]bool)
	for _, fr := range f.Rules {
		r := fr.AlertRule
		r.Enabled = fr.Enabled == nil || *fr.Enabled
		if err := validateRule(r); err != nil {
			return nil, err
		}
		if r.ID != "" {
			if seen[r.ID] {
				return nil, fmt.Errorf("duplicate alert rule id %q", r.ID)
			}
			seen[r.ID] = true
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func LoadRules(path string) ([]AlertRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading alert rules: %w", err)
	}
	return ParseRules(b)
}
