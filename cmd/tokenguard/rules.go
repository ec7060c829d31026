package main

import (
	"slices"

	"github.com/dynoinc/tokenguard/internal/aierrors"
	"github.com/dynoinc/tokenguard/internal/errorlog"
)

// defaultRules are installed when no rules file is configured. Each rule
// names only the channels that are registered, falling back to the log.
func defaultRules(channels []errorlog.Channel) []errorlog.AlertRule {
	registered := make([]string, 0, len(channels))
	for _, ch := range channels {
		registered = append(registered, ch.Name())
	}

	pick := func(preferred ...string) []string {
		var names []string
		for _, name := range preferred {
			if slices.Contains(registered, name) {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			names = []string{errorlog.LogChannel{}.Name()}
		}
		return names
	}

	return []errorlog.AlertRule{
		{
			Name:       "critical errors",
			Conditions: errorlog.Conditions{Severities: []aierrors.Severity{aierrors.SeverityCritical}},
			Channels:   pick("log", "sentry"),
			Enabled:    true,
		},
		{
			Name: "repeated rate limits",
			Conditions: errorlog.Conditions{
				Categories: []aierrors.Category{aierrors.CategoryAPI},
				Codes:      []string{aierrors.CodeRateLimited},
				Threshold:  10,
			},
			Channels: pick("log", "slack"),
			Enabled:  true,
		},
	}
}
