package fallback

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// NoContentSummary is returned for notes with no text.
const NoContentSummary = "• (no content)"

const (
	maxSummaryLine = 80
	shortNote      = 100
	longNote       = 500
	maxTags        = 6
)

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// SummaryTemplate builds a bullet summary from the first and last non-blank
// lines of content.
func (p *Provider) SummaryTemplate(content string) string {
	var lines []string
	for _, l := range strings.Split(content, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	switch len(lines) {
	case 0:
		return NoContentSummary
	case 1:
		return "• " + truncate(lines[0], maxSummaryLine)
	}

	var b strings.Builder
	b.WriteString("• ")
	b.WriteString(truncate(lines[0], maxSummaryLine))
	if len(lines) > 2 {
		fmt.Fprintf(&b, "\n• (%d more items)", len(lines)-2)
	}
	b.WriteString("\n• ")
	b.WriteString(truncate(lines[len(lines)-1], maxSummaryLine))
	return b.String()
}

type keywordTag struct {
	tag      string
	keywords []string
}

// keywordTags is matched in order against lowercased content.
var keywordTags = []keywordTag{
	{"meeting", []string{"meeting", "agenda", "minutes", "会議", "ミーティング", "議事録"}},
	{"todo", []string{"todo", "to-do", "task", "やること", "タスク"}},
	{"idea", []string{"idea", "brainstorm", "アイデア", "アイディア", "思いつき"}},
	{"project", []string{"project", "milestone", "プロジェクト"}},
	{"work", []string{"work", "office", "client", "仕事", "業務"}},
	{"study", []string{"study", "learn", "lecture", "勉強", "学習", "講義"}},
	{"shopping", []string{"shopping", "buy", "grocery", "買い物", "買う"}},
	{"travel", []string{"travel", "trip", "flight", "hotel", "旅行", "出張"}},
	{"recipe", []string{"recipe", "ingredients", "レシピ", "材料"}},
	{"health", []string{"health", "exercise", "doctor", "健康", "運動", "病院"}},
	{"finance", []string{"budget", "expense", "invoice", "家計", "予算", "支払い"}},
	{"diary", []string{"diary", "journal", "日記"}},
}

// TagSuggestions returns at most six unique tags: keyword matches, a length
// tag, and always exactly one lowercase weekday tag.
func (p *Provider) TagSuggestions(content string) []string {
	lower := strings.ToLower(content)

	var tags []string
	seen := make(map[string]bool)
	add := func(tag string) {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}

	for _, kt := range keywordTags {
		for _, kw := range kt.keywords {
			if strings.Contains(lower, kw) {
				add(kt.tag)
				break
			}
		}
	}

	switch n := utf8.RuneCountInString(strings.TrimSpace(content)); {
	case n < shortNote:
		add("short")
	case n > longNote:
		add("long")
	}

	if len(tags) > maxTags-1 {
		tags = tags[:maxTags-1]
	}
	return append(tags, strings.ToLower(p.now().Weekday().String()))
}
