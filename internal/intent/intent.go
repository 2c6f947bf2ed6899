// Package intent turns free-form chat text into a command guess.
//
// Parsing is deterministic: a slash-prefixed token is authoritative, and
// everything else runs through a fixed, ordered rule list. When nothing
// matches the parser says so (empty command, confidence 0) instead of
// guessing — callers must never default an unresolved message to a command.
package intent

import (
	"regexp"
	"strings"
)

// Result is the parser's verdict on one message.
type Result struct {
	Command    string  `json:"command,omitempty"`
	ProjectID  string  `json:"project_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Rule maps a set of substrings to a command. A rule matches when every
// substring appears (case-insensitively) in the text.
type Rule struct {
	Substrings []string
	Command    string
	Confidence float64 // always below 1.0, only slash commands are certain
}

var (
	slashPattern   = regexp.MustCompile(`^/([a-zA-Z][a-zA-Z0-9_-]*)`)
	projectPattern = regexp.MustCompile(`(?i)\bproject(?:\s*[:=#-]\s*|\s+)([A-Za-z0-9][A-Za-z0-9_-]*)`)
)

// defaultRules is ordered most-specific first; the first full match wins.
var defaultRules = []Rule{
	{Substrings: []string{"clean", "old"}, Command: "cleanup", Confidence: 0.9},
	{Substrings: []string{"clean"}, Command: "cleanup", Confidence: 0.8},
	{Substrings: []string{"insight"}, Command: "insights", Confidence: 0.75},
	{Substrings: []string{"summar"}, Command: "insights", Confidence: 0.6},
	{Substrings: []string{"export"}, Command: "export", Confidence: 0.75},
	{Substrings: []string{"archive"}, Command: "archive", Confidence: 0.7},
	{Substrings: []string{"status"}, Command: "status", Confidence: 0.7},
	{Substrings: []string{"health"}, Command: "status", Confidence: 0.6},
	{Substrings: []string{"sync"}, Command: "sync", Confidence: 0.7},
}

// Parser matches messages against its rule list.
type Parser struct {
	rules []Rule
}

// NewParser creates a parser with the default rule list.
func NewParser() *Parser {
	return &Parser{rules: defaultRules}
}

// NewParserWithRules creates a parser with a custom ordered rule list.
func NewParserWithRules(rules []Rule) *Parser {
	return &Parser{rules: rules}
}

// Parse classifies one message. The project scope is extracted from the
// text when present (`project:alpha`, `project alpha`, ...), falling back
// to projectHint; command matching never depends on it.
func (p *Parser) Parse(text, projectHint string) Result {
	trimmed := strings.TrimSpace(text)

	result := Result{ProjectID: projectHint}
	if m := projectPattern.FindStringSubmatch(trimmed); m != nil {
		result.ProjectID = m[1]
	}

	// Slash commands are authoritative, no rule matching afterwards.
	if m := slashPattern.FindStringSubmatch(trimmed); m != nil {
		result.Command = strings.ToLower(m[1])
		result.Confidence = 1.0
		return result
	}

	lower := strings.ToLower(trimmed)
	for _, rule := range p.rules {
		if matchesAll(lower, rule.Substrings) {
			result.Command = rule.Command
			result.Confidence = rule.Confidence
			return result
		}
	}

	return result
}

func matchesAll(lower string, substrings []string) bool {
	for _, s := range substrings {
		if !strings.Contains(lower, strings.ToLower(s)) {
			return false
		}
	}
	return true
}
