// Package analyzer defines the parsing and analysis boundary the pipeline
// calls for every log entry, plus a built-in heuristic implementation used
// as the default and as the degraded fallback path.
package analyzer

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/logwarden/logwarden/internal/errors"
	"github.com/logwarden/logwarden/internal/models"
)

// ParsedEvent is the normalized form of one log line.
type ParsedEvent struct {
	Raw       string            `json:"raw"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Parser validates and normalizes entry content before analysis.
type Parser interface {
	Parse(entry *models.LogEntry) (ParsedEvent, error)
}

// Result is the analyzer's verdict for one parsed event.
type Result struct {
	SeverityScore   int      `json:"severityScore"` // 1..10, 10 highest
	Explanation     string   `json:"explanation"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Analyzer scores a parsed event. Implementations may fail transiently;
// the pipeline retries within the entry's budget.
type Analyzer interface {
	Analyze(ctx context.Context, event ParsedEvent) (Result, error)
}

// LineParser is the default parser: it rejects empty and binary content
// and extracts simple key=value fields.
type LineParser struct{}

// Parse implements Parser.
func (LineParser) Parse(entry *models.LogEntry) (ParsedEvent, error) {
	content := strings.TrimSpace(entry.Content)
	if content == "" {
		return ParsedEvent{}, apperrors.Parsing("parser", "parse", apperrors.ErrInvalidInput)
	}
	for _, r := range content {
		if r == 0 {
			return ParsedEvent{}, apperrors.Parsing("parser", "parse",
				apperrors.ErrInvalidInput).WithEntry(entry.ID)
		}
	}

	fields := make(map[string]string)
	for _, token := range strings.Fields(content) {
		if i := strings.IndexByte(token, '='); i > 0 && i < len(token)-1 {
			key := token[:i]
			value := strings.Trim(token[i+1:], `"`)
			fields[key] = value
		}
	}

	return ParsedEvent{
		Raw:       content,
		Source:    entry.SourceName,
		Timestamp: entry.Timestamp,
		Fields:    fields,
	}, nil
}

// severityKeywords drive the heuristic scoring, checked in order; the
// first match wins.
var severityKeywords = []struct {
	score    int
	markers  []string
	verdict  string
	guidance []string
}{
	{10, []string{"intrusion", "breach", "rootkit", "backdoor"},
		"Possible active compromise detected",
		[]string{"Isolate the affected host", "Preserve logs for forensics"}},
	{9, []string{"authentication failure", "failed password", "invalid user", "unauthorized"},
		"Authentication failure observed",
		[]string{"Review the source address", "Check for brute-force patterns"}},
	{8, []string{"segfault", "kernel panic", "oom-killer", "fatal"},
		"Host-level fault recorded",
		[]string{"Inspect system health on the affected host"}},
	{7, []string{"denied", "refused", "forbidden", "blocked"},
		"Access denial recorded", nil},
	{5, []string{"error", "exception", "failure"},
		"Application error recorded", nil},
	{3, []string{"warn", "warning", "deprecated"},
		"Warning-level message", nil},
}

// Heuristic is the built-in keyword analyzer.
type Heuristic struct{}

// Analyze implements Analyzer. It never fails.
func (Heuristic) Analyze(_ context.Context, event ParsedEvent) (Result, error) {
	lower := strings.ToLower(event.Raw)
	for _, rule := range severityKeywords {
		for _, marker := range rule.markers {
			if strings.Contains(lower, marker) {
				return Result{
					SeverityScore:   rule.score,
					Explanation:     rule.verdict,
					Recommendations: rule.guidance,
				}, nil
			}
		}
	}
	return Result{SeverityScore: 1, Explanation: "No known threat markers"}, nil
}
