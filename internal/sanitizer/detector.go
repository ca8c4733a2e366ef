// Package sanitizer detects injection payloads in request input so the
// guard middleware can reject them before they reach a handler.
package sanitizer

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Kind of injection found in a value
type Kind string

// Injection kinds
const (
	KindSQL  Kind = "sql"
	KindHTML Kind = "html"
)

// Finding describes one detected payload
type Finding struct {
	Kind    Kind
	Pattern string
}

var (
	sqlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?\bselect\b`),
		regexp.MustCompile(`(?i)'\s*(or|and)\s+'?[\w]+'?\s*=\s*'?[\w]+`),
		regexp.MustCompile(`(?i)\bor\b\s+\d+\s*=\s*\d+`),
		regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|truncate|create)\b`),
		regexp.MustCompile(`(?i)'\s*(--|#|/\*)`),
		regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`),
	}

	scriptRegex       = regexp.MustCompile(`(?i)<\s*script[^>]*>`)
	eventHandlerRegex = regexp.MustCompile(`(?i)<[^>]+\s+on[a-z]+\s*=`)
	jsURLRegex        = regexp.MustCompile(`(?i)javascript\s*:`)
)

// Detector looks for SQL and HTML injection payloads
type Detector struct {
	policy *bluemonday.Policy
}

// NewDetector creates a Detector
func NewDetector() *Detector {
	return &Detector{policy: bluemonday.StrictPolicy()}
}

// Detect reports the first injection pattern found in value
func (d *Detector) Detect(value string) (Finding, bool) {
	if value == "" {
		return Finding{}, false
	}
	for _, re := range sqlPatterns {
		if re.MatchString(value) {
			return Finding{Kind: KindSQL, Pattern: re.String()}, true
		}
	}
	return d.detectHTML(value)
}

// DetectAll checks every value and returns the first finding
func (d *Detector) DetectAll(values ...string) (Finding, bool) {
	for _, v := range values {
		if f, ok := d.Detect(v); ok {
			return f, true
		}
	}
	return Finding{}, false
}

func (d *Detector) detectHTML(value string) (Finding, bool) {
	switch {
	case scriptRegex.MatchString(value):
		return Finding{Kind: KindHTML, Pattern: "script"}, true
	case eventHandlerRegex.MatchString(value):
		return Finding{Kind: KindHTML, Pattern: "event_handler"}, true
	case jsURLRegex.MatchString(value):
		return Finding{Kind: KindHTML, Pattern: "javascript_url"}, true
	}

	// Markup the strict policy has to strip is not plain text
	if strings.ContainsRune(value, '<') && d.policy.Sanitize(value) != html.EscapeString(value) {
		return Finding{Kind: KindHTML, Pattern: "markup"}, true
	}
	return Finding{}, false
}
