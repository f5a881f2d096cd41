// Package classifier maps raw probe responses onto outcome kinds using
// configurable marker sets. Classification is total: every response, however
// malformed, yields exactly one outcome and never panics.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/availability-prober/internal/probe"
)

const defaultExcerptLength = 120

// defaultSentinels are payloads that parse but carry no signal.
var defaultSentinels = []string{"[]", "{}", "null", `""`}

// Rules configures the marker sets consulted by the classifier. Markers are
// matched case-insensitively as substrings, except DegradedMarkers which must
// equal the trimmed body.
type Rules struct {
	// StatusField is an optional dot path into a JSON body whose value is
	// matched before the raw body.
	StatusField      string
	AvailableMarkers []string
	TakenMarkers     []string
	InvalidMarkers   []string
	DegradedMarkers  []string
	ThrottleMarkers  []string
	// ExcerptLength bounds the raw text kept on unknown outcomes.
	ExcerptLength int
}

// Classifier implements probe.Classifier.
type Classifier struct {
	statusField []string
	available   []string
	taken       []string
	invalid     []string
	throttle    []string
	sentinels   map[string]struct{}
	excerpt     int
}

// New builds a Classifier from rules.
func New(rules Rules) *Classifier {
	c := &Classifier{
		available: lower(rules.AvailableMarkers),
		taken:     lower(rules.TakenMarkers),
		invalid:   lower(rules.InvalidMarkers),
		throttle:  lower(rules.ThrottleMarkers),
		sentinels: make(map[string]struct{}),
		excerpt:   rules.ExcerptLength,
	}
	if c.excerpt <= 0 {
		c.excerpt = defaultExcerptLength
	}
	if field := strings.TrimSpace(rules.StatusField); field != "" {
		c.statusField = strings.Split(field, ".")
	}
	for _, s := range append(append([]string(nil), defaultSentinels...), rules.DegradedMarkers...) {
		c.sentinels[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return c
}

// Classify applies the rules in precedence order: transport, throttle, server
// error, degraded, available, taken, invalid, garbage, unknown.
func (c *Classifier) Classify(resp probe.RawResponse) probe.Outcome {
	if resp.Err != nil {
		return probe.Failed(transportReason(resp.Err))
	}

	body := resp.Body
	text := strings.ToLower(string(body))

	if resp.StatusCode == http.StatusTooManyRequests || containsAny(text, c.throttle) != "" {
		return probe.RateLimited()
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return probe.Failed(fmt.Sprintf("http %d", resp.StatusCode))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return probe.Degraded()
	}
	if _, ok := c.sentinels[trimmed]; ok {
		return probe.Degraded()
	}

	if field, ok := c.extractField(body); ok {
		if field == "" {
			return probe.Degraded()
		}
		if out, ok := c.matchMarkers(field); ok {
			return out
		}
	}
	if out, ok := c.matchMarkers(text); ok {
		return out
	}

	if isGarbage(body) {
		return probe.Failed("unparseable body")
	}
	return probe.Unknown(c.truncate(string(body)))
}

func (c *Classifier) matchMarkers(text string) (probe.Outcome, bool) {
	if containsAny(text, c.available) != "" {
		return probe.Available(), true
	}
	if containsAny(text, c.taken) != "" {
		return probe.Taken(), true
	}
	if marker := containsAny(text, c.invalid); marker != "" {
		return probe.Invalid(marker), true
	}
	return probe.Outcome{}, false
}

// extractField walks the configured dot path through a JSON body. The second
// return is false when no path is configured, the body is not JSON, or the
// path does not resolve.
func (c *Classifier) extractField(body []byte) (string, bool) {
	if len(c.statusField) == 0 {
		return "", false
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	cur := doc
	for _, key := range c.statusField {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[key]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", true
	case string:
		return strings.ToLower(strings.TrimSpace(v)), true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return strings.ToLower(string(raw)), true
	}
}

func (c *Classifier) truncate(s string) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "")
	if len(s) <= c.excerpt {
		return s
	}
	cut := c.excerpt
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "transport"
}

func isGarbage(body []byte) bool {
	return !utf8.Valid(body) || bytes.IndexByte(body, 0) >= 0
}

func containsAny(text string, markers []string) string {
	for _, m := range markers {
		if m != "" && strings.Contains(text, m) {
			return m
		}
	}
	return ""
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
