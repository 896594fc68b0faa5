package api

import (
	"math"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// contentPolicy is the singleton bluemonday policy for element content.
// StrictPolicy strips every tag; canvas content is rendered as plain text
// on the client, so no HTML allowlist is needed.
// bluemonday policies are safe for concurrent use after creation.
var contentPolicy *bluemonday.Policy

func init() {
	contentPolicy = bluemonday.StrictPolicy()
}

var (
	// scriptBlockRegex matches <script ...>...</script> blocks,
	// case-insensitive and non-greedy across newlines
	scriptBlockRegex = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)

	// orphanScriptTagRegex matches unpaired script open/close tags left over
	// from malformed input
	orphanScriptTagRegex = regexp.MustCompile(`(?i)</?script\b[^>]*>`)

	// jsURIRegex matches javascript: protocol prefixes
	jsURIRegex = regexp.MustCompile(`(?i)javascript\s*:`)

	// eventHandlerRegex matches inline event-handler attribute patterns
	// such as onclick= or onload =
	eventHandlerRegex = regexp.MustCompile(`(?i)\bon\w+\s*=`)

	// identifierCharsRegex matches characters outside the safe identifier class
	identifierCharsRegex = regexp.MustCompile(`[^A-Za-z0-9_.:@-]`)
)

// maxIdentifierLength bounds identifiers before they are used as map keys
// or log fields
const maxIdentifierLength = 128

// stripToFixpoint applies a removal regex repeatedly until the input stops
// changing, so removals that expose new matches (e.g. nested script tags)
// cannot survive a single pass. The iteration bound guards against
// pathological input.
func stripToFixpoint(re *regexp.Regexp, s string) string {
	for i := 0; i < 16; i++ {
		next := re.ReplaceAllString(s, "")
		if next == s {
			return next
		}
		s = next
	}
	return re.ReplaceAllString(s, "")
}

// SanitizeText strips executable markup from untrusted content: script
// blocks, remaining tag-like sequences, javascript: URIs, and inline event
// handler patterns. Idempotent: SanitizeText(SanitizeText(s)) == SanitizeText(s).
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = stripToFixpoint(scriptBlockRegex, s)
	s = stripToFixpoint(orphanScriptTagRegex, s)
	s = contentPolicy.Sanitize(s)
	// Removing one pattern can expose the other ("javas" + "onx=" + "cript:"),
	// so both run to a joint fixpoint.
	for i := 0; i < 16; i++ {
		next := jsURIRegex.ReplaceAllString(s, "")
		next = eventHandlerRegex.ReplaceAllString(next, "")
		if next == s {
			break
		}
		s = next
	}
	return s
}

// SanitizeIdentifier restricts an untrusted identifier to a safe character
// class and bounds its length. Used for session ids, user ids, and element
// ids before they become registry keys.
func SanitizeIdentifier(s string) string {
	s = identifierCharsRegex.ReplaceAllString(s, "")
	if len(s) > maxIdentifierLength {
		s = s[:maxIdentifierLength]
	}
	return s
}

// clampCoordinate clamps a single coordinate into [0, max]. Non-finite
// values collapse to 0 so arithmetic on stored positions stays total.
func clampCoordinate(v, max float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// ClampPosition clamps a position into the canvas bounds. Out-of-range
// positions are clamped, never rejected.
func ClampPosition(x, y float64) (float64, float64) {
	return clampCoordinate(x, CanvasMaxX), clampCoordinate(y, CanvasMaxY)
}
