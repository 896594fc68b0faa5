package api

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTextRemovesScriptBlocks(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"simple script block", `<script>alert("xss")</script>`},
		{"script with attributes", `<script type="text/javascript">steal()</script>`},
		{"mixed case", `<ScRiPt>alert(1)</sCrIpT>`},
		{"multiline body", "<script>\nalert(1)\n</script>"},
		{"orphan open tag", `<script>no closing tag`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeText(tt.input)
			assert.NotContains(t, strings.ToLower(got), "<script")
			assert.NotContains(t, strings.ToLower(got), "alert(")
		})
	}
}

func TestSanitizeTextRemovesJavascriptURIs(t *testing.T) {
	got := SanitizeText(`<a href="javascript:alert(1)">click</a>`)
	assert.NotContains(t, strings.ToLower(got), "javascript:")
}

func TestSanitizeTextRemovesEventHandlers(t *testing.T) {
	tests := []string{
		`<img src="x" onerror="alert(1)">`,
		`<div onclick="evil()">hi</div>`,
		`<body onload =init()>`,
	}
	for _, input := range tests {
		got := SanitizeText(input)
		assert.NotRegexp(t, `(?i)on\w+\s*=`, got)
	}
}

func TestSanitizeTextHandlesNestedEvasion(t *testing.T) {
	// Removing the inner pattern must not reassemble an outer one
	tests := []string{
		`<scr<script>alert(1)</script>ipt>alert(2)</script>`,
		`java<script></script>script:alert(1)`,
		`javasonload=cript:alert(1)`,
	}
	for _, input := range tests {
		got := SanitizeText(input)
		assert.NotContains(t, strings.ToLower(got), "<script")
		assert.NotContains(t, strings.ToLower(got), "javascript:")
		assert.NotRegexp(t, `(?i)\bon\w+\s*=`, got)
	}
}

func TestSanitizeTextIsIdempotent(t *testing.T) {
	inputs := []string{
		`hello world`,
		`<script>alert(1)</script>plain`,
		`<b>bold</b> javascript:x onclick=y`,
		`func main() { fmt.Println("hi") }`,
	}
	for _, input := range inputs {
		once := SanitizeText(input)
		twice := SanitizeText(once)
		assert.Equal(t, once, twice, "sanitizing twice must equal sanitizing once for %q", input)
	}
}

func TestSanitizeTextPreservesPlainContent(t *testing.T) {
	got := SanitizeText("review this function for concurrency bugs")
	assert.Equal(t, "review this function for concurrency bugs", got)
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "user-123", "user-123"},
		{"email-ish", "alice@example.com", "alice@example.com"},
		{"strips angle brackets", "<script>bob", "scriptbob"},
		{"strips spaces", "a b c", "abc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeIdentifier(tt.input))
		})
	}
}

func TestSanitizeIdentifierTruncatesLongInput(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := SanitizeIdentifier(long)
	assert.Len(t, got, maxIdentifierLength)
}

func TestClampPosition(t *testing.T) {
	tests := []struct {
		name         string
		x, y         float64
		wantX, wantY float64
	}{
		{"in bounds", 100, 200, 100, 200},
		{"negative", -50, -1, 0, 0},
		{"beyond max", 5000, 2001, CanvasMaxX, CanvasMaxY},
		{"at edges", 0, 2000, 0, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := ClampPosition(tt.x, tt.y)
			assert.Equal(t, tt.wantX, x)
			assert.Equal(t, tt.wantY, y)
		})
	}
}

func TestClampPositionNonFinite(t *testing.T) {
	x, y := ClampPosition(math.NaN(), math.Inf(1))
	assert.Equal(t, float64(0), x)
	assert.Equal(t, float64(0), y)

	x, y = ClampPosition(math.Inf(-1), math.NaN())
	assert.Equal(t, float64(0), x)
	assert.Equal(t, float64(0), y)
}
