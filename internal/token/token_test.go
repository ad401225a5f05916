package token

import (
	"strings"
	"testing"
)

func TestCountNonEmpty(t *testing.T) {
	if got := Count("The quick brown fox jumps over the lazy dog"); got < 5 || got > 20 {
		t.Fatalf("implausible token count %d", got)
	}
	if got := Count(""); got != 0 {
		t.Fatalf("empty string counted %d tokens", got)
	}
}

func TestEstimateFast(t *testing.T) {
	cases := []struct {
		text string
		min  int
	}{
		{"", 0},
		{"word", 1},
		{"one two three four five", 5},
	}
	for _, tc := range cases {
		if got := EstimateFast(tc.text); got < tc.min {
			t.Errorf("EstimateFast(%q) = %d, want >= %d", tc.text, got, tc.min)
		}
	}
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta ", 200)
	out := TruncateToTokens(text, 50)
	if len(out) >= len(text) {
		t.Fatal("expected truncation")
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", out[len(out)-8:])
	}
	if got := TruncateToTokens("short", 50); got != "short" {
		t.Fatalf("short text should pass through, got %q", got)
	}
}

func TestEstimateMessageStripsBase64(t *testing.T) {
	prose := "Analyze the attached screenshot and describe the layout."
	payload := "data:image/png;base64," + strings.Repeat("iVBORw0KGgoAAAANSU", 500)

	withPayload := EstimateMessage(prose+" "+payload, 0)
	proseOnly := EstimateMessage(prose, 0)
	if withPayload > proseOnly+10 {
		t.Fatalf("base64 payload inflated estimate: %d vs %d", withPayload, proseOnly)
	}

	withImage := EstimateMessage(prose, 2)
	if withImage != proseOnly+2000 {
		t.Fatalf("image overhead = %d, want %d", withImage, proseOnly+2000)
	}
}
