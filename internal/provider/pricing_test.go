package provider

import (
	"math"
	"testing"
)

func TestCostForUsesModelTable(t *testing.T) {
	usage := Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}

	got := CostFor("openai", ModelInfo{}, "gpt-4o-mini", usage)
	if math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("gpt-4o-mini cost = %v, want 0.75", got)
	}
}

func TestCostForFallsBackToProviderDefault(t *testing.T) {
	usage := Usage{PromptTokens: 2_000_000, CompletionTokens: 500_000}

	got := CostFor("anthropic", ModelInfo{}, "claude-unknown-model", usage)
	want := 2.0*3.00 + 0.5*15.00
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("default cost = %v, want %v", got, want)
	}
}

func TestCostForPrefersExplicitMetadata(t *testing.T) {
	usage := Usage{PromptTokens: 1_000_000}
	info := ModelInfo{InputPricePerM: 7.0}

	got := CostFor("openai", info, "gpt-4o", usage)
	if math.Abs(got-7.0) > 1e-9 {
		t.Fatalf("metadata cost = %v, want 7.0", got)
	}
}

func TestCostForLocalProviderIsZero(t *testing.T) {
	usage := Usage{PromptTokens: 5_000_000, CompletionTokens: 5_000_000}
	if got := CostFor("ollama", ModelInfo{}, "llama3.2", usage); got != 0 {
		t.Fatalf("local cost = %v, want 0", got)
	}
}
