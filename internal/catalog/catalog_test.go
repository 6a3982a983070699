package catalog

import (
	"reflect"
	"testing"
)

func TestPresetsOrderAndCustom(t *testing.T) {
	presets := Presets()
	wantOrder := []string{"OpenAI", "Anthropic", "Google AI", "Mistral", "Groq", "Together AI", "Custom"}
	if len(presets) != len(wantOrder) {
		t.Fatalf("expected %d presets, got %d", len(wantOrder), len(presets))
	}
	for i, p := range presets {
		if p.Name != wantOrder[i] {
			t.Fatalf("preset %d: expected %q, got %q", i, wantOrder[i], p.Name)
		}
	}

	custom := presets[len(presets)-1]
	if custom.BaseURL != "" || len(custom.DefaultModels) != 0 {
		t.Fatalf("custom preset must have empty base url and default models, got %+v", custom)
	}
	seen := map[string]bool{}
	for _, p := range presets {
		if seen[p.Name] {
			t.Fatalf("duplicate preset name %q", p.Name)
		}
		seen[p.Name] = true
	}
}

func TestLookup(t *testing.T) {
	p, ok := Lookup("Groq")
	if !ok || p.Family != FamilyOpenAICompat {
		t.Fatalf("lookup groq: ok=%v family=%v", ok, p.Family)
	}
	if _, ok := Lookup("nope"); ok {
		t.Fatalf("expected miss for unknown provider")
	}
}

func TestRulesOpenAIFilter(t *testing.T) {
	p, _ := Lookup("OpenAI")
	got := p.Rules.Apply([]string{"gpt-4o", "text-moderation-latest", "gpt-3.5-turbo-instruct"})
	if !reflect.DeepEqual(got, []string{"gpt-4o"}) {
		t.Fatalf("unexpected filtered list %v", got)
	}
}

func TestRulesPriorityOrdering(t *testing.T) {
	p, _ := Lookup("OpenAI")
	got := p.Rules.Apply([]string{"gpt-3.5-turbo", "gpt-4o", "gpt-4-turbo"})
	want := []string{"gpt-4o", "gpt-4-turbo", "gpt-3.5-turbo"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRulesLexicographicWithoutPriority(t *testing.T) {
	r := ModelRules{}
	got := r.Apply([]string{"zeta", "alpha", "mid"})
	if !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestRulesNonMatchingKeepRelativeOrder(t *testing.T) {
	r := ModelRules{Priority: []string{"gpt-4o"}}
	got := r.Apply([]string{"b-model", "gpt-4o", "a-model"})
	want := []string{"gpt-4o", "b-model", "a-model"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
