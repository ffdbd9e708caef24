package router

import (
	"strings"
	"testing"
)

func TestClassifyTiers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		history []string
		want    Tier
	}{
		{"greeting", "hey", nil, TierTrivial},
		{"thanks", "ok thanks!", nil, TierTrivial},
		{"plain question", "what time does the library close on sunday", nil, TierSimple},
		{"code snippet", "why does this fail?\n```\nfmt.Println(x)\n```", nil, TierModerate},
		{"inline code", "fix the bug in parseConfig() please", nil, TierModerate},
		{"multi tool", "read the file notes.txt, run the tests, then remind me to create a file with the results and schedule a review", nil, TierModerate},
		{"architecture", "help me design a system for syncing calendars", nil, TierComplex},
		{"debugging", "I'm getting a deadlock in the worker pool", nil, TierComplex},
		{"long input", strings.Repeat("some detail about my week ", 100), nil, TierComplex},
		{"long history", "and then?", []string{strings.Repeat("context ", 400)}, TierComplex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.input, tt.history); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	input := "summarize my notes and remind me about the dentist"
	first := Classify(input, nil)
	for i := 0; i < 50; i++ {
		if got := Classify(input, nil); got != first {
			t.Fatalf("classification changed between calls: %s then %s", first, got)
		}
	}
}

func TestDownshiftChain(t *testing.T) {
	tier := TierComplex
	var chain []Tier
	for {
		chain = append(chain, tier)
		next, ok := tier.Downshift()
		if !ok {
			break
		}
		tier = next
	}
	want := []Tier{TierComplex, TierModerate, TierSimple, TierTrivial}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("chain = %v, want %v", chain, want)
		}
	}
}

func TestSplitModelRef(t *testing.T) {
	tests := []struct {
		ref      string
		provider string
		model    string
		ok       bool
	}{
		{"groq/llama-3.1-8b-instant", "groq", "llama-3.1-8b-instant", true},
		{"openrouter/meta-llama/llama-3.3-70b", "openrouter", "meta-llama/llama-3.3-70b", true},
		{"noslash", "", "", false},
		{"/model", "", "", false},
		{"provider/", "", "", false},
	}
	for _, tt := range tests {
		p, m, ok := SplitModelRef(tt.ref)
		if p != tt.provider || m != tt.model || ok != tt.ok {
			t.Errorf("SplitModelRef(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.ref, p, m, ok, tt.provider, tt.model, tt.ok)
		}
	}
}
