package router

import (
	"regexp"
	"strings"
)

// Tier is the complexity classification that selects a candidate model list.
type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// Downshift returns the next cheaper tier, ok=false at the bottom.
func (t Tier) Downshift() (Tier, bool) {
	switch t {
	case TierComplex:
		return TierModerate, true
	case TierModerate:
		return TierSimple, true
	case TierSimple:
		return TierTrivial, true
	}
	return t, false
}

var greetingWords = map[string]bool{
	"hi": true, "hey": true, "hello": true, "yo": true, "sup": true,
	"thanks": true, "thank": true, "you": true, "ok": true, "okay": true,
	"yes": true, "no": true, "yep": true, "nope": true, "sure": true,
	"bye": true, "goodbye": true, "goodnight": true, "morning": true,
	"good": true, "night": true, "cool": true, "nice": true, "great": true,
}

var architectureKeywords = []string{
	"architecture", "architect", "design a system", "refactor", "scalab",
	"microservice", "distributed", "concurren", "database schema",
	"migration plan", "trade-off", "tradeoff",
}

var debugKeywords = []string{
	"debug", "stack trace", "stacktrace", "segfault", "panic:", "race condition",
	"deadlock", "memory leak", "root cause", "traceback", "exception",
}

var codeFenceRe = regexp.MustCompile("(?s)```")
var codeIdentRe = regexp.MustCompile(`\b\w+\(\)|\w+\.\w+\(|func |def |class |=>|:=|#include|import `)

// toolHintWords maps phrasing to a predicted tool need.
var toolHintWords = []string{
	"create a file", "write a file", "read the file", "save to", "delete",
	"run ", "execute", "search the web", "look up", "download", "fetch",
	"remind me", "schedule", "list the", "remember",
}

// TokenCount is the shared chars/4 heuristic. The routing contract only
// needs a stable, monotone estimate, not tokenizer-exact counts.
func TokenCount(s string) int {
	return len(s) / 4
}

// Classify maps an input plus recent history to a tier. Deterministic;
// no LLM call. Rules, in order: trivial short greetings, complex
// architecture/debug work or very long inputs, moderate code or
// multi-tool requests, else simple.
func Classify(input string, recentHistory []string) Tier {
	lower := strings.ToLower(input)
	tokens := TokenCount(input)
	for _, h := range recentHistory {
		tokens += TokenCount(h)
	}

	hasCode := codeFenceRe.MatchString(input) || codeIdentRe.MatchString(input)

	if tokens < 20 && !hasCode && isGreetingOnly(lower) {
		return TierTrivial
	}

	for _, kw := range architectureKeywords {
		if strings.Contains(lower, kw) {
			return TierComplex
		}
	}
	for _, kw := range debugKeywords {
		if strings.Contains(lower, kw) {
			return TierComplex
		}
	}
	if tokens > 500 {
		return TierComplex
	}

	if hasCode || PredictToolNeed(lower) > 2 {
		return TierModerate
	}

	return TierSimple
}

// PredictToolNeed counts distinct tool-suggesting phrases in the input.
func PredictToolNeed(lower string) int {
	n := 0
	for _, hint := range toolHintWords {
		if strings.Contains(lower, hint) {
			n++
		}
	}
	return n
}

func isGreetingOnly(lower string) bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if !greetingWords[f] {
			return false
		}
	}
	return true
}
