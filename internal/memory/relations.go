package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

type inferredRelation struct {
	TargetID   string  `json:"targetId"`
	Relation   string  `json:"relation"` // UPDATES, EXTENDS or NONE
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// inferAndLinkLocked decides how a new memory relates to its dedup
// neighbors and inserts the edges. Caller holds writeMu.
func (s *Store) inferAndLinkLocked(ctx context.Context, m *Memory, neighbors []Memory) error {
	inferred := s.inferRelations(ctx, m, neighbors)

	for _, rel := range inferred {
		var rt RelationType
		switch rel.Relation {
		case "UPDATES":
			rt = RelUpdates
		case "EXTENDS":
			rt = RelExtends
		default:
			continue
		}
		if rel.Confidence <= 0 || rel.Confidence > 1 {
			rel.Confidence = 0.5
		}
		if _, err := s.addRelationLocked(m.ID, rel.TargetID, rt, rel.Confidence); err != nil {
			return err
		}
		slog.Debug("memory: relation added", "type", rt, "source", m.ID, "target", rel.TargetID)
	}
	return nil
}

// inferRelations asks the cheap model to classify each neighbor; when the
// model is unavailable or the reply does not parse, a token heuristic
// decides instead.
func (s *Store) inferRelations(ctx context.Context, m *Memory, neighbors []Memory) []inferredRelation {
	if s.llm != nil {
		if rels, err := s.inferWithLLM(ctx, m, neighbors); err == nil {
			return rels
		} else {
			slog.Warn("memory: relation LLM failed, using heuristic", "error", err)
		}
	}
	return heuristicRelations(m, neighbors)
}

func (s *Store) inferWithLLM(ctx context.Context, m *Memory, neighbors []Memory) ([]inferredRelation, error) {
	var sb strings.Builder
	for _, n := range neighbors {
		fmt.Fprintf(&sb, "- id=%s: %s\n", n.ID, n.Content)
	}
	prompt := fmt.Sprintf(`A new memory was stored. For each existing memory below, decide whether
the new one UPDATES it (replaces stale information), EXTENDS it (adds
detail to the same fact) or NONE.

New memory: %q

Existing memories:
%s
Reply with ONLY a JSON array:
[{"targetId": "...", "relation": "UPDATES|EXTENDS|NONE", "confidence": 0.9, "reason": "..."}]`,
		m.Content, sb.String())

	temp := 0.0
	resp, err := s.llm.Complete(ctx, providers.CompletionRequest{
		Model:       s.llmModel,
		Messages:    []providers.Message{providers.TextMessage("user", prompt)},
		Temperature: &temp,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	var rels []inferredRelation
	if err := json.Unmarshal([]byte(extractJSONArray(resp.Text())), &rels); err != nil {
		return nil, fmt.Errorf("parse relation reply: %w", err)
	}

	known := make(map[string]bool, len(neighbors))
	for _, n := range neighbors {
		known[n.ID] = true
	}
	out := rels[:0]
	for _, r := range rels {
		if known[r.TargetID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// heuristicRelations is the no-LLM fallback: a shared leading subject with
// a changed tail means UPDATES; a neighbor fully contained in the new
// content means the new one EXTENDS it.
func heuristicRelations(m *Memory, neighbors []Memory) []inferredRelation {
	newToks := tokenize(m.Content)
	var out []inferredRelation
	for _, n := range neighbors {
		nbToks := tokenize(n.Content)
		switch {
		case containsAll(newToks, nbToks) && len(newToks) > len(nbToks):
			out = append(out, inferredRelation{
				TargetID: n.ID, Relation: "EXTENDS", Confidence: 0.6,
				Reason: "adds qualifier to same statement",
			})
		case sharedPrefix(newToks, nbToks) >= 2 && tailDiffers(newToks, nbToks):
			out = append(out, inferredRelation{
				TargetID: n.ID, Relation: "UPDATES", Confidence: 0.6,
				Reason: "same subject, changed object",
			})
		}
	}
	return out
}

func sharedPrefix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func tailDiffers(a, b []string) bool {
	p := sharedPrefix(a, b)
	return p < len(a) && p < len(b)
}

func containsAll(haystack, needles []string) bool {
	if len(needles) == 0 {
		return false
	}
	set := make(map[string]bool, len(haystack))
	for _, t := range haystack {
		set[t] = true
	}
	for _, t := range needles {
		if !set[t] {
			return false
		}
	}
	return true
}
