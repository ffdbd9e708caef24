package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// Blend weights for the three retrieval signals and the re-rank mix.
const (
	keywordWeight    = 0.35
	semanticWeight   = 0.45
	activationWeight = 0.20

	rerankBlendWeight = 0.4
	rerankLLMWeight   = 0.6

	minFinalScore  = 0.05
	maxRelated     = 3
	activationSeed = 10
)

// edgeSpread is the forward/backward activation carried across one edge.
var edgeSpread = map[RelationType][2]float64{
	RelUpdates: {0.9, 0.1},
	RelExtends: {0.7, 0.3},
	RelDerives: {0.8, 0.2},
}

// Search runs hybrid retrieval: BM25 keyword, embedding cosine, and
// two-hop graph activation, blended and then re-ranked by a cheap model.
// Re-rank failure falls back to blended order; search always returns.
func (s *Store) Search(ctx context.Context, query, userID string, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 5
	}

	kw, err := s.keywordHits(userID, query, s.cfg.RerankMaxCandidates)
	if err != nil {
		return nil, err
	}

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	latest, err := s.LatestByUser(userID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Memory, len(latest))
	sem := make(map[string]float64, len(latest))
	for _, m := range latest {
		byID[m.ID] = m
		if c := Cosine(queryEmb, m.Embedding); c > 0 {
			sem[m.ID] = c
		}
	}

	activation := s.spreadActivation(seedScores(kw, sem), byID)

	blended := make(map[string]float64)
	for id := range byID {
		score := keywordWeight*kw[id] + semanticWeight*sem[id] + activationWeight*activation[id]
		if score > 0 {
			blended[id] = score
		}
	}
	if len(blended) == 0 {
		return nil, nil
	}

	ordered := sortedByScore(blended)
	if len(ordered) > s.cfg.RerankMaxCandidates {
		ordered = ordered[:s.cfg.RerankMaxCandidates]
	}

	final := s.rerank(ctx, query, ordered, blended, byID)

	var results []SearchResult
	for _, id := range sortedByScore(final) {
		if final[id] < minFinalScore {
			continue
		}
		m, ok := byID[id]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Memory: m, Score: final[id]})
		if len(results) == k {
			break
		}
	}

	touched := make([]string, 0, len(results))
	for i := range results {
		touched = append(touched, results[i].Memory.ID)
		related, err := s.relatedByActivation(results[i].Memory.ID, activation)
		if err != nil {
			slog.Warn("memory: related lookup failed", "id", results[i].Memory.ID, "error", err)
			continue
		}
		results[i].Related = related
	}
	s.touchAccess(touched)
	return results, nil
}

// seedScores merges keyword and semantic hits into activation seeds.
func seedScores(kw, sem map[string]float64) map[string]float64 {
	seeds := make(map[string]float64)
	for id, v := range kw {
		seeds[id] += v
	}
	for id, v := range sem {
		seeds[id] += v
	}
	ids := sortedByScore(seeds)
	if len(ids) > activationSeed {
		for _, id := range ids[activationSeed:] {
			delete(seeds, id)
		}
	}
	return seeds
}

// spreadActivation pushes seed energy across up to two hops of edges.
// With ActivationNoise == 0 the result is deterministic.
func (s *Store) spreadActivation(seeds map[string]float64, byID map[string]Memory) map[string]float64 {
	act := make(map[string]float64, len(seeds))
	for id, v := range seeds {
		act[id] = v
	}
	if len(seeds) == 0 {
		return act
	}

	frontier := make([]string, 0, len(seeds))
	for id := range seeds {
		frontier = append(frontier, id)
	}
	sort.Strings(frontier)

	for hop := 0; hop < 2; hop++ {
		edges, err := s.RelationsTouching(frontier)
		if err != nil {
			slog.Warn("memory: activation edge query failed", "error", err)
			return act
		}
		next := make(map[string]bool)
		inFrontier := make(map[string]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		for _, e := range edges {
			w, ok := edgeSpread[e.RelationType]
			if !ok {
				continue
			}
			if inFrontier[e.SourceID] {
				if gain := act[e.SourceID] * w[0]; gain > act[e.TargetID] {
					act[e.TargetID] = s.withNoise(gain)
					next[e.TargetID] = true
				}
			}
			if inFrontier[e.TargetID] {
				if gain := act[e.TargetID] * w[1]; gain > act[e.SourceID] {
					act[e.SourceID] = s.withNoise(gain)
					next[e.SourceID] = true
				}
			}
		}

		frontier = frontier[:0]
		for id := range next {
			frontier = append(frontier, id)
		}
		sort.Strings(frontier)
		if len(frontier) == 0 {
			break
		}
	}
	return act
}

func (s *Store) withNoise(v float64) float64 {
	if s.cfg.ActivationNoise <= 0 {
		return v
	}
	v += rand.NormFloat64() * s.cfg.ActivationNoise
	if v < 0 {
		return 0
	}
	return v
}

// rerank asks the configured cheap model to score the candidates and
// mixes its scores with the blended ones. Candidates the model omits
// keep their original score; any failure keeps blended order.
func (s *Store) rerank(ctx context.Context, query string, ordered []string, blended map[string]float64, byID map[string]Memory) map[string]float64 {
	final := make(map[string]float64, len(ordered))
	for _, id := range ordered {
		final[id] = blended[id]
	}
	if s.llm == nil || len(ordered) == 0 {
		return final
	}

	var sb strings.Builder
	for i, id := range ordered {
		fmt.Fprintf(&sb, "%d. %s\n", i, byID[id].Content)
	}
	prompt := fmt.Sprintf(`Score each memory for relevance to the query.
Query: %q

Memories:
%s
Reply with ONLY a JSON array: [{"index": 0, "score": 0.85}, ...] with score in [0,1].`,
		query, sb.String())

	temp := 0.0
	resp, err := s.llm.Complete(ctx, providers.CompletionRequest{
		Model:       s.llmModel,
		Messages:    []providers.Message{providers.TextMessage("user", prompt)},
		Temperature: &temp,
		MaxTokens:   1024,
	})
	if err != nil {
		slog.Warn("memory: rerank failed, using blended scores", "error", err)
		return final
	}

	var scores []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(extractJSONArray(resp.Text())), &scores); err != nil {
		slog.Warn("memory: rerank parse failed, using blended scores", "error", err)
		return final
	}

	for _, sc := range scores {
		if sc.Index < 0 || sc.Index >= len(ordered) {
			continue
		}
		if sc.Score < 0 || sc.Score > 1 {
			continue
		}
		id := ordered[sc.Index]
		final[id] = rerankBlendWeight*blended[id] + rerankLLMWeight*sc.Score
	}
	return final
}

// relatedByActivation loads up to maxRelated latest neighbors of a result,
// strongest activation first.
func (s *Store) relatedByActivation(id string, activation map[string]float64) ([]Memory, error) {
	edges, err := s.RelationsTouching([]string{id})
	if err != nil {
		return nil, err
	}
	neighborIDs := make([]string, 0, len(edges))
	for _, e := range edges {
		other := e.TargetID
		if other == id {
			other = e.SourceID
		}
		neighborIDs = append(neighborIDs, other)
	}
	if len(neighborIDs) == 0 {
		return nil, nil
	}

	neighbors, err := s.GetMany(neighborIDs)
	if err != nil {
		return nil, err
	}
	var out []Memory
	for _, nid := range neighborIDs {
		m, ok := neighbors[nid]
		if !ok || !m.IsLatest {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := activation[out[i].ID], activation[out[j].ID]
		if ai != aj {
			return ai > aj
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > maxRelated {
		out = out[:maxRelated]
	}
	return out, nil
}

// sortedByScore orders ids best-first with id as a deterministic tiebreak.
func sortedByScore(scores map[string]float64) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// extractJSONArray pulls the first JSON array out of a model reply that
// may wrap it in prose or code fences.
func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
