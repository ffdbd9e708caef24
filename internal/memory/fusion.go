package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// dormantProminence marks memories eligible for fusion clustering.
const dormantProminence = 0.7

// FusionResult summarizes one fusion pass.
type FusionResult struct {
	ClustersFound int
	Fused         int
}

type fusionSummary struct {
	Summary    string  `json:"summary"`
	Importance int     `json:"importance"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// FuseDormantClusters finds groups of faded related memories and collapses
// each into one derived memory. A cluster whose summary call fails is left
// untouched.
func (s *Store) FuseDormantClusters(ctx context.Context, userID string) (FusionResult, error) {
	var res FusionResult
	if s.llm == nil {
		return res, nil
	}

	clusters, err := s.dormantClusters(userID)
	if err != nil {
		return res, err
	}
	res.ClustersFound = len(clusters)
	if len(clusters) > s.cfg.FusionMaxClusters {
		clusters = clusters[:s.cfg.FusionMaxClusters]
	}

	for _, cluster := range clusters {
		if err := s.fuseCluster(ctx, userID, cluster); err != nil {
			slog.Warn("memory: fusion skipped cluster", "size", len(cluster), "error", err)
			continue
		}
		res.Fused++
	}
	return res, nil
}

// dormantClusters groups dormant memories connected by EXTENDS/UPDATES
// edges, largest clusters first. Each returned cluster has ≥2 members.
func (s *Store) dormantClusters(userID string) ([][]Memory, error) {
	rows, err := s.db.Query(selectMemory+`
		WHERE user_id = ? AND prominence < ? AND memory_type IN (?, ?)
		ORDER BY created_at`,
		userID, dormantProminence, string(TypeRegular), string(TypeSuperseded))
	if err != nil {
		return nil, fmt.Errorf("memory: dormant scan: %w", err)
	}
	dormant, err := collectMemories(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(dormant) < 2 {
		return nil, nil
	}

	ids := make([]string, len(dormant))
	index := make(map[string]int, len(dormant))
	for i, m := range dormant {
		ids[i] = m.ID
		index[m.ID] = i
	}

	edges, err := s.RelationsTouching(ids)
	if err != nil {
		return nil, err
	}

	// Union-find over cluster-forming edges.
	parent := make([]int, len(dormant))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for _, e := range edges {
		if e.RelationType != RelExtends && e.RelationType != RelUpdates {
			continue
		}
		si, sok := index[e.SourceID]
		ti, tok := index[e.TargetID]
		if !sok || !tok {
			continue
		}
		parent[find(si)] = find(ti)
	}

	groups := make(map[int][]Memory)
	for i, m := range dormant {
		root := find(i)
		groups[root] = append(groups[root], m)
	}

	var clusters [][]Memory
	for _, g := range groups {
		if len(g) >= 2 {
			clusters = append(clusters, g)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i]) != len(clusters[j]) {
			return len(clusters[i]) > len(clusters[j])
		}
		return clusters[i][0].ID < clusters[j][0].ID
	})
	return clusters, nil
}

// fuseCluster summarizes one cluster and atomically writes the derived
// memory, its DERIVES edges and the source supersessions.
func (s *Store) fuseCluster(ctx context.Context, userID string, cluster []Memory) error {
	summary, err := s.summarizeCluster(ctx, cluster)
	if err != nil {
		return err
	}

	emb, err := s.embedder.Embed(ctx, summary.Summary)
	if err != nil {
		return fmt.Errorf("embed summary: %w", err)
	}

	contents := make([]string, len(cluster))
	for i, m := range cluster {
		contents[i] = m.Content
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock().UTC()
	derived := Memory{
		ID:             uuid.NewString(),
		UserID:         userID,
		Content:        summary.Summary,
		Category:       Category(summary.Category),
		MemoryType:     TypeDerived,
		Importance:     summary.Importance,
		Confidence:     0.9,
		Prominence:     1.0,
		IsLatest:       true,
		Source:         "fusion",
		DocumentDate:   now,
		Embedding:      emb,
		SourceChunk:    strings.Join(contents, "\n"),
		LearnedFrom:    "gardener",
		TimesConfirmed: 1,
		CreatedAt:      now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin fusion: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO memories (id, user_id, content, category, memory_type, importance,
			confidence, prominence, is_latest, source, document_date, event_date,
			last_accessed, access_count, embedding, source_chunk, learned_from,
			times_confirmed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?, ?, ?, ?, ?)`,
		derived.ID, derived.UserID, derived.Content, string(derived.Category),
		string(derived.MemoryType), derived.Importance, derived.Confidence,
		derived.Prominence, 1, derived.Source, derived.DocumentDate,
		encodeEmbedding(derived.Embedding), derived.SourceChunk, derived.LearnedFrom,
		derived.TimesConfirmed, derived.CreatedAt); err != nil {
		return fmt.Errorf("insert derived: %w", err)
	}

	for _, src := range cluster {
		if _, err := tx.Exec(`
			INSERT INTO relations (id, source_id, target_id, relation_type, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), derived.ID, src.ID, string(RelDerives), 0.9, now); err != nil {
			return fmt.Errorf("insert derives edge: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE memories SET is_latest = 0, memory_type = ? WHERE id = ?`,
			string(TypeSuperseded), src.ID); err != nil {
			return fmt.Errorf("supersede source: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fusion: %w", err)
	}

	slog.Info("memory: fused cluster", "user", userID, "sources", len(cluster), "derived", derived.ID)
	return nil
}

func (s *Store) summarizeCluster(ctx context.Context, cluster []Memory) (*fusionSummary, error) {
	var sb strings.Builder
	for _, m := range cluster {
		fmt.Fprintf(&sb, "- %s\n", m.Content)
	}
	prompt := fmt.Sprintf(`Combine these related memories into one durable insight.

Memories:
%s
Reply with ONLY a JSON object:
{"summary": "...", "importance": 7, "category": "preference|fact|event|relationship|insight"}`,
		sb.String())

	temp := 0.0
	resp, err := s.llm.Complete(ctx, providers.CompletionRequest{
		Model:       s.llmModel,
		Messages:    []providers.Message{providers.TextMessage("user", prompt)},
		Temperature: &temp,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}

	var out fusionSummary
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text())), &out); err != nil {
		return nil, fmt.Errorf("parse fusion reply: %w", err)
	}
	if out.Summary == "" {
		return nil, fmt.Errorf("fusion reply missing summary")
	}
	if out.Importance < 1 || out.Importance > 10 {
		out.Importance = 5
	}
	if out.Category == "" {
		out.Category = string(CategoryInsight)
	}
	return &out, nil
}

// extractJSONObject pulls the first JSON object out of a model reply.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
