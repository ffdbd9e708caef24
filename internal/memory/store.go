package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/providers"
)

// dedupThreshold is the cosine similarity above which a new memory merges
// into an existing one instead of creating a row.
const dedupThreshold = 0.92

// Completer is the slice of a provider the store needs for re-ranking,
// relation inference and fusion.
type Completer interface {
	Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error)
}

// Store is the memory graph. Writes serialize through one mutex; reads go
// straight to the database and see consistent snapshots.
type Store struct {
	db       *sql.DB
	embedder Embedder
	cfg      config.MemoryConfig
	clock    func() time.Time

	// llm is optional. When nil, re-ranking is skipped and relation
	// inference falls back to the heuristic.
	llm      Completer
	llmModel string

	writeMu sync.Mutex
}

// NewStore wraps an open database. clock is injectable for tests; nil
// means time.Now.
func NewStore(db *sql.DB, embedder Embedder, cfg config.MemoryConfig, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	if cfg.RerankMaxCandidates <= 0 {
		cfg.RerankMaxCandidates = 20
	}
	if cfg.DecayHalfLifeDays <= 0 {
		cfg.DecayHalfLifeDays = 30
	}
	if cfg.FusionMaxClusters <= 0 {
		cfg.FusionMaxClusters = 5
	}
	if cfg.ArchivalUtility <= 0 {
		cfg.ArchivalUtility = 0.1
	}
	if cfg.ArchivalMinAgeDays <= 0 {
		cfg.ArchivalMinAgeDays = 14
	}
	return &Store{db: db, embedder: embedder, cfg: cfg, clock: clock}
}

// SetLLM wires the cheap model used for re-ranking, relation inference
// and fusion summaries.
func (s *Store) SetLLM(llm Completer, model string) {
	s.llm = llm
	s.llmModel = model
}

// Add writes a memory, deduplicating against near-identical existing
// rows. Returns the stored memory and whether a new row was created.
func (s *Store) Add(ctx context.Context, userID, content string, category Category, opts AddOptions) (*Memory, bool, error) {
	emb, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, false, fmt.Errorf("memory: embed: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	neighbors, err := s.dedupCandidates(userID, content)
	if err != nil {
		return nil, false, err
	}
	for i := range neighbors {
		if Cosine(emb, neighbors[i].Embedding) > dedupThreshold {
			if err := s.confirm(neighbors[i].ID); err != nil {
				return nil, false, err
			}
			neighbors[i].TimesConfirmed++
			slog.Debug("memory: merged duplicate", "id", neighbors[i].ID, "user", userID)
			return &neighbors[i], false, nil
		}
	}

	now := s.clock().UTC()
	m := Memory{
		ID:             uuid.NewString(),
		UserID:         userID,
		Content:        content,
		Category:       category,
		MemoryType:     TypeRegular,
		Importance:     opts.Importance,
		Confidence:     1.0,
		Prominence:     1.0,
		IsLatest:       true,
		Source:         opts.Source,
		DocumentDate:   now,
		Embedding:      emb,
		LearnedFrom:    opts.LearnedFrom,
		TimesConfirmed: 1,
		CreatedAt:      now,
	}
	if m.Importance == 0 {
		m.Importance = 5
	}
	if opts.StaticProfile {
		m.MemoryType = TypeStaticProfile
	}

	if err := s.insert(&m); err != nil {
		return nil, false, err
	}

	if opts.DetectRelations && len(neighbors) > 0 {
		if err := s.inferAndLinkLocked(ctx, &m, neighbors); err != nil {
			slog.Warn("memory: relation inference failed", "id", m.ID, "error", err)
		}
	}
	return &m, true, nil
}

func (s *Store) insert(m *Memory) error {
	_, err := s.db.Exec(`
		INSERT INTO memories (id, user_id, content, category, memory_type, importance,
			confidence, prominence, is_latest, source, document_date, event_date,
			last_accessed, access_count, embedding, source_chunk, learned_from,
			times_confirmed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Content, string(m.Category), string(m.MemoryType), m.Importance,
		m.Confidence, m.Prominence, boolInt(m.IsLatest), m.Source, m.DocumentDate,
		nullTime(m.EventDate), nullTime(m.LastAccessed), m.AccessCount,
		encodeEmbedding(m.Embedding), nullString(m.SourceChunk), m.LearnedFrom,
		m.TimesConfirmed, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}
	return nil
}

func (s *Store) confirm(id string) error {
	_, err := s.db.Exec(`UPDATE memories SET times_confirmed = times_confirmed + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memory: confirm: %w", err)
	}
	return nil
}

// Get loads one memory by id.
func (s *Store) Get(id string) (*Memory, error) {
	row := s.db.QueryRow(selectMemory+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get: %w", err)
	}
	return m, nil
}

// dedupCandidates finds latest memories sharing tokens with the content.
func (s *Store) dedupCandidates(userID, content string) ([]Memory, error) {
	match := ftsQuery(content)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.Query(selectMemoryPrefixed+`
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.user_id = ? AND m.is_latest = 1
		LIMIT 8`, match, userID)
	if err != nil {
		return nil, fmt.Errorf("memory: dedup query: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// AddRelation inserts an edge. An UPDATES edge flips the target to
// superseded in the same transaction, so a reader never sees the edge
// with the target still latest.
func (s *Store) AddRelation(sourceID, targetID string, relType RelationType, confidence float64) (*Relation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.addRelationLocked(sourceID, targetID, relType, confidence)
}

func (s *Store) addRelationLocked(sourceID, targetID string, relType RelationType, confidence float64) (*Relation, error) {
	rel := Relation{
		ID:           uuid.NewString(),
		SourceID:     sourceID,
		TargetID:     targetID,
		RelationType: relType,
		Confidence:   confidence,
		CreatedAt:    s.clock().UTC(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("memory: begin relation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO relations (id, source_id, target_id, relation_type, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation_type) DO NOTHING`,
		rel.ID, rel.SourceID, rel.TargetID, string(rel.RelationType), rel.Confidence, rel.CreatedAt); err != nil {
		return nil, fmt.Errorf("memory: insert relation: %w", err)
	}
	if relType == RelUpdates {
		if _, err := tx.Exec(`
			UPDATE memories SET is_latest = 0, memory_type = ? WHERE id = ? AND memory_type != ?`,
			string(TypeSuperseded), targetID, string(TypeStaticProfile)); err != nil {
			return nil, fmt.Errorf("memory: supersede target: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory: commit relation: %w", err)
	}
	return &rel, nil
}

// RelationsTouching returns all edges where either end is in ids.
func (s *Store) RelationsTouching(ids []string) ([]Relation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := placeholders(len(ids))
	args := make([]any, 0, 2*len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.Query(`
		SELECT id, source_id, target_id, relation_type, confidence, created_at
		FROM relations WHERE source_id IN (`+ph+`) OR target_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: relations query: %w", err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		var rt string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &rt, &r.Confidence, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.RelationType = RelationType(rt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetMany loads memories by id, skipping missing ones.
func (s *Store) GetMany(ids []string) (map[string]Memory, error) {
	if len(ids) == 0 {
		return map[string]Memory{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(selectMemory+` WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: get many: %w", err)
	}
	defer rows.Close()
	ms, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Memory, len(ms))
	for _, m := range ms {
		out[m.ID] = m
	}
	return out, nil
}

// LatestByUser lists all isLatest rows for a user, most prominent first.
func (s *Store) LatestByUser(userID string) ([]Memory, error) {
	rows, err := s.db.Query(selectMemory+`
		WHERE user_id = ? AND is_latest = 1 AND memory_type != ?
		ORDER BY prominence DESC`, userID, string(TypeArchived))
	if err != nil {
		return nil, fmt.Errorf("memory: list latest: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// touchAccess bumps access bookkeeping after a retrieval.
func (s *Store) touchAccess(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	now := s.clock().UTC()
	for _, id := range ids {
		if _, err := s.db.Exec(`
			UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
			now, id); err != nil {
			slog.Warn("memory: access bump failed", "id", id, "error", err)
		}
	}
}

// keywordHits runs BM25 over the FTS index. Scores are normalized to
// (0,1], larger is better.
func (s *Store) keywordHits(userID, query string, limit int) (map[string]float64, error) {
	match := ftsQuery(query)
	if match == "" {
		return map[string]float64{}, nil
	}
	rows, err := s.db.Query(`
		SELECT m.id, bm25(memories_fts)
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.user_id = ? AND m.is_latest = 1
		ORDER BY bm25(memories_fts)
		LIMIT ?`, match, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: keyword query: %w", err)
	}
	defer rows.Close()

	hits := make(map[string]float64)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		// bm25() ranks lower-is-better and is typically negative.
		goodness := -rank
		if goodness < 0 {
			goodness = 0
		}
		hits[id] = goodness / (goodness + 1)
	}
	return hits, rows.Err()
}

// ftsQuery builds an OR match expression from the content's tokens.
func ftsQuery(content string) string {
	toks := tokenize(content)
	if len(toks) == 0 {
		return ""
	}
	if len(toks) > 12 {
		toks = toks[:12]
	}
	quoted := make([]string, len(toks))
	for i, t := range toks {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

const selectMemory = `
	SELECT id, user_id, content, category, memory_type, importance, confidence,
	       prominence, is_latest, source, document_date, event_date, last_accessed,
	       access_count, embedding, source_chunk, learned_from, times_confirmed, created_at
	FROM memories`

const selectMemoryPrefixed = `
	SELECT m.id, m.user_id, m.content, m.category, m.memory_type, m.importance, m.confidence,
	       m.prominence, m.is_latest, m.source, m.document_date, m.event_date, m.last_accessed,
	       m.access_count, m.embedding, m.source_chunk, m.learned_from, m.times_confirmed, m.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var category, memType string
	var isLatest int
	var eventDate, lastAccessed sql.NullTime
	var embedding []byte
	var sourceChunk sql.NullString

	err := row.Scan(&m.ID, &m.UserID, &m.Content, &category, &memType, &m.Importance,
		&m.Confidence, &m.Prominence, &isLatest, &m.Source, &m.DocumentDate,
		&eventDate, &lastAccessed, &m.AccessCount, &embedding, &sourceChunk,
		&m.LearnedFrom, &m.TimesConfirmed, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Category = Category(category)
	m.MemoryType = Type(memType)
	m.IsLatest = isLatest != 0
	if eventDate.Valid {
		t := eventDate.Time
		m.EventDate = &t
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessed = &t
	}
	m.Embedding = decodeEmbedding(embedding)
	m.SourceChunk = sourceChunk.String
	return &m, nil
}

func collectMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
