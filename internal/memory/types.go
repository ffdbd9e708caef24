// Package memory is the hybrid long-term store: a memory graph with
// prominence decay, keyword + semantic + graph-activation retrieval,
// LLM re-ranking and relation inference.
package memory

import "time"

// Category classifies what kind of thing a memory records.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryEvent        Category = "event"
	CategoryRelationship Category = "relationship"
	CategoryInsight      Category = "insight"
)

// Type is the lifecycle classification of a memory row.
type Type string

const (
	TypeRegular       Type = "regular"
	TypeStaticProfile Type = "static_profile"
	TypeDerived       Type = "derived"
	TypeSuperseded    Type = "superseded"
	TypeArchived      Type = "archived"
)

// RelationType labels a directed edge between memories.
type RelationType string

const (
	RelUpdates RelationType = "UPDATES"
	RelExtends RelationType = "EXTENDS"
	RelDerives RelationType = "DERIVES"
)

// Memory is one record in the graph. Rows are immutable after creation
// except for prominence, lastAccessed, accessCount, isLatest and the
// memoryType transition to superseded/archived.
type Memory struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Content        string     `json:"content"`
	Category       Category   `json:"category"`
	MemoryType     Type       `json:"memory_type"`
	Importance     int        `json:"importance"` // 1..10
	Confidence     float64    `json:"confidence"` // [0,1]
	Prominence     float64    `json:"prominence"` // [0,1]
	IsLatest       bool       `json:"is_latest"`
	Source         string     `json:"source"`
	DocumentDate   time.Time  `json:"document_date"`
	EventDate      *time.Time `json:"event_date,omitempty"`
	LastAccessed   *time.Time `json:"last_accessed,omitempty"`
	AccessCount    int        `json:"access_count"`
	Embedding      []float32  `json:"-"`
	SourceChunk    string     `json:"source_chunk,omitempty"`
	LearnedFrom    string     `json:"learned_from"`
	TimesConfirmed int        `json:"times_confirmed"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Relation is a directed edge in the memory graph.
type Relation struct {
	ID           string       `json:"id"`
	SourceID     string       `json:"source_id"`
	TargetID     string       `json:"target_id"`
	RelationType RelationType `json:"relation_type"`
	Confidence   float64      `json:"confidence"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SearchResult is one ranked retrieval hit with its graph neighborhood.
type SearchResult struct {
	Memory  Memory   `json:"memory"`
	Score   float64  `json:"score"`
	Related []Memory `json:"related,omitempty"`
}

// AddOptions tunes the write path.
type AddOptions struct {
	Source          string
	LearnedFrom     string
	Importance      int  // 0 means default 5
	DetectRelations bool // run relation inference against dedup neighbors
	StaticProfile   bool // pin prominence at 1.0, never decays
}
