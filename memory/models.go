package memory

import "time"

// Kind describes what a memory captures. The set is closed: anything outside
// it is rejected at validation time.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindCode         Kind = "code"
	KindDecision     Kind = "decision"
	KindContext      Kind = "context"
)

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConversation, KindCode, KindDecision, KindContext:
		return true
	}
	return false
}

// Validation bounds.
const (
	MaxContentLength = 100_000
	MaxTagLength     = 100

	MinLimit = 1
	MaxLimit = 100

	DefaultImportance          = 0.5
	DefaultSearchLimit         = 10
	DefaultRecentLimit         = 20
	DefaultMinSimilarity       = 0.7
	DefaultRetrievalMultiplier = 3
	MaxRetrievalMultiplier     = 10
)

// Memory is a single stored record.
type Memory struct {
	ID             string                 `json:"id"`
	Content        string                 `json:"content"`
	Kind           Kind                   `json:"kind"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Importance     float64                `json:"importance"`
	AccessCount    int64                  `json:"access_count"`
	LastAccessedAt *time.Time             `json:"last_accessed_at,omitempty"` // nil until first retrieval
	Tags           []string               `json:"tags,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// StoreRequest is the input to StoreMemory.
type StoreRequest struct {
	Content    string
	Kind       Kind
	Importance *float64 // nil defaults to 0.5
	Tags       []string
	Metadata   map[string]interface{}
}

// SearchOptions controls SearchMemories. Zero values select the documented
// defaults; pointer fields distinguish "not set" from an explicit zero.
type SearchOptions struct {
	Kind                Kind     // filter to a single kind ("" = any)
	Limit               int      // 1-100, default 10
	MinSimilarity       *float64 // 0-1, default 0.7
	Tags                []string // memory must carry at least one of these
	UseReranker         *bool    // nil = default true
	RetrievalMultiplier int      // 1-10, default 3; only used while reranking
}

// RecentOptions controls GetRecentMemories.
type RecentOptions struct {
	MinImportance float64 // 0-1, default 0
	Kind          Kind    // filter to a single kind ("" = any)
	Limit         int     // 1-100, default 20
}

// SearchResult pairs a memory with its relevance score for one query. The
// score is a bi-encoder cosine similarity in [0,1], or the reranker's own
// relevance score when reranking ran; the two are not on the same scale.
type SearchResult struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}
