package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// selectMemoryColumns is the standard column list for memories SELECT queries.
func selectMemoryColumns() []string {
	return []string{
		"id", "content", "kind", "metadata", "importance",
		"access_count", "last_accessed_at", "created_at", "updated_at",
	}
}

// scanMemoryRow converts one row of selectMemoryColumns into a typed Memory.
// Untyped driver rows never flow past this boundary.
func scanMemoryRow(rows *sql.Rows) (*Memory, error) {
	var (
		id           string
		content      string
		kind         string
		metaJSON     sql.NullString
		importance   float64
		accessCount  int64
		lastAccessed sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := rows.Scan(&id, &content, &kind, &metaJSON, &importance,
		&accessCount, &lastAccessed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var meta map[string]interface{}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata for memory %s: %w", id, err)
		}
	}

	m := &Memory{
		ID:          id,
		Content:     content,
		Kind:        Kind(kind),
		Metadata:    meta,
		Importance:  importance,
		AccessCount: accessCount,
		CreatedAt:   time.Unix(createdAt, 0),
		UpdatedAt:   time.Unix(updatedAt, 0),
	}
	if lastAccessed.Valid {
		t := time.Unix(lastAccessed.Int64, 0)
		m.LastAccessedAt = &t
	}
	return m, nil
}
