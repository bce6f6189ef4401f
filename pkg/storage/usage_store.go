package storage

import (
	"database/sql"
)

// UsageRecord is the persisted token accounting row for one conversation.
// LastUpdated is epoch milliseconds. Limit, when non-nil, is the
// conversation-specific token budget override.
type UsageRecord struct {
	ConversationID string `json:"conversationId"`
	TotalTokens    int64  `json:"totalTokens"`
	InputTokens    int64  `json:"inputTokens"`
	OutputTokens   int64  `json:"outputTokens"`
	LastUpdated    int64  `json:"lastUpdated"`
	Limit          *int64 `json:"limit,omitempty"`
}

// Clone returns an independent copy of the record.
func (r *UsageRecord) Clone() *UsageRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Limit != nil {
		v := *r.Limit
		out.Limit = &v
	}
	return &out
}

// GetUsage returns the usage record for a conversation, or nil if none is
// stored.
func (s *Store) GetUsage(conversationID string) (*UsageRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	rec := &UsageRecord{ConversationID: conversationID}
	var limit sql.NullInt64
	err := s.db.QueryRow(`
		SELECT total_tokens, input_tokens, output_tokens, last_updated, token_limit
		FROM usage_records WHERE conversation_id = ?
	`, conversationID).Scan(&rec.TotalTokens, &rec.InputTokens, &rec.OutputTokens, &rec.LastUpdated, &limit)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if limit.Valid {
		rec.Limit = &limit.Int64
	}
	return rec, nil
}

// SaveUsage stores or replaces the usage record for a conversation.
func (s *Store) SaveUsage(rec *UsageRecord) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	var limit any
	if rec.Limit != nil {
		limit = *rec.Limit
	}
	_, err := s.db.Exec(`
		INSERT INTO usage_records (conversation_id, total_tokens, input_tokens, output_tokens, last_updated, token_limit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			total_tokens=excluded.total_tokens,
			input_tokens=excluded.input_tokens,
			output_tokens=excluded.output_tokens,
			last_updated=excluded.last_updated,
			token_limit=excluded.token_limit
	`, rec.ConversationID, rec.TotalTokens, rec.InputTokens, rec.OutputTokens, rec.LastUpdated, limit)
	return err
}

// GetAllUsage returns every stored usage record keyed by conversation ID.
func (s *Store) GetAllUsage() (map[string]*UsageRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT conversation_id, total_tokens, input_tokens, output_tokens, last_updated, token_limit
		FROM usage_records
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*UsageRecord)
	for rows.Next() {
		rec := &UsageRecord{}
		var limit sql.NullInt64
		if err := rows.Scan(&rec.ConversationID, &rec.TotalTokens, &rec.InputTokens, &rec.OutputTokens, &rec.LastUpdated, &limit); err != nil {
			return nil, err
		}
		if limit.Valid {
			rec.Limit = &limit.Int64
		}
		out[rec.ConversationID] = rec
	}
	return out, rows.Err()
}

// ClearUsage removes the stored usage record for a conversation.
func (s *Store) ClearUsage(conversationID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM usage_records WHERE conversation_id = ?`, conversationID)
	return err
}
