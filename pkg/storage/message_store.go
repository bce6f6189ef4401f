package storage

import (
	"time"
)

// Message represents one conversation history entry. SenderID and SenderType
// are set for relayed agent-to-agent messages ("agent") and left empty for
// the conversation's own user/assistant turns.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderType     string    `json:"senderType,omitempty"`
	Tokens         int       `json:"tokens"`
	Timestamp      time.Time `json:"timestamp"`
}

// SaveMessage persists a message and fills in its assigned ID.
func (s *Store) SaveMessage(msg *Message) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	result, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, role, content, sender_id, sender_type, tokens, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ConversationID, msg.Role, msg.Content, nullIfEmpty(msg.SenderID), nullIfEmpty(msg.SenderType), msg.Tokens, msg.Timestamp)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// GetMessages returns a conversation's history in insertion order.
func (s *Store) GetMessages(conversationID string) ([]*Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, sender_id, sender_type, tokens, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var senderID, senderType *string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &senderID, &senderType, &msg.Tokens, &msg.Timestamp); err != nil {
			return nil, err
		}
		if senderID != nil {
			msg.SenderID = *senderID
		}
		if senderType != nil {
			msg.SenderType = *senderType
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation's entire history.
func (s *Store) DeleteConversation(conversationID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

// ListConversations returns the distinct conversation IDs with stored history.
func (s *Store) ListConversations() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
