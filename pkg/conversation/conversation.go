// Package conversation manages persisted message histories, one per
// conversation. Histories outlive agent handles: disposing or restarting an
// agent never touches stored content.
package conversation

import (
	"time"

	"wingman/pkg/errs"
	"wingman/pkg/storage"
)

// Sender types recorded on messages.
const (
	SenderTypeUser  = "user"
	SenderTypeAgent = "agent"
)

// Roles recorded on messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleAgent     = "agent"
)

// messageStore is the persistence contract the manager needs.
type messageStore interface {
	SaveMessage(msg *storage.Message) error
	GetMessages(conversationID string) ([]*storage.Message, error)
	DeleteConversation(conversationID string) error
	ListConversations() ([]string, error)
}

// Manager offers save/restore/delete/list over the keyed message store.
type Manager struct {
	store messageStore
}

// NewManager creates a conversation manager over the given store.
func NewManager(store messageStore) *Manager {
	return &Manager{store: store}
}

// Append persists one message to a conversation's history. The token count
// is filled in from the content when the caller left it zero.
func (m *Manager) Append(conversationID, role, content, senderID, senderType string) (*storage.Message, error) {
	if conversationID == "" {
		return nil, errs.Validation("append_message", "", "conversation ID is required")
	}
	if role == "" {
		return nil, errs.Validation("append_message", conversationID, "role is required")
	}

	msg := &storage.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		SenderID:       senderID,
		SenderType:     senderType,
		Tokens:         CountTokens(content),
		Timestamp:      time.Now(),
	}
	if err := m.store.SaveMessage(msg); err != nil {
		return nil, errs.Persistence("append_message", conversationID, err)
	}
	return msg, nil
}

// Restore returns a conversation's full history in insertion order.
func (m *Manager) Restore(conversationID string) ([]*storage.Message, error) {
	if conversationID == "" {
		return nil, errs.Validation("restore_conversation", "", "conversation ID is required")
	}
	msgs, err := m.store.GetMessages(conversationID)
	if err != nil {
		return nil, errs.Persistence("restore_conversation", conversationID, err)
	}
	return msgs, nil
}

// Delete removes a conversation's history.
func (m *Manager) Delete(conversationID string) error {
	if conversationID == "" {
		return errs.Validation("delete_conversation", "", "conversation ID is required")
	}
	if err := m.store.DeleteConversation(conversationID); err != nil {
		return errs.Persistence("delete_conversation", conversationID, err)
	}
	return nil
}

// List returns the IDs of all conversations with stored history.
func (m *Manager) List() ([]string, error) {
	ids, err := m.store.ListConversations()
	if err != nil {
		return nil, errs.Persistence("list_conversations", "", err)
	}
	return ids, nil
}
