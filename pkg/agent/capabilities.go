package agent

import "sync"

// Capability is a named tool-group granted to a conversation's agent. It
// lives exactly as long as the conversation's handle.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// capabilityRegistry is a per-conversation multimap of capabilities.
type capabilityRegistry struct {
	mu   sync.RWMutex
	byID map[string][]Capability
}

func newCapabilityRegistry() *capabilityRegistry {
	return &capabilityRegistry{byID: make(map[string][]Capability)}
}

func (r *capabilityRegistry) register(conversationID string, c Capability) {
	r.mu.Lock()
	r.byID[conversationID] = append(r.byID[conversationID], c)
	r.mu.Unlock()
}

// query returns the conversation IDs that registered a capability with the
// given name.
func (r *capabilityRegistry) query(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, caps := range r.byID {
		for _, c := range caps {
			if c.Name == name {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

func (r *capabilityRegistry) get(conversationID string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := r.byID[conversationID]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

func (r *capabilityRegistry) clear(conversationID string) {
	r.mu.Lock()
	delete(r.byID, conversationID)
	r.mu.Unlock()
}
