// Package agent owns the set of live per-conversation assistant instances:
// creation and reuse under a capacity bound, LRU and idle eviction,
// per-conversation call serialization, agent-to-agent relay with
// authorization, and settings-change-driven mass invalidation.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"wingman/pkg/bus"
	"wingman/pkg/config"
	"wingman/pkg/conversation"
	"wingman/pkg/errs"
	"wingman/pkg/logging"
	"wingman/pkg/provider"
	"wingman/pkg/reliability"
	"wingman/pkg/storage"
	"wingman/pkg/telemetry"
	"wingman/pkg/token"
)

// Mode selects the behavior of an agent instance.
type Mode string

const (
	ModeChat     Mode = "chat"
	ModeBuild    Mode = "build"
	ModeFeedback Mode = "feedback"
)

func validMode(m Mode) bool {
	switch m {
	case ModeChat, ModeBuild, ModeFeedback:
		return true
	}
	return false
}

// Instance is one running assistant bound to a conversation. Close releases
// whatever the instance holds; it is called exactly once per handle.
type Instance interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Response, error)
	Close() error
}

// Factory constructs instances when a handle is created. It receives the
// configuration current at creation time, so a settings change takes effect
// on the next handle.
type Factory func(conversationID string, mode Mode, cfg config.Config) (Instance, error)

// ProviderFactory adapts a bare provider into a Factory. The returned
// instances hold no resources of their own.
func ProviderFactory(p provider.Provider) Factory {
	return func(conversationID string, mode Mode, cfg config.Config) (Instance, error) {
		return &providerInstance{p: p, model: cfg.Model}, nil
	}
}

type providerInstance struct {
	p     provider.Provider
	model string
}

func (pi *providerInstance) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if req.Model == "" {
		req.Model = pi.model
	}
	return pi.p.Complete(ctx, req)
}

func (pi *providerInstance) Close() error { return nil }

// Handle is the manager's record of one live agent. At most one live handle
// exists per conversation. ID distinguishes successive handles for the same
// conversation across restarts.
type Handle struct {
	ID             string
	ConversationID string
	Mode           Mode
	CreatedAt      time.Time

	instance Instance
	ctx      context.Context
	cancel   context.CancelFunc

	lastAccess time.Time // guarded by the manager's mu
	inflight   int       // guarded by the manager's mu
}

// historyStore is the slice of the conversation layer the manager uses.
type historyStore interface {
	Append(conversationID, role, content, senderID, senderType string) (*storage.Message, error)
	Restore(conversationID string) ([]*storage.Message, error)
}

// limiter gates provider calls and accounts their usage.
type limiter interface {
	CheckLimit(conversationID string, estimatedTokens int64) (*token.CheckResult, error)
	RecordUsage(conversationID string, usage provider.Usage) error
}

type publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Manager owns all live handles. History and limits may be nil, in which
// case persistence and budget gating are skipped.
type Manager struct {
	cfg     *config.Store
	factory Factory
	history historyStore
	limits  limiter
	log     *logging.Logger
	retry   reliability.Strategy

	mu      sync.RWMutex
	handles map[string]*Handle
	pub     publisher

	creating singleflight.Group
	serial   *serializer
	caps     *capabilityRegistry
}

// NewManager creates a manager. cfg and factory are required.
func NewManager(cfg *config.Store, factory Factory, history historyStore, limits limiter, log *logging.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("agent manager requires a config store")
	}
	if factory == nil {
		return nil, errors.New("agent manager requires an instance factory")
	}
	snap := cfg.Snapshot()
	return &Manager{
		cfg:     cfg,
		factory: factory,
		history: history,
		limits:  limits,
		log:     log,
		retry: reliability.Strategy{
			MaxAttempts: snap.Retry.MaxAttempts,
			BaseDelay:   snap.Retry.BaseDelay,
			MaxDelay:    snap.Retry.MaxDelay,
			Multiplier:  snap.Retry.Multiplier,
		},
		handles: make(map[string]*Handle),
		serial:  newSerializer(),
		caps:    newCapabilityRegistry(),
	}, nil
}

// SetPublisher attaches a message bus for agent lifecycle events.
func (m *Manager) SetPublisher(p publisher) {
	m.mu.Lock()
	m.pub = p
	m.mu.Unlock()
}

// GetOrCreateAgent returns the live handle for the conversation, creating
// one if absent. Creation evicts the least-recently-accessed handle first
// when the capacity bound would be exceeded. Concurrent calls for the same
// conversation construct at most one instance.
func (m *Manager) GetOrCreateAgent(conversationID string, mode Mode) (*Handle, error) {
	if conversationID == "" {
		return nil, errs.Validation("getOrCreateAgent", "", "conversation id is required")
	}
	if mode == "" {
		mode = ModeChat
	}
	if !validMode(mode) {
		return nil, errs.Validation("getOrCreateAgent", conversationID, "unknown mode %q", mode)
	}

	m.evictIdle()

	if h := m.touch(conversationID); h != nil {
		return h, nil
	}

	v, err, _ := m.creating.Do(conversationID, func() (any, error) {
		if h := m.touch(conversationID); h != nil {
			return h, nil
		}

		inst, err := m.factory(conversationID, mode, m.cfg.Snapshot())
		if err != nil {
			return nil, errs.Provider("getOrCreateAgent", conversationID, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		now := time.Now()
		h := &Handle{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Mode:           mode,
			CreatedAt:      now,
			instance:       inst,
			ctx:            ctx,
			cancel:         cancel,
			lastAccess:     now,
		}

		// Insert and trim back to capacity under one lock, so concurrent
		// creations for distinct conversations cannot leave the live count
		// above the bound.
		m.mu.Lock()
		m.handles[conversationID] = h
		evictees := m.evictToCapacity(conversationID)
		telemetry.AgentsActive.Set(float64(len(m.handles)))
		m.mu.Unlock()

		for _, e := range evictees {
			m.evicted(e.ConversationID, e, "capacity")
		}

		m.log.Info(logging.CategoryAgent, "agent_created", conversationID, "agent handle created", map[string]any{
			"handle": h.ID,
			"mode":   string(mode),
		})
		m.publishEvent("created", conversationID, mode)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *Manager) beginWork(h *Handle) {
	m.mu.Lock()
	h.inflight++
	m.mu.Unlock()
}

func (m *Manager) endWork(h *Handle) {
	m.mu.Lock()
	h.inflight--
	h.lastAccess = time.Now()
	m.mu.Unlock()
}

// touch returns the live handle and refreshes its access time, or nil.
func (m *Manager) touch(conversationID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[conversationID]
	if !ok {
		return nil
	}
	h.lastAccess = time.Now()
	return h
}

// SendMessage delivers user input to the conversation's agent. Calls for
// the same conversation run strictly in submission order; different
// conversations never block each other.
func (m *Manager) SendMessage(ctx context.Context, conversationID, text string, contextFiles []string) (*provider.Response, error) {
	if conversationID == "" {
		return nil, errs.Validation("sendMessage", "", "conversation id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("sendMessage", conversationID, "message text is required")
	}

	var resp *provider.Response
	var outErr error
	m.serial.do(conversationID, func() {
		resp, outErr = m.deliver(ctx, conversationID, text, contextFiles)
	})
	return resp, outErr
}

func (m *Manager) deliver(ctx context.Context, conversationID, text string, contextFiles []string) (*provider.Response, error) {
	h, err := m.GetOrCreateAgent(conversationID, ModeChat)
	if err != nil {
		return nil, err
	}

	// A handle with work in flight is exempt from idle harvesting, and
	// idleness is measured from completion, not from the initial access.
	m.beginWork(h)
	defer m.endWork(h)

	if m.limits != nil {
		check, err := m.limits.CheckLimit(conversationID, token.EstimateTokens(text))
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			return nil, errs.LimitExceeded("sendMessage", conversationID, check.Reason)
		}
	}

	var history []provider.Turn
	if m.history != nil {
		msgs, err := m.history.Restore(conversationID)
		if err != nil {
			m.log.Warn(logging.CategoryAgent, "history_restore_failed", conversationID, err.Error(), nil)
		} else {
			history = toTurns(msgs)
		}
		if _, err := m.history.Append(conversationID, conversation.RoleUser, text, "", conversation.SenderTypeUser); err != nil {
			m.log.Warn(logging.CategoryAgent, "history_append_failed", conversationID, err.Error(), nil)
		}
	}

	// Cancel the call if either the caller gives up or the handle is
	// aborted out from under us.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	req := provider.Request{
		ConversationID: conversationID,
		Mode:           string(h.Mode),
		Prompt:         text,
		History:        history,
		ContextFiles:   contextFiles,
		Model:          m.cfg.Snapshot().Model,
	}

	var resp *provider.Response
	err = m.retry.Do(callCtx, m.log, "sendMessage", func() error {
		r, err := h.instance.Complete(callCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, errs.Provider("sendMessage", conversationID, err)
	}

	if m.history != nil {
		if _, err := m.history.Append(conversationID, conversation.RoleAssistant, resp.Text, "", ""); err != nil {
			m.log.Warn(logging.CategoryAgent, "history_append_failed", conversationID, err.Error(), nil)
		}
	}

	if m.limits != nil {
		usage := provider.Usage{}
		if resp.Usage != nil {
			usage = *resp.Usage
		} else {
			usage.InputTokens = token.EstimateTokens(text)
			usage.OutputTokens = token.EstimateTokens(resp.Text)
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		}
		if err := m.limits.RecordUsage(conversationID, usage); err != nil {
			m.log.Warn(logging.CategoryAgent, "record_usage_failed", conversationID, err.Error(), nil)
		}
	}

	return resp, nil
}

// SendAgentMessage appends a message from one conversation's agent to
// another conversation's history. The target must have a live handle.
// Concurrent sends to the same target preserve submission order.
func (m *Manager) SendAgentMessage(fromID, toID, text string) error {
	if fromID == "" || toID == "" {
		return errs.Validation("sendAgentMessage", toID, "both sender and target conversation ids are required")
	}
	if strings.TrimSpace(text) == "" {
		return errs.Validation("sendAgentMessage", toID, "message text is required")
	}
	if !m.HasAgent(toID) {
		return errs.NotAuthorized("sendAgentMessage", toID, "no live agent for target conversation %q", toID)
	}

	m.serial.do(toID, func() {
		if m.history == nil {
			return
		}
		if _, err := m.history.Append(toID, conversation.RoleAgent, text, fromID, conversation.SenderTypeAgent); err != nil {
			m.log.Warn(logging.CategoryAgent, "relay_append_failed", toID, err.Error(), map[string]any{
				"from": fromID,
			})
		}
	})
	return nil
}

// DisposeAgent removes the handle from the registry, clears its
// capabilities, then closes the instance. The handle is gone from the
// registry even when Close fails; the failure is logged and returned.
func (m *Manager) DisposeAgent(conversationID string) error {
	if conversationID == "" {
		return errs.Validation("disposeAgent", "", "conversation id is required")
	}

	m.mu.Lock()
	h, ok := m.handles[conversationID]
	if ok {
		delete(m.handles, conversationID)
		telemetry.AgentsActive.Set(float64(len(m.handles)))
	}
	m.mu.Unlock()
	m.caps.clear(conversationID)
	if !ok {
		return nil
	}

	h.cancel()
	if err := h.instance.Close(); err != nil {
		derr := errs.Disposal("disposeAgent", conversationID, err)
		m.log.Error(logging.CategoryAgent, "dispose_failed", conversationID, derr.Error(), derr.Details())
		return derr
	}

	m.log.Info(logging.CategoryAgent, "agent_disposed", conversationID, "agent handle disposed", nil)
	m.publishEvent("disposed", conversationID, h.Mode)
	return nil
}

// DisposeAllAgents disposes every live handle, continuing through
// individual failures and aggregating them.
func (m *Manager) DisposeAllAgents() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errsAll []error
	for _, id := range ids {
		if err := m.DisposeAgent(id); err != nil {
			errsAll = append(errsAll, err)
		}
	}
	return errors.Join(errsAll...)
}

// Close disposes all agents.
func (m *Manager) Close() error {
	return m.DisposeAllAgents()
}

// AbortAndRestartAgent discards the current handle without waiting for
// in-flight work to settle and creates a fresh handle for the same
// conversation. Persisted conversation content is untouched. When no
// handle exists a fresh one is created.
func (m *Manager) AbortAndRestartAgent(conversationID string) (*Handle, error) {
	if conversationID == "" {
		return nil, errs.Validation("abortAndRestartAgent", "", "conversation id is required")
	}

	m.mu.Lock()
	old, ok := m.handles[conversationID]
	mode := ModeChat
	if ok {
		mode = old.Mode
		delete(m.handles, conversationID)
		telemetry.AgentsActive.Set(float64(len(m.handles)))
	}
	m.mu.Unlock()

	if ok {
		old.cancel()
		go func() {
			if err := old.instance.Close(); err != nil {
				m.log.Warn(logging.CategoryAgent, "abort_close_failed", conversationID, err.Error(), nil)
			}
		}()
		m.log.Info(logging.CategoryAgent, "agent_aborted", conversationID, "agent handle aborted for restart", nil)
		m.publishEvent("restarted", conversationID, mode)
	}

	return m.GetOrCreateAgent(conversationID, mode)
}

// UpdateSettings applies a partial settings change. When any critical key
// (provider, credentials, model, region) changes, every live handle is
// disposed so the next access re-creates it with the new settings.
func (m *Manager) UpdateSettings(partial map[string]any) error {
	changed, err := m.cfg.Apply(partial)
	if err != nil {
		return errs.Validation("updateSettings", "", "%s", err)
	}
	if !config.AnyCritical(changed) {
		return nil
	}

	m.log.Info(logging.CategorySettings, "critical_settings_changed", "", "disposing all agents", map[string]any{
		"changed": changed,
	})
	return m.DisposeAllAgents()
}

// RetryWithBackoff runs op with exponential backoff, logging every attempt
// under label. maxAttempts and baseDelay override the configured strategy
// when positive.
func (m *Manager) RetryWithBackoff(ctx context.Context, label string, maxAttempts int, baseDelay time.Duration, op func() error) error {
	s := m.retry
	if maxAttempts > 0 {
		s.MaxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		s.BaseDelay = baseDelay
	}
	return s.Do(ctx, m.log, label, op)
}

// RegisterCapability grants a capability to the conversation's agent. It is
// cleared when the handle is disposed.
func (m *Manager) RegisterCapability(conversationID string, c Capability) error {
	if conversationID == "" {
		return errs.Validation("registerCapability", "", "conversation id is required")
	}
	if c.Name == "" {
		return errs.Validation("registerCapability", conversationID, "capability name is required")
	}
	m.caps.register(conversationID, c)
	return nil
}

// QueryCapability returns the conversation IDs offering the named
// capability.
func (m *Manager) QueryCapability(name string) []string {
	return m.caps.query(name)
}

// GetCapabilities returns the capabilities registered for a conversation.
func (m *Manager) GetCapabilities(conversationID string) []Capability {
	return m.caps.get(conversationID)
}

// HasAgent reports whether the conversation has a live handle.
func (m *Manager) HasAgent(conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handles[conversationID]
	return ok
}

// Conversations returns the IDs of all live handles, sorted.
func (m *Manager) Conversations() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ActiveAgentCount returns the number of live handles.
func (m *Manager) ActiveAgentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// evictToCapacity removes least-recently-accessed handles until the live
// count is within the configured maximum, never removing keep. The caller
// holds mu and must pass each returned handle to evicted after unlocking.
func (m *Manager) evictToCapacity(keep string) []*Handle {
	max := m.cfg.Snapshot().MaxAgents
	if max <= 0 {
		return nil
	}
	var out []*Handle
	for len(m.handles) > max {
		var lruID string
		var lru *Handle
		for id, h := range m.handles {
			if id == keep {
				continue
			}
			if lru == nil || h.lastAccess.Before(lru.lastAccess) {
				lruID = id
				lru = h
			}
		}
		if lru == nil {
			break
		}
		delete(m.handles, lruID)
		out = append(out, lru)
	}
	return out
}

// evictIdle disposes handles idle beyond the configured window. Checked
// opportunistically on access rather than by a background sweep.
func (m *Manager) evictIdle() {
	window := m.cfg.Snapshot().IdleTimeout
	if window <= 0 {
		return
	}
	cutoff := time.Now().Add(-window)

	m.mu.Lock()
	var expired []*Handle
	for id, h := range m.handles {
		if h.inflight == 0 && h.lastAccess.Before(cutoff) {
			delete(m.handles, id)
			expired = append(expired, h)
		}
	}
	if len(expired) > 0 {
		telemetry.AgentsActive.Set(float64(len(m.handles)))
	}
	m.mu.Unlock()

	for _, h := range expired {
		m.evicted(h.ConversationID, h, "idle")
	}
}

func (m *Manager) evicted(conversationID string, h *Handle, reason string) {
	m.caps.clear(conversationID)
	h.cancel()
	if err := h.instance.Close(); err != nil {
		m.log.Warn(logging.CategoryAgent, "evict_close_failed", conversationID, err.Error(), map[string]any{
			"reason": reason,
		})
	}
	telemetry.AgentEvictions.WithLabelValues(reason).Inc()
	m.log.Info(logging.CategoryAgent, "agent_evicted", conversationID, "agent handle evicted", map[string]any{
		"reason": reason,
	})
	m.publishEvent("evicted", conversationID, h.Mode)
}

type agentEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
	Mode           string `json:"mode,omitempty"`
}

func (m *Manager) publishEvent(event, conversationID string, mode Mode) {
	m.mu.RLock()
	pub := m.pub
	m.mu.RUnlock()
	if pub == nil {
		return
	}
	data, err := json.Marshal(agentEvent{Event: event, ConversationID: conversationID, Mode: string(mode)})
	if err != nil {
		return
	}
	if err := pub.Publish(context.Background(), bus.SubjectAgentEvents, data); err != nil {
		m.log.Warn(logging.CategoryBus, "publish_failed", conversationID, err.Error(), map[string]any{
			"subject": bus.SubjectAgentEvents,
		})
	}
}

func toTurns(msgs []*storage.Message) []provider.Turn {
	turns := make([]provider.Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, provider.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}
