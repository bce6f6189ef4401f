// Package token meters token usage per conversation and globally, enforces
// budgets before provider calls are allowed, and raises edge-triggered
// warnings when a conversation crosses its threshold.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wingman/pkg/bus"
	"wingman/pkg/config"
	"wingman/pkg/errs"
	"wingman/pkg/logging"
	"wingman/pkg/provider"
	"wingman/pkg/storage"
	"wingman/pkg/telemetry"
)

// usageStore defines the persistence operations the monitor requires.
type usageStore interface {
	GetUsage(conversationID string) (*storage.UsageRecord, error)
	SaveUsage(rec *storage.UsageRecord) error
	GetAllUsage() (map[string]*storage.UsageRecord, error)
	ClearUsage(conversationID string) error
}

// settingsSource supplies the global limit and warning threshold. It is
// attached after construction to break the wiring cycle between the monitor
// and the settings layer.
type settingsSource interface {
	LimitSettings() (limit int64, warningThreshold float64)
}

// publisher is the slice of the message bus the monitor uses.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// CheckResult is the outcome of a limit check. It is a value produced per
// call, never persisted.
type CheckResult struct {
	Allowed      bool   `json:"allowed"`
	CurrentUsage int64  `json:"currentUsage"`
	Limit        int64  `json:"limit"`
	Remaining    int64  `json:"remaining"`
	Reason       string `json:"reason,omitempty"`
}

// Notification is the usage-update payload emitted after every mutation.
type Notification struct {
	Type           string            `json:"type"`
	ConversationID string            `json:"conversationId"`
	Usage          NotificationUsage `json:"usage"`
}

// NotificationUsage carries the usage snapshot inside a Notification.
type NotificationUsage struct {
	TotalTokens      int64   `json:"totalTokens"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	Limit            int64   `json:"limit"`
	Remaining        int64   `json:"remaining"`
	PercentUsed      float64 `json:"percentUsed"`
	WarningThreshold float64 `json:"warningThreshold"`
}

// NotificationType is the type tag on usage-update notifications.
const NotificationType = "token-usage-update"

// Monitor owns per-conversation usage counters, effective-limit resolution,
// warning edge-triggering, and global aggregation. All mutations flow
// through a single ordered chain so logically concurrent callers observe a
// strict global order.
type Monitor struct {
	store usageStore
	log   *logging.Logger

	mu       sync.RWMutex
	records  map[string]*storage.UsageRecord
	warned   map[string]bool
	settings settingsSource
	sink     func(*Notification)
	onWarn   func(*Notification)
	pub      publisher

	chainMu sync.Mutex
	tail    chan struct{}

	initGroup   singleflight.Group
	initialized bool
}

// New creates a monitor over the given store. The store may be nil, in
// which case accounting is in-memory only. The logger may be nil.
func New(store usageStore, log *logging.Logger) *Monitor {
	return &Monitor{
		store:   store,
		log:     log,
		records: make(map[string]*storage.UsageRecord),
		warned:  make(map[string]bool),
	}
}

// SetSettingsSource attaches the limit/threshold source. Until one is
// attached the monitor falls back to the built-in defaults.
func (m *Monitor) SetSettingsSource(s settingsSource) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

// SetNotificationSink registers a callback invoked after every usage
// mutation with the updated snapshot.
func (m *Monitor) SetNotificationSink(fn func(*Notification)) {
	m.mu.Lock()
	m.sink = fn
	m.mu.Unlock()
}

// SetWarningCallback registers a callback invoked when a conversation
// crosses its warning threshold.
func (m *Monitor) SetWarningCallback(fn func(*Notification)) {
	m.mu.Lock()
	m.onWarn = fn
	m.mu.Unlock()
}

// SetPublisher attaches a message bus for usage and warning notifications.
func (m *Monitor) SetPublisher(p publisher) {
	m.mu.Lock()
	m.pub = p
	m.mu.Unlock()
}

// Initialize loads every persisted usage record into memory and recomputes
// each conversation's warning state against its current effective limit.
// Idempotent; concurrent callers collapse onto one in-flight load.
func (m *Monitor) Initialize() error {
	m.mu.RLock()
	done := m.initialized
	m.mu.RUnlock()
	if done {
		return nil
	}

	_, err, _ := m.initGroup.Do("init", func() (any, error) {
		m.mu.RLock()
		done := m.initialized
		m.mu.RUnlock()
		if done {
			return nil, nil
		}

		var loaded map[string]*storage.UsageRecord
		if m.store != nil {
			all, err := m.store.GetAllUsage()
			if err != nil {
				return nil, errs.Persistence("initialize", "", err)
			}
			loaded = all
		}

		m.mu.Lock()
		for id, rec := range loaded {
			m.records[id] = rec.Clone()
			limit, threshold := m.effectiveLimitLocked(id)
			m.warned[id] = crossed(rec.TotalTokens, limit, threshold)
		}
		m.initialized = true
		m.mu.Unlock()

		m.log.Info(logging.CategoryToken, "monitor_initialized", "", "usage records loaded", map[string]any{
			"conversations": len(loaded),
		})
		return nil, nil
	})
	return err
}

// RecordUsage sanitizes the reported usage and adds it to the running
// totals for the conversation. The updated record is persisted best-effort;
// a store failure is logged and absorbed, the in-memory update stands. A
// warning check and an update notification follow.
func (m *Monitor) RecordUsage(conversationID string, usage provider.Usage) error {
	if conversationID == "" {
		return errs.Validation("recordUsage", "", "conversation id is required")
	}

	input := nonNegative(usage.InputTokens)
	output := nonNegative(usage.OutputTokens)
	total := nonNegative(usage.TotalTokens)
	if total == 0 {
		total = input + output
	}

	m.run(func() {
		m.mu.Lock()
		rec := m.ensureRecordLocked(conversationID)
		rec.TotalTokens += total
		rec.InputTokens += input
		rec.OutputTokens += output
		rec.LastUpdated = nowMillis()
		snapshot := rec.Clone()
		m.mu.Unlock()

		telemetry.TokensRecorded.Add(float64(total))

		m.persist(snapshot, "recordUsage")
		m.checkWarning(conversationID)
		m.notify(conversationID)
	})
	return nil
}

// CheckLimit reports whether a call estimated at estimatedTokens may
// proceed. A conversation with its own limit override is judged against its
// own total; a conversation on the global limit is judged against the
// aggregate total across all conversations.
func (m *Monitor) CheckLimit(conversationID string, estimatedTokens int64) (*CheckResult, error) {
	if conversationID == "" {
		return nil, errs.Validation("checkLimit", "", "conversation id is required")
	}
	estimated := nonNegative(estimatedTokens)

	m.mu.RLock()
	limit, _ := m.effectiveLimitLocked(conversationID)
	var used int64
	if rec, ok := m.records[conversationID]; ok && rec.Limit != nil {
		used = rec.TotalTokens
	} else {
		for _, rec := range m.records {
			used += rec.TotalTokens
		}
	}
	m.mu.RUnlock()

	result := &CheckResult{
		CurrentUsage: used,
		Limit:        limit,
		Remaining:    maxInt64(0, limit-used),
	}
	if used+estimated > limit {
		result.Allowed = false
		result.Reason = limitReason(used, limit)
		telemetry.ChecksBlocked.Inc()
		m.log.Info(logging.CategoryToken, "limit_check_blocked", conversationID, result.Reason, map[string]any{
			"estimated": estimated,
			"used":      used,
			"limit":     limit,
		})
	} else {
		result.Allowed = true
	}
	return result, nil
}

// GetUsage returns a snapshot of the conversation's record, or nil if the
// conversation has no recorded usage.
func (m *Monitor) GetUsage(conversationID string) *storage.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[conversationID].Clone()
}

// GetGlobalUsage returns a synthetic record summing every tracked
// conversation. Its LastUpdated is the maximum across conversations, or
// the current time when none exist.
func (m *Monitor) GetGlobalUsage() *storage.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &storage.UsageRecord{ConversationID: "global"}
	for _, rec := range m.records {
		out.TotalTokens += rec.TotalTokens
		out.InputTokens += rec.InputTokens
		out.OutputTokens += rec.OutputTokens
		if rec.LastUpdated > out.LastUpdated {
			out.LastUpdated = rec.LastUpdated
		}
	}
	if len(m.records) == 0 {
		out.LastUpdated = nowMillis()
	}
	return out
}

// ResetUsage zeroes the conversation's counters. Any per-conversation limit
// override survives the reset; the warning state is disarmed.
func (m *Monitor) ResetUsage(conversationID string) error {
	if conversationID == "" {
		return errs.Validation("resetUsage", "", "conversation id is required")
	}
	m.run(func() {
		m.resetOne(conversationID)
	})
	return nil
}

// ResetAllUsage resets every tracked conversation.
func (m *Monitor) ResetAllUsage() {
	m.run(func() {
		m.mu.RLock()
		ids := make([]string, 0, len(m.records))
		for id := range m.records {
			ids = append(ids, id)
		}
		m.mu.RUnlock()
		for _, id := range ids {
			m.resetOne(id)
		}
	})
}

// ClearUsage drops a conversation's record entirely, in memory and in the
// store. Unlike ResetUsage this forgets any limit override too.
func (m *Monitor) ClearUsage(conversationID string) error {
	if conversationID == "" {
		return errs.Validation("clearUsage", "", "conversation id is required")
	}
	m.run(func() {
		m.mu.Lock()
		delete(m.records, conversationID)
		delete(m.warned, conversationID)
		m.mu.Unlock()

		if m.store != nil {
			if err := m.store.ClearUsage(conversationID); err != nil {
				perr := errs.Persistence("clearUsage", conversationID, err)
				m.log.Warn(logging.CategoryToken, "persist_failed", conversationID, perr.Error(), perr.Details())
			}
		}
		m.log.Info(logging.CategoryToken, "usage_cleared", conversationID, "usage record dropped", nil)
	})
	return nil
}

// SetConversationLimit installs a per-conversation limit override. A limit
// of zero or less clears the override, returning the conversation to the
// global limit. The warning state is re-evaluated against the new limit.
func (m *Monitor) SetConversationLimit(conversationID string, limit int64) error {
	if conversationID == "" {
		return errs.Validation("setConversationLimit", "", "conversation id is required")
	}
	m.run(func() {
		m.mu.Lock()
		rec := m.ensureRecordLocked(conversationID)
		if limit > 0 {
			v := limit
			rec.Limit = &v
		} else {
			rec.Limit = nil
		}
		rec.LastUpdated = nowMillis()
		eff, threshold := m.effectiveLimitLocked(conversationID)
		m.warned[conversationID] = crossed(rec.TotalTokens, eff, threshold)
		snapshot := rec.Clone()
		m.mu.Unlock()

		m.persist(snapshot, "setConversationLimit")
		m.notify(conversationID)
	})
	return nil
}

// GetEffectiveLimit resolves the budget applicable to a conversation:
// its override if set, else the settings source, else the built-in default.
func (m *Monitor) GetEffectiveLimit(conversationID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit, _ := m.effectiveLimitLocked(conversationID)
	return limit
}

// EstimateTokens approximates the token count of text when no real figure
// is available yet: one token per four characters, never less than one.
func EstimateTokens(text string) int64 {
	n := (int64(len(text)) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// run executes fn after every previously submitted mutation has finished.
// Submission order is the order callers reach the chain lock.
func (m *Monitor) run(fn func()) {
	m.chainMu.Lock()
	prev := m.tail
	done := make(chan struct{})
	m.tail = done
	m.chainMu.Unlock()

	if prev != nil {
		<-prev
	}
	defer close(done)
	fn()
}

func (m *Monitor) resetOne(conversationID string) {
	m.mu.Lock()
	rec := m.ensureRecordLocked(conversationID)
	rec.TotalTokens = 0
	rec.InputTokens = 0
	rec.OutputTokens = 0
	rec.LastUpdated = nowMillis()
	m.warned[conversationID] = false
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.log.Info(logging.CategoryToken, "usage_reset", conversationID, "usage counters reset", nil)
	m.persist(snapshot, "resetUsage")
	m.notify(conversationID)
}

// ensureRecordLocked returns the record for the conversation, creating an
// empty one if needed. Caller holds mu.
func (m *Monitor) ensureRecordLocked(conversationID string) *storage.UsageRecord {
	rec, ok := m.records[conversationID]
	if !ok {
		rec = &storage.UsageRecord{ConversationID: conversationID, LastUpdated: nowMillis()}
		m.records[conversationID] = rec
	}
	return rec
}

// effectiveLimitLocked resolves limit and threshold for a conversation.
// Caller holds mu (read or write).
func (m *Monitor) effectiveLimitLocked(conversationID string) (int64, float64) {
	limit := config.DefaultRateLimit
	threshold := config.DefaultWarningThreshold
	if m.settings != nil {
		if l, t := m.settings.LimitSettings(); l > 0 {
			limit = l
			threshold = t
		}
	}
	if rec, ok := m.records[conversationID]; ok && rec.Limit != nil {
		limit = *rec.Limit
	}
	return limit, threshold
}

// checkWarning fires the warning callback at most once per threshold
// crossing. The flag disarms when usage drops back under the threshold or
// on reset.
func (m *Monitor) checkWarning(conversationID string) {
	m.mu.Lock()
	rec := m.records[conversationID]
	if rec == nil {
		m.mu.Unlock()
		return
	}
	limit, threshold := m.effectiveLimitLocked(conversationID)
	over := crossed(rec.TotalTokens, limit, threshold)
	fire := over && !m.warned[conversationID]
	m.warned[conversationID] = over
	onWarn := m.onWarn
	m.mu.Unlock()

	if !fire {
		return
	}

	telemetry.WarningsEmitted.Inc()
	n := m.snapshot(conversationID)
	m.log.Warn(logging.CategoryToken, "usage_warning", conversationID, "usage crossed warning threshold", map[string]any{
		"totalTokens": n.Usage.TotalTokens,
		"limit":       n.Usage.Limit,
		"percentUsed": n.Usage.PercentUsed,
	})
	if onWarn != nil {
		onWarn(n)
	}
	m.publish(bus.SubjectTokenWarning, n)
}

// notify emits the usage-update notification to the sink and the bus.
func (m *Monitor) notify(conversationID string) {
	n := m.snapshot(conversationID)
	m.mu.RLock()
	sink := m.sink
	m.mu.RUnlock()
	if sink != nil {
		sink(n)
	}
	m.publish(bus.SubjectTokenUsage, n)
}

func (m *Monitor) snapshot(conversationID string) *Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := &Notification{Type: NotificationType, ConversationID: conversationID}
	limit, threshold := m.effectiveLimitLocked(conversationID)
	n.Usage.Limit = limit
	n.Usage.WarningThreshold = threshold
	if rec, ok := m.records[conversationID]; ok {
		n.Usage.TotalTokens = rec.TotalTokens
		n.Usage.InputTokens = rec.InputTokens
		n.Usage.OutputTokens = rec.OutputTokens
	}
	n.Usage.Remaining = maxInt64(0, limit-n.Usage.TotalTokens)
	if limit > 0 {
		n.Usage.PercentUsed = float64(n.Usage.TotalTokens) / float64(limit) * 100
	}
	return n
}

func (m *Monitor) publish(subject string, n *Notification) {
	m.mu.RLock()
	pub := m.pub
	m.mu.RUnlock()
	if pub == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := pub.Publish(context.Background(), subject, data); err != nil {
		m.log.Warn(logging.CategoryToken, "publish_failed", n.ConversationID, err.Error(), map[string]any{
			"subject": subject,
		})
	}
}

// persist writes the record to the store. Failures are logged and absorbed;
// the in-memory state stays authoritative.
func (m *Monitor) persist(rec *storage.UsageRecord, op string) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveUsage(rec); err != nil {
		perr := errs.Persistence(op, rec.ConversationID, err)
		m.log.Warn(logging.CategoryToken, "persist_failed", rec.ConversationID, perr.Error(), perr.Details())
	}
}

func crossed(total, limit int64, threshold float64) bool {
	if limit <= 0 {
		return false
	}
	return float64(total)/float64(limit)*100 >= threshold
}

func limitReason(used, limit int64) string {
	return fmt.Sprintf("token limit exceeded: %d of %d tokens used", used, limit)
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
