package token

import (
	"errors"
	"sync"
	"testing"

	"wingman/pkg/provider"
	"wingman/pkg/storage"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	recs    map[string]*storage.UsageRecord
	saveErr error
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{recs: make(map[string]*storage.UsageRecord)}
}

func (f *fakeUsageStore) GetUsage(id string) (*storage.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[id].Clone(), nil
}

func (f *fakeUsageStore) SaveUsage(rec *storage.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.recs[rec.ConversationID] = rec.Clone()
	return nil
}

func (f *fakeUsageStore) GetAllUsage() (map[string]*storage.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*storage.UsageRecord, len(f.recs))
	for id, rec := range f.recs {
		out[id] = rec.Clone()
	}
	return out, nil
}

func (f *fakeUsageStore) ClearUsage(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)
	return nil
}

type fakeSettings struct {
	mu        sync.Mutex
	limit     int64
	threshold float64
}

func (s *fakeSettings) LimitSettings() (int64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit, s.threshold
}

func (s *fakeSettings) set(limit int64, threshold float64) {
	s.mu.Lock()
	s.limit = limit
	s.threshold = threshold
	s.mu.Unlock()
}

func record(t *testing.T, m *Monitor, id string, total int64) {
	t.Helper()
	if err := m.RecordUsage(id, provider.Usage{TotalTokens: total}); err != nil {
		t.Fatalf("RecordUsage(%s, %d) error = %v", id, total, err)
	}
}

func TestRecordUsageAdditivity(t *testing.T) {
	m := New(newFakeUsageStore(), nil)

	record(t, m, "conv-1", 100)
	record(t, m, "conv-1", 250)
	record(t, m, "conv-1", 50)

	got := m.GetUsage("conv-1")
	if got == nil || got.TotalTokens != 400 {
		t.Fatalf("total = %+v, want 400", got)
	}
}

func TestRecordUsageSanitizesNegatives(t *testing.T) {
	m := New(newFakeUsageStore(), nil)

	if err := m.RecordUsage("conv-1", provider.Usage{TotalTokens: -50, InputTokens: -1, OutputTokens: -1}); err != nil {
		t.Fatal(err)
	}
	got := m.GetUsage("conv-1")
	if got.TotalTokens != 0 || got.InputTokens != 0 || got.OutputTokens != 0 {
		t.Errorf("negative usage should sanitize to zero, got %+v", got)
	}
}

func TestRecordUsageDerivesTotal(t *testing.T) {
	m := New(newFakeUsageStore(), nil)

	if err := m.RecordUsage("conv-1", provider.Usage{InputTokens: 30, OutputTokens: 70}); err != nil {
		t.Fatal(err)
	}
	if got := m.GetUsage("conv-1").TotalTokens; got != 100 {
		t.Errorf("total = %d, want 100 (input + output)", got)
	}
}

func TestRecordUsageIsolation(t *testing.T) {
	m := New(newFakeUsageStore(), nil)

	record(t, m, "a", 100)
	record(t, m, "b", 7)

	if got := m.GetUsage("a").TotalTokens; got != 100 {
		t.Errorf("a total = %d, want 100", got)
	}
	if got := m.GetUsage("b").TotalTokens; got != 7 {
		t.Errorf("b total = %d, want 7", got)
	}
}

func TestConcurrentRecordUsage(t *testing.T) {
	m := New(newFakeUsageStore(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.RecordUsage("conv-1", provider.Usage{TotalTokens: 10}); err != nil {
				t.Errorf("RecordUsage error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := m.GetUsage("conv-1").TotalTokens; got != 500 {
		t.Fatalf("total = %d, want 500", got)
	}
}

func TestWarningFiresOncePerCrossing(t *testing.T) {
	m := New(newFakeUsageStore(), nil)
	if err := m.SetConversationLimit("conv-1", 1000); err != nil {
		t.Fatal(err)
	}

	var warnings []int64
	m.SetWarningCallback(func(n *Notification) {
		warnings = append(warnings, n.Usage.TotalTokens)
	})

	record(t, m, "conv-1", 200) // total 200, 20%
	record(t, m, "conv-1", 400) // total 600, 60%
	record(t, m, "conv-1", 300) // total 900, 90%: fires
	record(t, m, "conv-1", 50)  // total 950: stays armed, no second warning

	if len(warnings) != 1 || warnings[0] != 900 {
		t.Fatalf("warnings = %v, want exactly one at total 900", warnings)
	}

	if err := m.ResetUsage("conv-1"); err != nil {
		t.Fatal(err)
	}
	record(t, m, "conv-1", 850) // 85%: fires again after reset

	if len(warnings) != 2 {
		t.Fatalf("warnings after reset = %v, want a second warning", warnings)
	}
}

func TestLimitPrecedence(t *testing.T) {
	settings := &fakeSettings{limit: 10_000, threshold: 80}
	m := New(newFakeUsageStore(), nil)
	m.SetSettingsSource(settings)

	if got := m.GetEffectiveLimit("conv-1"); got != 10_000 {
		t.Fatalf("effective limit = %d, want global 10000", got)
	}

	if err := m.SetConversationLimit("conv-1", 500); err != nil {
		t.Fatal(err)
	}
	if got := m.GetEffectiveLimit("conv-1"); got != 500 {
		t.Fatalf("effective limit = %d, want override 500", got)
	}

	// Overridden conversation ignores global changes; others follow.
	settings.set(20_000, 80)
	if got := m.GetEffectiveLimit("conv-1"); got != 500 {
		t.Errorf("override should be independent of global, got %d", got)
	}
	if got := m.GetEffectiveLimit("conv-2"); got != 20_000 {
		t.Errorf("conv-2 should track the new global limit, got %d", got)
	}

	// Clearing the override returns to the global limit.
	if err := m.SetConversationLimit("conv-1", 0); err != nil {
		t.Fatal(err)
	}
	if got := m.GetEffectiveLimit("conv-1"); got != 20_000 {
		t.Errorf("cleared override should track global, got %d", got)
	}
}

func TestCheckLimitBlocksAtBoundary(t *testing.T) {
	m := New(newFakeUsageStore(), nil)
	if err := m.SetConversationLimit("conv-1", 500); err != nil {
		t.Fatal(err)
	}
	record(t, m, "conv-1", 500)

	res, err := m.CheckLimit("conv-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("check at exhausted limit should block")
	}
	if res.CurrentUsage != 500 || res.Limit != 500 || res.Remaining != 0 {
		t.Errorf("result = %+v, want usage=500 limit=500 remaining=0", res)
	}
	if res.Reason == "" {
		t.Error("blocked result should carry a reason")
	}
}

func TestCheckLimitUsageBaseAsymmetry(t *testing.T) {
	settings := &fakeSettings{limit: 1000, threshold: 80}
	m := New(newFakeUsageStore(), nil)
	m.SetSettingsSource(settings)

	record(t, m, "a", 600)
	record(t, m, "b", 300)

	// "a" has no override: judged against the global aggregate (900).
	res, err := m.CheckLimit("a", 200)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.CurrentUsage != 900 {
		t.Errorf("global-limit check = %+v, want blocked with aggregate usage 900", res)
	}

	// An override switches the base to the conversation's own total.
	if err := m.SetConversationLimit("a", 1000); err != nil {
		t.Fatal(err)
	}
	res, err = m.CheckLimit("a", 200)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.CurrentUsage != 600 {
		t.Errorf("override check = %+v, want allowed with own usage 600", res)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := newFakeUsageStore()

	m1 := New(store, nil)
	record(t, m1, "a", 120)
	record(t, m1, "b", 340)
	if err := m1.ResetUsage("b"); err != nil {
		t.Fatal(err)
	}

	m2 := New(store, nil)
	if err := m2.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := m2.GetUsage("a").TotalTokens; got != 120 {
		t.Errorf("a total after reload = %d, want 120", got)
	}
	if got := m2.GetUsage("b").TotalTokens; got != 0 {
		t.Errorf("reset zero should survive the round trip, got %d", got)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	store := newFakeUsageStore()
	m := New(store, nil)
	record(t, m, "a", 100)

	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	record(t, m, "a", 100)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}

	// A second Initialize must not reload stale records over live totals.
	if got := m.GetUsage("a").TotalTokens; got != 200 {
		t.Errorf("total after repeated Initialize = %d, want 200", got)
	}
}

func TestPersistenceFailureIsAbsorbed(t *testing.T) {
	store := newFakeUsageStore()
	store.saveErr = errors.New("disk full")
	m := New(store, nil)

	record(t, m, "conv-1", 100)

	if got := m.GetUsage("conv-1").TotalTokens; got != 100 {
		t.Errorf("in-memory state should stay authoritative, got %d", got)
	}
}

func TestGlobalUsageAggregation(t *testing.T) {
	m := New(newFakeUsageStore(), nil)

	empty := m.GetGlobalUsage()
	if empty.LastUpdated == 0 {
		t.Error("global usage with no conversations should carry a current timestamp")
	}

	record(t, m, "a", 100)
	record(t, m, "b", 250)

	global := m.GetGlobalUsage()
	if global.TotalTokens != 350 {
		t.Errorf("global total = %d, want 350", global.TotalTokens)
	}
	a := m.GetUsage("a")
	b := m.GetUsage("b")
	want := a.LastUpdated
	if b.LastUpdated > want {
		want = b.LastUpdated
	}
	if global.LastUpdated != want {
		t.Errorf("global lastUpdated = %d, want max %d", global.LastUpdated, want)
	}
}

func TestResetAllUsage(t *testing.T) {
	m := New(newFakeUsageStore(), nil)
	record(t, m, "a", 10)
	record(t, m, "b", 20)
	if err := m.SetConversationLimit("b", 999); err != nil {
		t.Fatal(err)
	}

	m.ResetAllUsage()

	if got := m.GetUsage("a").TotalTokens; got != 0 {
		t.Errorf("a total = %d, want 0", got)
	}
	if got := m.GetUsage("b"); got.TotalTokens != 0 || got.Limit == nil || *got.Limit != 999 {
		t.Errorf("reset should zero counters but keep the limit override, got %+v", got)
	}
}

func TestClearUsage(t *testing.T) {
	store := newFakeUsageStore()
	m := New(store, nil)
	record(t, m, "conv-1", 100)
	if err := m.SetConversationLimit("conv-1", 500); err != nil {
		t.Fatal(err)
	}

	if err := m.ClearUsage("conv-1"); err != nil {
		t.Fatalf("ClearUsage() error = %v", err)
	}
	if got := m.GetUsage("conv-1"); got != nil {
		t.Errorf("cleared record should be gone, got %+v", got)
	}
	if _, ok := store.recs["conv-1"]; ok {
		t.Error("cleared record should be removed from the store")
	}
	// Unlike reset, clearing drops the override too.
	if got := m.GetEffectiveLimit("conv-1"); got == 500 {
		t.Error("cleared conversation should fall back to the global limit")
	}
}

func TestNotificationPayload(t *testing.T) {
	m := New(newFakeUsageStore(), nil)
	if err := m.SetConversationLimit("conv-1", 1000); err != nil {
		t.Fatal(err)
	}

	var last *Notification
	m.SetNotificationSink(func(n *Notification) { last = n })

	record(t, m, "conv-1", 250)

	if last == nil {
		t.Fatal("expected a usage-update notification")
	}
	if last.Type != NotificationType || last.ConversationID != "conv-1" {
		t.Errorf("notification header = %+v", last)
	}
	if last.Usage.TotalTokens != 250 || last.Usage.Limit != 1000 || last.Usage.Remaining != 750 {
		t.Errorf("notification usage = %+v", last.Usage)
	}
	if last.Usage.PercentUsed != 25 {
		t.Errorf("percentUsed = %v, want 25", last.Usage.PercentUsed)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"twelve chars", 3},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestValidationErrors(t *testing.T) {
	m := New(newFakeUsageStore(), nil)

	if err := m.RecordUsage("", provider.Usage{}); err == nil {
		t.Error("RecordUsage with empty id should fail")
	}
	if _, err := m.CheckLimit("", 1); err == nil {
		t.Error("CheckLimit with empty id should fail")
	}
	if err := m.ResetUsage(""); err == nil {
		t.Error("ResetUsage with empty id should fail")
	}
}
