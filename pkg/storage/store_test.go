package storage

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New(:memory:) error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUsageRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if rec, err := store.GetUsage("conv-1"); err != nil || rec != nil {
		t.Fatalf("GetUsage(unknown) = (%v, %v), want (nil, nil)", rec, err)
	}

	limit := int64(5000)
	in := &UsageRecord{
		ConversationID: "conv-1",
		TotalTokens:    300,
		InputTokens:    200,
		OutputTokens:   100,
		LastUpdated:    time.Now().UnixMilli(),
		Limit:          &limit,
	}
	if err := store.SaveUsage(in); err != nil {
		t.Fatalf("SaveUsage() error = %v", err)
	}

	out, err := store.GetUsage("conv-1")
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if out.TotalTokens != 300 || out.InputTokens != 200 || out.OutputTokens != 100 {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if out.Limit == nil || *out.Limit != 5000 {
		t.Errorf("Limit = %v, want 5000", out.Limit)
	}
}

func TestSaveUsageUpserts(t *testing.T) {
	store := newTestStore(t)

	rec := &UsageRecord{ConversationID: "conv-2", TotalTokens: 10, LastUpdated: 1}
	if err := store.SaveUsage(rec); err != nil {
		t.Fatal(err)
	}
	rec.TotalTokens = 25
	rec.LastUpdated = 2
	if err := store.SaveUsage(rec); err != nil {
		t.Fatal(err)
	}

	out, err := store.GetUsage("conv-2")
	if err != nil {
		t.Fatal(err)
	}
	if out.TotalTokens != 25 || out.LastUpdated != 2 {
		t.Errorf("upsert did not replace: %+v", out)
	}

	all, err := store.GetAllUsage()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("GetAllUsage() returned %d records, want 1", len(all))
	}
}

func TestSaveUsageNilLimitClearsOverride(t *testing.T) {
	store := newTestStore(t)

	limit := int64(100)
	if err := store.SaveUsage(&UsageRecord{ConversationID: "c", LastUpdated: 1, Limit: &limit}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveUsage(&UsageRecord{ConversationID: "c", LastUpdated: 2}); err != nil {
		t.Fatal(err)
	}

	out, err := store.GetUsage("c")
	if err != nil {
		t.Fatal(err)
	}
	if out.Limit != nil {
		t.Errorf("Limit = %v, want nil after overwrite without override", *out.Limit)
	}
}

func TestClearUsage(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveUsage(&UsageRecord{ConversationID: "gone", LastUpdated: 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.ClearUsage("gone"); err != nil {
		t.Fatalf("ClearUsage() error = %v", err)
	}
	if rec, err := store.GetUsage("gone"); err != nil || rec != nil {
		t.Errorf("GetUsage after clear = (%v, %v), want (nil, nil)", rec, err)
	}
}

func TestMessagesPreserveOrderAndSenderMetadata(t *testing.T) {
	store := newTestStore(t)

	msgs := []*Message{
		{ConversationID: "conv-a", Role: "user", Content: "hello", Tokens: 2},
		{ConversationID: "conv-a", Role: "assistant", Content: "hi there", Tokens: 3},
		{ConversationID: "conv-a", Role: "agent", Content: "relay", SenderID: "conv-b", SenderType: "agent"},
	}
	for _, m := range msgs {
		if err := store.SaveMessage(m); err != nil {
			t.Fatalf("SaveMessage() error = %v", err)
		}
		if m.ID == 0 {
			t.Error("SaveMessage should assign an ID")
		}
	}

	got, err := store.GetMessages("conv-a")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, m := range got {
		if m.Content != msgs[i].Content {
			t.Errorf("message %d out of order: got %q, want %q", i, m.Content, msgs[i].Content)
		}
	}
	if got[2].SenderID != "conv-b" || got[2].SenderType != "agent" {
		t.Errorf("sender metadata lost: %+v", got[2])
	}
	if got[0].SenderID != "" || got[0].SenderType != "" {
		t.Errorf("user message should have no sender metadata: %+v", got[0])
	}
}

func TestDeleteConversationIsolation(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveMessage(&Message{ConversationID: "a", Role: "user", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveMessage(&Message{ConversationID: "b", Role: "user", Content: "y"}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteConversation("a"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}

	remaining, err := store.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0] != "b" {
		t.Errorf("ListConversations() = %v, want [b]", remaining)
	}
}

func TestClosedStoreErrors(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	if _, err := store.GetUsage("x"); err != ErrStoreClosed {
		t.Errorf("GetUsage on closed store = %v, want ErrStoreClosed", err)
	}
	if err := store.SaveMessage(&Message{ConversationID: "x", Role: "user", Content: "y"}); err != ErrStoreClosed {
		t.Errorf("SaveMessage on closed store = %v, want ErrStoreClosed", err)
	}
}
