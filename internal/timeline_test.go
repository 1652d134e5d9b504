package internal

import (
	"testing"
	"time"
)

func canonicalMsg(id, sender, content string, at time.Time) *Message {
	return &Message{
		ID:        id,
		RoomID:    "room-1",
		SenderID:  sender,
		Content:   content,
		CreatedAt: at,
		ReadBy:    []string{sender},
	}
}

func timelineIDs(t *testing.T, tl *Timeline) []string {
	t.Helper()
	msgs := tl.Messages()
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return ids
}

func TestMergeDedupesAcrossPushAndPoll(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()
	msg := canonicalMsg("id-1", "alice", "hello", base)

	if got := tl.Merge(msg); got != mergeInserted {
		t.Fatalf("first merge: expected insert, got %d", got)
	}
	// same message again via the other path
	if got := tl.Merge(msg); got != mergeIgnored {
		t.Fatalf("second merge: expected ignore, got %d", got)
	}
	if tl.Len() != 1 {
		t.Fatalf("expected 1 entry after duplicate delivery, got %d", tl.Len())
	}
}

func TestResolveReplacesInPlace(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()
	tl.Merge(canonicalMsg("id-1", "alice", "first", base))

	temp := canonicalMsg(NewTempID(), "bob", "pending", base.Add(time.Second))
	tl.InsertOptimistic(temp)
	tl.Merge(canonicalMsg("id-2", "alice", "third", base.Add(2*time.Second)))

	before := tl.Len()
	canonical := canonicalMsg("id-3", "bob", "pending", base.Add(time.Second))
	tl.Resolve(temp.ID, canonical)

	if tl.Len() != before {
		t.Fatalf("resolve changed length: %d -> %d", before, tl.Len())
	}
	ids := timelineIDs(t, tl)
	if ids[1] != "id-3" {
		t.Fatalf("expected canonical at position 1, got %v", ids)
	}
	if tl.Get(temp.ID) != nil {
		t.Error("temp id still resolvable after replacement")
	}
}

func TestResolveAfterPushRacedAhead(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()

	temp := canonicalMsg(NewTempID(), "bob", "hi", base)
	tl.InsertOptimistic(temp)

	// push delivers the canonical copy before the persist call returns.
	// the merge matches the pending entry by sender and content.
	canonical := canonicalMsg("id-1", "bob", "hi", base.Add(50*time.Millisecond))
	if got := tl.Merge(canonical); got != mergeReplaced {
		t.Fatalf("expected pending replacement, got %d", got)
	}
	tl.Resolve(temp.ID, canonical)

	if tl.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tl.Len())
	}
	if tl.Get("id-1") == nil {
		t.Fatal("canonical entry missing")
	}
}

func TestRollbackRemovesOptimisticEntry(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()
	tl.Merge(canonicalMsg("id-1", "alice", "hello", base))

	temp := canonicalMsg(NewTempID(), "bob", "doomed", base.Add(time.Second))
	tl.InsertOptimistic(temp)

	removed := tl.Rollback(temp.ID)
	if removed == nil {
		t.Fatal("rollback returned nil for known temp id")
	}
	if removed.Content != "doomed" {
		t.Errorf("expected removed content for compose restore, got %q", removed.Content)
	}
	if tl.Len() != 1 {
		t.Fatalf("expected 1 entry after rollback, got %d", tl.Len())
	}
	if tl.Rollback(temp.ID) != nil {
		t.Error("second rollback should be a no-op")
	}
}

func TestInsertSortedByCreatedAtThenID(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()

	tl.Merge(canonicalMsg("id-c", "alice", "c", base.Add(2*time.Second)))
	tl.Merge(canonicalMsg("id-a", "alice", "a", base))
	// same timestamp as id-c; id breaks the tie
	tl.Merge(canonicalMsg("id-b", "bob", "b", base.Add(2*time.Second)))

	ids := timelineIDs(t, tl)
	want := []string{"id-a", "id-b", "id-c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", ids, want)
		}
	}
}

func TestMergeBatchIsIdempotent(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()
	batch := []*Message{
		canonicalMsg("id-1", "alice", "one", base),
		canonicalMsg("id-2", "bob", "two", base.Add(time.Second)),
		canonicalMsg("id-3", "alice", "three", base.Add(2*time.Second)),
	}

	if added := tl.MergeBatch(batch); added != 3 {
		t.Fatalf("first batch: expected 3 added, got %d", added)
	}
	if added := tl.MergeBatch(batch); added != 0 {
		t.Fatalf("repeated batch: expected 0 added, got %d", added)
	}
	if tl.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", tl.Len())
	}
}

func TestApplyReadIsMonotonic(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()
	tl.Merge(canonicalMsg("id-1", "alice", "hello", base))

	if !tl.ApplyRead("id-1", []string{"bob"}) {
		t.Fatal("expected read set to grow")
	}
	if tl.ApplyRead("id-1", []string{"bob"}) {
		t.Error("repeated read update should not change anything")
	}
	// a stale update missing bob must not shrink the set
	tl.ApplyRead("id-1", []string{"carol"})
	msg := tl.Get("id-1")
	for _, want := range []string{"alice", "bob", "carol"} {
		if !msg.ReadByContains(want) {
			t.Errorf("read set missing %s: %v", want, msg.ReadBy)
		}
	}
	if tl.ApplyRead("missing", []string{"bob"}) {
		t.Error("read update for unknown message should report no change")
	}
}

func TestMergeUnionsReadSets(t *testing.T) {
	tl := NewTimeline()
	base := time.Now().UTC()
	tl.Merge(canonicalMsg("id-1", "alice", "hello", base))
	tl.ApplyRead("id-1", []string{"bob"})

	// a poll snapshot taken before bob's ack arrives with a smaller set
	stale := canonicalMsg("id-1", "alice", "hello", base)
	tl.Merge(stale)

	msg := tl.Get("id-1")
	if !msg.ReadByContains("bob") {
		t.Errorf("stale snapshot shrank the read set: %v", msg.ReadBy)
	}
}

func TestTempIDNamespace(t *testing.T) {
	id := NewTempID()
	if !IsTempID(id) {
		t.Errorf("temp id %q not recognized", id)
	}
	if IsTempID("6f1c2ab0-0000-0000-0000-000000000000") {
		t.Error("server uuid misidentified as temp id")
	}
}
