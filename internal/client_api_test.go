package internal

import (
	"errors"
	"testing"
)

// TestAPIClientRoundTrip drives the full REST surface against a live
// server: signup, login, room creation, persist, poll, and read receipt.
func TestAPIClientRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	alice := NewAPIClient(env.http.URL)
	if err := alice.Signup("alice", "Alice", "hunter22"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	creds, err := alice.Authenticate("alice", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if creds.UserID == "" || creds.Token == "" {
		t.Fatalf("incomplete credentials: %+v", creds)
	}

	bob := NewAPIClient(env.http.URL)
	if err := bob.Signup("bob", "Bob", "hunter22"); err != nil {
		t.Fatalf("signup bob: %v", err)
	}
	bobCreds, err := bob.Authenticate("bob", "hunter22")
	if err != nil {
		t.Fatalf("login bob: %v", err)
	}

	room, err := alice.CreateRoom("group", "algorithms", []string{bobCreds.UserID})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	rooms, err := bob.ListRooms()
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Fatalf("bob's rooms: %+v", rooms)
	}
	if len(rooms[0].MemberIDs) != 2 {
		t.Fatalf("room members: %v", rooms[0].MemberIDs)
	}

	msg, err := alice.Persist(room.ID, "assignment 3 is out", "")
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if IsTempID(msg.ID) || msg.ID == "" {
		t.Fatalf("canonical id expected, got %q", msg.ID)
	}
	if !containsID(msg.ReadBy, creds.UserID) {
		t.Fatalf("sender not implicit in read set: %v", msg.ReadBy)
	}

	batch, err := bob.ListMessages(room.ID, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != msg.ID {
		t.Fatalf("poll batch: %+v", batch)
	}

	if err := bob.MarkRead(msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// idempotent: a second ack is accepted and changes nothing
	if err := bob.MarkRead(msg.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}

	batch, err = alice.ListMessages(room.ID, 0)
	if err != nil {
		t.Fatalf("poll after read: %v", err)
	}
	if !containsID(batch[0].ReadBy, bobCreds.UserID) {
		t.Fatalf("read set missing bob: %v", batch[0].ReadBy)
	}

	members, err := alice.RoomMembers(room.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("member count: %d", len(members))
	}

	if err := alice.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := alice.ListRooms(); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth after logout, got %v", err)
	}
}

func TestPersistRejectsNonMember(t *testing.T) {
	env := newTestEnv(t)

	alice := NewAPIClient(env.http.URL)
	if err := alice.Signup("alice", "Alice", "hunter22"); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Authenticate("alice", "hunter22"); err != nil {
		t.Fatal(err)
	}

	mallory := NewAPIClient(env.http.URL)
	if err := mallory.Signup("mallory", "Mallory", "hunter22"); err != nil {
		t.Fatal(err)
	}
	if _, err := mallory.Authenticate("mallory", "hunter22"); err != nil {
		t.Fatal(err)
	}

	room, err := alice.CreateRoom("group", "private", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mallory.Persist(room.ID, "let me in", ""); err == nil {
		t.Fatal("expected persist to fail for non-member")
	}
	if _, err := mallory.ListMessages(room.ID, 0); err == nil {
		t.Fatal("expected poll to fail for non-member")
	}
}

func TestPersistRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t)

	alice := NewAPIClient(env.http.URL)
	if err := alice.Signup("alice", "Alice", "hunter22"); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Authenticate("alice", "hunter22"); err != nil {
		t.Fatal(err)
	}
	room, err := alice.CreateRoom("group", "general", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := alice.Persist(room.ID, "   ", ""); err == nil {
		t.Fatal("expected empty message to be rejected")
	}
	// attachment-only messages are fine
	if _, err := alice.Persist(room.ID, "", "uploads/syllabus.pdf"); err != nil {
		t.Fatalf("attachment-only message rejected: %v", err)
	}
}
