package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", "Alice A", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty id")
	}
	if _, err := store.CreateUser(ctx, "alice", "", []byte("hash2")); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil || user.ID != id || user.DisplayName != "Alice A" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "bob", "", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	exp := time.Now().Add(time.Hour)
	if err := store.CreateSession(ctx, userID, "token123", exp); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	session, err := store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil || session.UserID != userID {
		t.Fatalf("unexpected session: %+v", session)
	}
	if err := store.DeleteSession(ctx, "token123"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	session, err = store.GetSession(ctx, "token123")
	if err != nil {
		t.Fatalf("GetSession after delete: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session after delete")
	}
}

func TestDirectRoomNeedsTwoMembers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")

	if _, err := store.CreateRoom(ctx, "direct", "", []string{alice}); err == nil {
		t.Fatalf("expected error for one-member direct room")
	}
	room, err := store.CreateRoom(ctx, "direct", "", []string{alice, bob})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	members, err := store.RoomMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("RoomMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
}

func TestMessageOrderAndReads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	room, err := store.CreateRoom(ctx, "group", "algorithms", []string{alice, bob})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	first, err := store.InsertMessage(ctx, room.ID, alice, "hello", "")
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	second, err := store.InsertMessage(ctx, room.ID, bob, "hi back", "")
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	// sender must be part of the read set right away.
	if len(first.ReadBy) != 1 || first.ReadBy[0] != alice {
		t.Fatalf("expected sender in read set, got %v", first.ReadBy)
	}

	messages, err := store.ListMessages(ctx, room.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != first.ID || messages[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", messages)
	}

	if err := store.MarkRead(ctx, first.ID, bob); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	// a second ack from the same user must not grow the set.
	if err := store.MarkRead(ctx, first.ID, bob); err != nil {
		t.Fatalf("MarkRead repeat: %v", err)
	}
	readBy, err := store.ReadBy(ctx, first.ID)
	if err != nil {
		t.Fatalf("ReadBy: %v", err)
	}
	if len(readBy) != 2 {
		t.Fatalf("expected read set of 2, got %v", readBy)
	}
}

func TestInsertMessageConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	eve := mustCreateUser(t, store, "eve")
	room, err := store.CreateRoom(ctx, "direct", "", []string{alice, bob})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if _, err := store.InsertMessage(ctx, room.ID, alice, "", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	// attachment-only messages are allowed.
	if _, err := store.InsertMessage(ctx, room.ID, alice, "", "files/notes.pdf"); err != nil {
		t.Fatalf("attachment-only message: %v", err)
	}
	if _, err := store.InsertMessage(ctx, room.ID, eve, "hi", ""); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestListMessagesLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	room, err := store.CreateRoom(ctx, "group", "seminar", []string{alice, bob})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	var last string
	for i := 0; i < 5; i++ {
		msg, err := store.InsertMessage(ctx, room.ID, alice, "msg", "")
		if err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		last = msg.ID
	}
	messages, err := store.ListMessages(ctx, room.ID, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[1].ID != last {
		t.Fatalf("expected newest message last, got %+v", messages)
	}
	if !messages[0].CreatedAt.After(time.Time{}) {
		t.Fatalf("timestamp not restored: %+v", messages[0])
	}
}

func TestListRoomsForUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	if _, err := store.CreateRoom(ctx, "direct", "", []string{alice, bob}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := store.CreateRoom(ctx, "group", "staff", []string{bob}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	rooms, err := store.ListRoomsForUser(ctx, alice)
	if err != nil {
		t.Fatalf("ListRoomsForUser: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Kind != "direct" {
		t.Fatalf("unexpected rooms: %+v", rooms)
	}
}

func mustCreateUser(t *testing.T, store *Store, username string) string {
	t.Helper()
	id, err := store.CreateUser(context.Background(), username, "", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser %s: %v", username, err)
	}
	return id
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
