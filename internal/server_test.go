package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"campuschat/internal/storage"

	"github.com/gorilla/websocket"
)

type testEnv struct {
	store  *storage.Store
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", t.Name())
	store, err := storage.NewStore(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	server := NewServer(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.ServeWS)
	mux.HandleFunc("/signup", server.HandleSignup)
	mux.HandleFunc("/login", server.HandleLogin)
	mux.HandleFunc("/logout", server.HandleLogout)
	mux.HandleFunc("/rooms", server.HandleRooms)
	mux.HandleFunc("/rooms/", server.HandleRoomSubpath)
	mux.HandleFunc("/messages/", server.HandleMarkRead)
	mux.Handle("/metrics", server.MetricsHandler())
	httpServer := httptest.NewServer(mux)

	t.Cleanup(func() {
		httpServer.Close()
		_ = store.Close()
	})
	return &testEnv{store: store, server: server, http: httpServer}
}

// seedUser creates a user with a ready session token.
func (env *testEnv) seedUser(t *testing.T, username string) (userID, token string) {
	t.Helper()
	ctx := context.Background()
	userID, err := env.store.CreateUser(ctx, username, username, []byte("x"))
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	token = "tok-" + username
	if err := env.store.CreateSession(ctx, userID, token, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create session for %s: %v", username, err)
	}
	return userID, token
}

func (env *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// awaitFrame reads frames until one of the wanted type arrives, skipping
// interleaved presence and typing traffic.
func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("bad frame payload: %v", err)
		}
		if frame.Type == frameType {
			return frame
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s frame before deadline", frameType)
		}
	}
}

func sendTestFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestServeWSRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHelloAndPresenceSnapshot(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceTok := env.seedUser(t, "alice")
	bobID, bobTok := env.seedUser(t, "bob")

	alice := env.dial(t, aliceTok)
	hello := awaitFrame(t, alice, FrameHello)
	if hello.UserID != aliceID {
		t.Fatalf("hello user: got %s, want %s", hello.UserID, aliceID)
	}

	bob := env.dial(t, bobTok)
	awaitFrame(t, bob, FrameHello)

	// alice gets a fresh full snapshot when bob connects
	deadline := time.Now().Add(2 * time.Second)
	for {
		frame := awaitFrame(t, alice, FramePresence)
		if containsID(frame.Online, aliceID) && containsID(frame.Online, bobID) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw both users online: %v", frame.Online)
		}
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceTok := env.seedUser(t, "alice")
	roomID := env.seedRoom(t, "general", aliceID)

	alice := env.dial(t, aliceTok)
	awaitFrame(t, alice, FrameHello)

	sendTestFrame(t, alice, Frame{Type: FrameJoin, RoomID: roomID})
	ack := awaitFrame(t, alice, FrameJoin)
	if ack.RoomID != roomID {
		t.Fatalf("join ack room: got %s, want %s", ack.RoomID, roomID)
	}
	// joining again just re-acks
	sendTestFrame(t, alice, Frame{Type: FrameJoin, RoomID: roomID})
	awaitFrame(t, alice, FrameJoin)
}

func TestMessageFanOutAndReadReceipt(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceTok := env.seedUser(t, "alice")
	bobID, bobTok := env.seedUser(t, "bob")
	roomID := env.seedRoom(t, "general", aliceID, bobID)

	alice := env.dial(t, aliceTok)
	awaitFrame(t, alice, FrameHello)
	bob := env.dial(t, bobTok)
	awaitFrame(t, bob, FrameHello)

	sendTestFrame(t, alice, Frame{Type: FrameJoin, RoomID: roomID})
	awaitFrame(t, alice, FrameJoin)
	sendTestFrame(t, bob, Frame{Type: FrameJoin, RoomID: roomID})
	awaitFrame(t, bob, FrameJoin)

	stored, err := env.store.InsertMessage(context.Background(), roomID, aliceID, "hello bob", "")
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	wire := toWireMessage(stored)
	sendTestFrame(t, alice, Frame{Type: FrameMessage, RoomID: roomID, Message: wire})

	got := awaitFrame(t, bob, FrameMessage)
	if got.Message == nil || got.Message.ID != stored.ID || got.Message.Content != "hello bob" {
		t.Fatalf("fan-out mismatch: %+v", got.Message)
	}

	sendTestFrame(t, bob, Frame{Type: FrameRead, RoomID: roomID, MessageID: stored.ID})
	read := awaitFrame(t, alice, FrameRead)
	if read.MessageID != stored.ID {
		t.Fatalf("read receipt message: got %s, want %s", read.MessageID, stored.ID)
	}
	if !containsID(read.ReadBy, aliceID) || !containsID(read.ReadBy, bobID) {
		t.Fatalf("read set missing members: %v", read.ReadBy)
	}
}

func TestTypingBroadcastExcludesActor(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceTok := env.seedUser(t, "alice")
	bobID, bobTok := env.seedUser(t, "bob")
	roomID := env.seedRoom(t, "general", aliceID, bobID)

	alice := env.dial(t, aliceTok)
	awaitFrame(t, alice, FrameHello)
	bob := env.dial(t, bobTok)
	awaitFrame(t, bob, FrameHello)

	sendTestFrame(t, alice, Frame{Type: FrameJoin, RoomID: roomID})
	awaitFrame(t, alice, FrameJoin)
	sendTestFrame(t, bob, Frame{Type: FrameJoin, RoomID: roomID})
	awaitFrame(t, bob, FrameJoin)

	sendTestFrame(t, alice, Frame{Type: FrameTyping, RoomID: roomID, Typing: true})
	typing := awaitFrame(t, bob, FrameTyping)
	if !containsID(typing.TypingSet, aliceID) {
		t.Fatalf("typing set missing alice: %v", typing.TypingSet)
	}

	sendTestFrame(t, alice, Frame{Type: FrameTyping, RoomID: roomID, Typing: false})
	stopped := awaitFrame(t, bob, FrameTyping)
	if containsID(stopped.TypingSet, aliceID) {
		t.Fatalf("typing set still has alice after stop: %v", stopped.TypingSet)
	}
}

func TestMessageRequiresJoin(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceTok := env.seedUser(t, "alice")
	roomID := env.seedRoom(t, "general", aliceID)

	alice := env.dial(t, aliceTok)
	awaitFrame(t, alice, FrameHello)

	stored, err := env.store.InsertMessage(context.Background(), roomID, aliceID, "premature", "")
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	wire := toWireMessage(stored)
	sendTestFrame(t, alice, Frame{Type: FrameMessage, RoomID: roomID, Message: wire})

	errFrame := awaitFrame(t, alice, FrameError)
	if errFrame.Code != "not_joined" {
		t.Fatalf("expected not_joined error, got %s", errFrame.Code)
	}
}

func TestJoinUnknownRoomRejected(t *testing.T) {
	env := newTestEnv(t)
	_, aliceTok := env.seedUser(t, "alice")

	alice := env.dial(t, aliceTok)
	awaitFrame(t, alice, FrameHello)

	sendTestFrame(t, alice, Frame{Type: FrameJoin, RoomID: "no-such-room"})
	errFrame := awaitFrame(t, alice, FrameError)
	if errFrame.Code != "room_not_found" {
		t.Fatalf("expected room_not_found error, got %s", errFrame.Code)
	}
}

// seedRoom creates a group room with the given members.
func (env *testEnv) seedRoom(t *testing.T, name string, memberIDs ...string) string {
	t.Helper()
	room, err := env.store.CreateRoom(context.Background(), "group", name, memberIDs)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room.ID
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
