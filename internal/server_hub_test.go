package internal

import (
	"sync"
	"testing"
	"time"
)

func TestHubKeepsRoomWhileSubscriberRemains(t *testing.T) {
	hub := NewHub()
	a := newConn(nil, "user-a")
	b := newConn(nil, "user-b")

	hub.JoinRoom("room-1", a)
	hub.JoinRoom("room-1", b)
	hub.LeaveRoom("room-1", a)

	if !hub.Exists("room-1") {
		t.Fatal("room deleted while a subscriber remained")
	}
	hub.Broadcast("room-1", []byte("hello"), nil, "")
	select {
	case payload := <-b.send:
		if string(payload) != "hello" {
			t.Fatalf("unexpected payload %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast never reached the remaining subscriber")
	}

	hub.LeaveRoom("room-1", b)
	if hub.Exists("room-1") {
		t.Fatal("empty room should be deleted")
	}
}

func TestHubJoinDuringConcurrentLeave(t *testing.T) {
	hub := NewHub()
	for i := 0; i < 200; i++ {
		a := newConn(nil, "user-a")
		b := newConn(nil, "user-b")
		hub.JoinRoom("room-1", a)

		// whichever order these land in, b must end up subscribed to a
		// live room.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.JoinRoom("room-1", b)
		}()
		go func() {
			defer wg.Done()
			hub.LeaveRoom("room-1", a)
		}()
		wg.Wait()

		hub.Broadcast("room-1", []byte("ping"), nil, "")
		select {
		case <-b.send:
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: joined connection missed the broadcast", i)
		}
		hub.LeaveRoom("room-1", b)
	}
}
