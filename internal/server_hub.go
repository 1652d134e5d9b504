package internal

import "sync"

// Hub tracks every live connection plus the fan-out registry of rooms.
// Room state only exists while at least one connection is joined; domain
// membership lives in storage and is not consulted for fan-out.
type Hub struct {
	mutex sync.RWMutex
	conns map[*Conn]bool
	rooms map[string]*Room
}

// builds an empty hub ready to serve websocket requests
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*Conn]bool),
		rooms: make(map[string]*Room),
	}
}

func (hub *Hub) addConn(conn *Conn) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.conns[conn] = true
}

func (hub *Hub) removeConn(conn *Conn) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	delete(hub.conns, conn)
}

// Exists reports whether a room currently has any joined connections.
func (hub *Hub) Exists(key string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.rooms[key]
	return ok
}

// JoinRoom subscribes conn to the room's fan-out, creating the room actor
// on first join. Membership and room lifetime are serialized under the hub
// lock, so a concurrent leave can never tear a room down between another
// connection's join and its first broadcast.
func (hub *Hub) JoinRoom(key string, conn *Conn) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		room = newRoom(key)
		hub.rooms[key] = room
		go room.run()
	}
	room.join(conn)
}

// LeaveRoom unsubscribes conn and stops the room actor once the last
// subscriber is gone.
func (hub *Hub) LeaveRoom(key string, conn *Conn) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		return
	}
	room.leave(conn)
	if room.size() == 0 {
		room.stop()
		delete(hub.rooms, key)
	}
}

// getRoom retrieves a room by key (may return nil)
func (hub *Hub) getRoom(key string) *Room {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.rooms[key]
}

// Broadcast delivers payload to all connections joined to the room. Either
// exclusion may be zero-valued.
func (hub *Hub) Broadcast(key string, payload []byte, excludeConn *Conn, excludeUserID string) {
	room := hub.getRoom(key)
	if room == nil {
		return
	}
	room.broadcast <- outbound{payload: payload, excludeConn: excludeConn, excludeUserID: excludeUserID}
}

// BroadcastAll delivers payload to every live connection, joined rooms or
// not. Used for the global presence snapshot.
func (hub *Hub) BroadcastAll(payload []byte) {
	hub.mutex.RLock()
	targets := make([]*Conn, 0, len(hub.conns))
	for conn := range hub.conns {
		targets = append(targets, conn)
	}
	hub.mutex.RUnlock()
	for _, conn := range targets {
		_ = conn.Send(payload)
	}
}
