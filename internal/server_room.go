package internal

import "sync"

// outbound is one fan-out unit queued on a room's broadcast channel.
type outbound struct {
	payload       []byte
	excludeConn   *Conn
	excludeUserID string
}

// Room is the fan-out registry for one room key. Membership is mutated
// synchronously under the hub's lock; only broadcasts go through the run
// loop. A queued-but-undrained join therefore cannot exist, so the hub's
// emptiness check always sees the true subscriber count.
type Room struct {
	key       string
	clients   map[*Conn]bool
	broadcast chan outbound
	done      chan struct{}
	mutex     sync.RWMutex
}

func newRoom(key string) *Room {
	return &Room{
		key:       key,
		clients:   make(map[*Conn]bool),
		broadcast: make(chan outbound, 256),
		done:      make(chan struct{}),
	}
}

func (room *Room) join(conn *Conn) {
	room.mutex.Lock()
	defer room.mutex.Unlock()
	// joining twice is a no-op by construction.
	room.clients[conn] = true
}

func (room *Room) leave(conn *Conn) {
	room.mutex.Lock()
	defer room.mutex.Unlock()
	delete(room.clients, conn)
}

func (room *Room) size() int {
	room.mutex.RLock()
	defer room.mutex.RUnlock()
	return len(room.clients)
}

func (room *Room) stop() {
	close(room.done)
}

func (room *Room) run() {
	for {
		select {
		case out := <-room.broadcast:
			room.mutex.Lock()
			for conn := range room.clients {
				if conn == out.excludeConn {
					continue
				}
				if out.excludeUserID != "" && conn.userID == out.excludeUserID {
					continue
				}
				if err := conn.Send(out.payload); err != nil {
					// the slow client began closing itself; drop it from
					// the room so we stop queueing onto it.
					delete(room.clients, conn)
				}
			}
			room.mutex.Unlock()
		case <-room.done:
			return
		}
	}
}
