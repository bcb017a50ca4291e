package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Sender delivers one encoded frame to a connection. Delivery is
// fire-and-forget; a connection that is gone simply misses the frame and
// catches up later from the persisted log.
type Sender interface {
	Send(frame []byte)
}

// Hub groups connections into rooms keyed by group key and fans frames
// out to every member of a room, the originator included.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[uuid.UUID]Sender
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{rooms: make(map[string]map[uuid.UUID]Sender)}
}

// Join adds a connection to the group's room.
func (h *Hub) Join(groupKey string, connID uuid.UUID, sender Sender) {
	if groupKey == "" || sender == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[groupKey]
	if !ok {
		room = make(map[uuid.UUID]Sender)
		h.rooms[groupKey] = room
	}
	room[connID] = sender
}

// Leave removes a connection from the group's room. The last member out
// removes the room itself so the map stays bounded under churn.
func (h *Hub) Leave(groupKey string, connID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[groupKey]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, groupKey)
	}
}

// Broadcast delivers the frame to every connection in the group's room.
// Senders are copied out under the read lock so a slow peer cannot hold
// the hub.
func (h *Hub) Broadcast(groupKey string, frame []byte) {
	h.mu.RLock()
	room := h.rooms[groupKey]
	if len(room) == 0 {
		h.mu.RUnlock()
		return
	}
	members := make([]Sender, 0, len(room))
	for _, sender := range room {
		members = append(members, sender)
	}
	h.mu.RUnlock()
	for _, sender := range members {
		sender.Send(frame)
	}
}

// RoomSize returns the number of connections joined to the group's room.
func (h *Hub) RoomSize(groupKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[groupKey])
}
