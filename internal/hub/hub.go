// Package hub owns all per-connection state: the connection directory
// (user -> connection), the presence roster used for call routing, and
// conversation rooms for group broadcast. Everything lives behind one
// RWMutex; no other package mutates this state directly.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// UserEntry is one connection-directory row as exposed to clients in
// getUsers broadcasts.
type UserEntry struct {
	UserID       int64  `json:"userId"`
	ConnectionID string `json:"socketId"`
}

// PresenceEntry is one roster row as exposed in receive_online_user.
type PresenceEntry struct {
	ID       int64  `json:"id"`
	SocketID string `json:"socketId"`
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type Hub struct {
	mu     sync.RWMutex
	conns  map[*Client]struct{} // every open connection
	users  map[int64]*Client    // connection directory, one entry per user
	active map[int64]*Client    // presence roster for call routing
	rooms  map[int64]map[*Client]struct{}
	joined map[*Client]map[int64]struct{}
	userOf map[*Client]int64
}

func New() *Hub {
	return &Hub{
		conns:  make(map[*Client]struct{}),
		users:  make(map[int64]*Client),
		active: make(map[int64]*Client),
		rooms:  make(map[int64]map[*Client]struct{}),
		joined: make(map[*Client]map[int64]struct{}),
		userOf: make(map[*Client]int64),
	}
}

// Attach records a newly upgraded connection, so process-wide broadcasts
// reach it before it has announced an identity or joined a room.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// Register binds userID to c in the connection directory, replacing any
// prior connection for the same user. The displaced connection is forgotten:
// its later disconnect must not be attributed to the user, who is still
// online on c. Idempotent.
func (h *Hub) Register(userID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.users[userID]; ok && old != c {
		delete(h.userOf, old)
	}
	h.users[userID] = c
	h.userOf[c] = userID
}

// SetPresence upserts the presence roster entry for userID. Last writer
// wins, matching re-announces after reconnect.
func (h *Hub) SetPresence(userID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[userID] = c
}

// Remove drops every trace of c: room memberships, directory entry,
// roster entry. Returns the user the connection represented, if any, so
// disconnect handling can clean up calls and notify peers; a connection
// known only through the presence roster is attributed via its roster
// entry. The client's send channel is closed here, under the same lock
// that serializes emits.
func (h *Hub) Remove(c *Client) (userID int64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c)
	for roomID := range h.joined[c] {
		delete(h.rooms[roomID], c)
		if len(h.rooms[roomID]) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(h.joined, c)

	userID, ok = h.userOf[c]
	delete(h.userOf, c)
	if ok && h.users[userID] == c {
		delete(h.users, userID)
	}
	for id, cl := range h.active {
		if cl == c {
			delete(h.active, id)
			if !ok {
				userID, ok = id, true
			}
		}
	}

	c.Close()
	return userID, ok
}

// Lookup returns the connection id currently representing userID.
func (h *Hub) Lookup(userID int64) (connectionID string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.users[userID]
	if !ok {
		return "", false
	}
	return c.ID, true
}

// Online reports whether userID has a roster entry, i.e. can receive a
// directly routed call.
func (h *Hub) Online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.active[userID]
	return ok
}

// Join adds c to a conversation room.
func (h *Hub) Join(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	if h.joined[c] == nil {
		h.joined[c] = make(map[int64]struct{})
	}
	h.joined[c][roomID] = struct{}{}
}

// Leave removes c from a room. Room id 0 is the clients' "no room yet"
// sentinel and is ignored.
func (h *Hub) Leave(c *Client, roomID int64) {
	if roomID == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[roomID], c)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
	delete(h.joined[c], roomID)
}

// Send emits one event to a single connection.
func (h *Hub) Send(c *Client, event string, data any) {
	buf, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		slog.Error("marshal outbound frame", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(c, event, buf)
}

// EmitToUser routes an event to the roster connection of userID. Returns
// false when the user has no live connection; callers decide whether that
// is a push fallback or a dropped signal.
func (h *Hub) EmitToUser(userID int64, event string, data any) bool {
	buf, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		slog.Error("marshal outbound frame", "event", event, "error", err)
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.active[userID]
	if !ok {
		return false
	}
	h.deliver(c, event, buf)
	return true
}

// EmitToRoom fans an event out to every member of a room, sender included.
func (h *Hub) EmitToRoom(roomID int64, event string, data any) {
	h.EmitToRoomExcept(roomID, nil, event, data)
}

// EmitToRoomExcept fans an event out to a room, skipping except (typing
// relays exclude the sender).
func (h *Hub) EmitToRoomExcept(roomID int64, except *Client, event string, data any) {
	buf, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		slog.Error("marshal outbound frame", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c == except {
			continue
		}
		h.deliver(c, event, buf)
	}
}

// Broadcast emits an event to every open connection. except, when non-nil,
// is skipped.
func (h *Hub) Broadcast(except *Client, event string, data any) {
	buf, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		slog.Error("marshal outbound frame", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if c == except {
			continue
		}
		h.deliver(c, event, buf)
	}
}

// Users snapshots the connection directory for getUsers broadcasts.
func (h *Hub) Users() []UserEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]UserEntry, 0, len(h.users))
	for id, c := range h.users {
		out = append(out, UserEntry{UserID: id, ConnectionID: c.ID})
	}
	return out
}

// Active snapshots the presence roster for receive_online_user broadcasts.
func (h *Hub) Active() []PresenceEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(h.active))
	for id, c := range h.active {
		out = append(out, PresenceEntry{ID: id, SocketID: c.ID})
	}
	return out
}

// Shutdown closes every open connection. The write pumps send close frames
// as their channels drain; Shutdown does not wait for that.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.Close()
	}
	h.conns = make(map[*Client]struct{})
	h.users = make(map[int64]*Client)
	h.active = make(map[int64]*Client)
	h.rooms = make(map[int64]map[*Client]struct{})
	h.joined = make(map[*Client]map[int64]struct{})
	h.userOf = make(map[*Client]int64)
}

func (h *Hub) deliver(c *Client, event string, buf []byte) {
	if !c.enqueue(buf) {
		slog.Warn("dropping frame, client buffer full", "connection_id", c.ID, "event", event)
	}
}
