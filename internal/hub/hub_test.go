package hub

import (
	"encoding/json"
	"testing"
)

func newTestClient(id string) *Client {
	return NewClient(id, nil)
}

// drain reads every frame currently buffered for the client.
func drain(t *testing.T, c *Client) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case buf, ok := <-c.send:
			if !ok {
				return out
			}
			var f frame
			if err := json.Unmarshal(buf, &f); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestRegisterReplacesPriorConnection(t *testing.T) {
	h := New()
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")

	h.Register(7, c1)
	h.Register(7, c2)

	connID, ok := h.Lookup(7)
	if !ok || connID != "c2" {
		t.Fatalf("expected user 7 on c2, got %q ok=%v", connID, ok)
	}
	if users := h.Users(); len(users) != 1 {
		t.Fatalf("expected a single directory entry, got %d", len(users))
	}
}

func TestRemoveReturnsUserAndClearsState(t *testing.T) {
	h := New()
	c := newTestClient("c1")
	h.Register(3, c)
	h.SetPresence(3, c)
	h.Join(c, 100)

	userID, ok := h.Remove(c)
	if !ok || userID != 3 {
		t.Fatalf("expected removed user 3, got %d ok=%v", userID, ok)
	}
	if _, ok := h.Lookup(3); ok {
		t.Fatalf("directory entry should be gone")
	}
	if h.Online(3) {
		t.Fatalf("roster entry should be gone")
	}

	// Room membership is gone too: a room emit reaches nobody.
	h.EmitToRoom(100, "x", nil)
	if frames := drain(t, c); len(frames) != 0 {
		t.Fatalf("removed client still received %d frames", len(frames))
	}
}

func TestRemoveAttributesPresenceOnlyConnection(t *testing.T) {
	h := New()
	c := newTestClient("c1")
	h.Attach(c)
	h.SetPresence(8, c) // announced presence, never joined or registered

	userID, ok := h.Remove(c)
	if !ok || userID != 8 {
		t.Fatalf("expected roster attribution to user 8, got %d ok=%v", userID, ok)
	}
	if h.Online(8) {
		t.Fatalf("roster entry should be gone")
	}
}

func TestStaleDisconnectAfterReconnect(t *testing.T) {
	h := New()
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	h.Register(5, c1)
	h.Register(5, c2)
	h.SetPresence(5, c2)

	// The displaced connection's late disconnect is anonymous: the user is
	// still online on c2, so nothing downstream (call cleanup, user_offline)
	// may be attributed to them.
	if userID, ok := h.Remove(c1); ok {
		t.Fatalf("stale disconnect attributed to user %d", userID)
	}
	if connID, ok := h.Lookup(5); !ok || connID != "c2" {
		t.Fatalf("replacement connection evicted: %q ok=%v", connID, ok)
	}
	if !h.EmitToUser(5, "incoming_call", nil) {
		t.Fatalf("user unreachable for call routing after stale disconnect")
	}
	if frames := drain(t, c2); len(frames) != 1 {
		t.Fatalf("expected routed frame on the live connection, got %d", len(frames))
	}

	// The live connection's disconnect still reports the user.
	if userID, ok := h.Remove(c2); !ok || userID != 5 {
		t.Fatalf("expected removal to report user 5, got %d ok=%v", userID, ok)
	}
}

func TestPresenceLastWriterWins(t *testing.T) {
	h := New()
	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	h.SetPresence(9, c1)
	h.SetPresence(9, c2)

	if !h.Online(9) {
		t.Fatalf("user 9 should be online")
	}
	active := h.Active()
	if len(active) != 1 || active[0].SocketID != "c2" {
		t.Fatalf("expected single roster entry on c2, got %+v", active)
	}
}

func TestEmitToUserRoutesViaRoster(t *testing.T) {
	h := New()
	c := newTestClient("c1")
	h.SetPresence(4, c)

	if !h.EmitToUser(4, "ping", map[string]int{"n": 1}) {
		t.Fatalf("expected delivery to online user")
	}
	if h.EmitToUser(99, "ping", nil) {
		t.Fatalf("expected no delivery for unknown user")
	}

	frames := drain(t, c)
	if len(frames) != 1 || frames[0].Event != "ping" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestRoomBroadcastWithAndWithoutSender(t *testing.T) {
	h := New()
	a := newTestClient("a")
	b := newTestClient("b")
	outsider := newTestClient("x")
	h.Join(a, 1)
	h.Join(b, 1)
	h.Join(outsider, 2)

	h.EmitToRoom(1, "all", nil)
	h.EmitToRoomExcept(1, a, "others", nil)

	aFrames := drain(t, a)
	if len(aFrames) != 1 || aFrames[0].Event != "all" {
		t.Fatalf("sender should only see the inclusive broadcast, got %+v", aFrames)
	}
	bFrames := drain(t, b)
	if len(bFrames) != 2 {
		t.Fatalf("expected both broadcasts for b, got %+v", bFrames)
	}
	if frames := drain(t, outsider); len(frames) != 0 {
		t.Fatalf("outsider received room traffic: %+v", frames)
	}
}

func TestLeaveRoomZeroIsNoop(t *testing.T) {
	h := New()
	c := newTestClient("c1")
	h.Join(c, 1)

	h.Leave(c, 0) // sentinel
	h.EmitToRoom(1, "still", nil)
	if frames := drain(t, c); len(frames) != 1 {
		t.Fatalf("membership lost on sentinel leave: %+v", frames)
	}

	h.Leave(c, 1)
	h.EmitToRoom(1, "gone", nil)
	if frames := drain(t, c); len(frames) != 0 {
		t.Fatalf("membership survived leave: %+v", frames)
	}
}

func TestEmitAfterRemoveIsDropped(t *testing.T) {
	h := New()
	c := newTestClient("c1")
	h.Attach(c)
	h.SetPresence(6, c)

	// The ring-timer reply path holds the client beyond its lifetime; after
	// removal every emit route must drop the frame instead of panicking.
	reply := func(event string, data any) { h.Send(c, event, data) }

	h.Remove(c)
	reply("call_failed", map[string]string{"reason": "timeout"})
	h.Send(c, "direct", nil)
	h.Broadcast(nil, "all", nil)
	if h.EmitToUser(6, "roster", nil) {
		t.Fatalf("removed client still reachable via roster")
	}
}

func TestShutdownClosesEveryClient(t *testing.T) {
	h := New()
	a := newTestClient("a")
	b := newTestClient("b")
	h.Attach(a)
	h.Attach(b)
	h.Register(1, a)
	h.SetPresence(2, b)

	h.Shutdown()

	for _, c := range []*Client{a, b} {
		if _, ok := <-c.send; ok {
			t.Fatalf("client %s send channel still open", c.ID)
		}
	}
	if _, ok := h.Lookup(1); ok {
		t.Fatalf("directory not cleared")
	}
	if h.Online(2) {
		t.Fatalf("roster not cleared")
	}

	// Removing an already-shut-down client is harmless.
	if _, ok := h.Remove(a); ok {
		t.Fatalf("removed client still mapped to a user")
	}
}

func TestBroadcastReachesEveryConnectionOnce(t *testing.T) {
	h := New()
	a := newTestClient("a")
	b := newTestClient("b")
	h.Attach(a)
	h.Attach(b)
	h.Register(1, a)
	h.SetPresence(1, a) // directory and roster entry on the same conn
	h.Join(a, 10)
	h.SetPresence(2, b)

	h.Broadcast(nil, "hello", nil)
	if frames := drain(t, a); len(frames) != 1 {
		t.Fatalf("expected exactly one frame for a, got %d", len(frames))
	}
	if frames := drain(t, b); len(frames) != 1 {
		t.Fatalf("expected exactly one frame for b, got %d", len(frames))
	}

	h.Broadcast(b, "bye", nil)
	if frames := drain(t, b); len(frames) != 0 {
		t.Fatalf("excluded client received broadcast")
	}
}

func TestBroadcastReachesUnannouncedConnection(t *testing.T) {
	h := New()
	c := newTestClient("fresh")
	h.Attach(c)

	// A connection that has not yet sent any event still sees directory
	// broadcasts.
	h.Broadcast(nil, "getUsers", nil)
	frames := drain(t, c)
	if len(frames) != 1 || frames[0].Event != "getUsers" {
		t.Fatalf("unannounced connection missed broadcast: %+v", frames)
	}
}
