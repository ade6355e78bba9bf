package broadcast

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages = append(f.messages, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func registerFake(t *testing.T, h *Hub, fc *fakeConn) *Client {
	t.Helper()
	client := &Client{conn: fc, playerID: "p1", send: make(chan Event, sendQueueSize)}
	select {
	case h.register <- client:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept registration")
	}
	return client
}

// Each client must observe events in publish order: ticks in sequence
// and the crash strictly after every tick that preceded it.
func TestHubDeliversEventsInOrder(t *testing.T) {
	h := NewHub()
	go h.Run()

	fc := &fakeConn{}
	registerFake(t, h, fc)

	const ticks = 100
	for i := 0; i < ticks; i++ {
		h.Publish(Event{Type: EventMultiplierTick, Data: MultiplierTick{RoundID: "r1", Multiplier: float64(i)}})
	}
	h.Publish(Event{Type: EventRoundCrashed, Data: RoundCrashed{RoundID: "r1", CrashPoint: 2.0}})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.snapshot()) == ticks+1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	got := fc.snapshot()
	if len(got) != ticks+1 {
		t.Fatalf("delivered %d messages, want %d", len(got), ticks+1)
	}

	var decoded struct {
		Type string `json:"type"`
		Data struct {
			Multiplier float64 `json:"multiplier"`
		} `json:"data"`
	}
	for i, raw := range got[:ticks] {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal message %d: %v", i, err)
		}
		if decoded.Type != string(EventMultiplierTick) || decoded.Data.Multiplier != float64(i) {
			t.Fatalf("message %d = %s, want tick %d", i, raw, i)
		}
	}
	if err := json.Unmarshal(got[ticks], &decoded); err != nil {
		t.Fatalf("unmarshal crash: %v", err)
	}
	if decoded.Type != string(EventRoundCrashed) {
		t.Errorf("last message type = %q, want round_crashed", decoded.Type)
	}
}

func TestHubUnregisterClosesConnection(t *testing.T) {
	h := NewHub()
	go h.Run()

	fc := &fakeConn{}
	client := registerFake(t, h, fc)

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	h.UnregisterClient(client)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == 0 && fc.isClosed() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if h.ClientCount() != 0 {
		t.Error("client still registered")
	}
	if !fc.isClosed() {
		t.Error("connection not closed after unregister")
	}

	// A send after close is a quiet no-op.
	client.Send(Event{Type: EventMultiplierTick})
}
