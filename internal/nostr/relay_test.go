package nostr

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelay is a minimal in-process relay: it ACKs every EVENT and records
// REQ subscriptions.
type fakeRelay struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	events   []Event
	subs     []string
	server   *httptest.Server
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var parts []json.RawMessage
			if json.Unmarshal(msg, &parts) != nil || len(parts) == 0 {
				continue
			}
			var kind string
			json.Unmarshal(parts[0], &kind)
			switch kind {
			case "EVENT":
				var ev Event
				if json.Unmarshal(parts[1], &ev) != nil {
					continue
				}
				f.mu.Lock()
				f.events = append(f.events, ev)
				f.mu.Unlock()
				resp, _ := json.Marshal([]interface{}{"OK", ev.ID, true, ""})
				conn.WriteMessage(websocket.TextMessage, resp)
			case "REQ":
				var subID string
				json.Unmarshal(parts[1], &subID)
				f.mu.Lock()
				f.subs = append(f.subs, subID)
				f.mu.Unlock()
				resp, _ := json.Marshal([]interface{}{"EOSE", subID})
				conn.WriteMessage(websocket.TextMessage, resp)
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func signedEvent(t *testing.T) *Event {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	ev := &Event{CreatedAt: time.Now().Unix(), Kind: KindGiftWrap, Content: "x"}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func waitStatus(t *testing.T, r *Relay, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("relay never reached %v (now %v)", want, r.Status())
}

func TestRelayPublishAcked(t *testing.T) {
	f := newFakeRelay(t)
	r := NewRelay(f.url(), RelayOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Connect(ctx)
	defer r.Disconnect()
	waitStatus(t, r, StatusConnected)

	ev := signedEvent(t)
	pubCtx, pubCancel := context.WithTimeout(ctx, 3*time.Second)
	defer pubCancel()
	ok, err := r.Publish(pubCtx, ev)
	if err != nil || !ok {
		t.Fatalf("publish: ok=%v err=%v", ok, err)
	}
	f.mu.Lock()
	got := len(f.events)
	f.mu.Unlock()
	if got != 1 {
		t.Fatalf("relay saw %d events", got)
	}
}

func TestRelaySubscriptionAccounting(t *testing.T) {
	f := newFakeRelay(t)
	r := NewRelay(f.url(), RelayOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Connect(ctx)
	defer r.Disconnect()
	waitStatus(t, r, StatusConnected)

	if err := r.Subscribe("sub1", Filter{Kinds: []int{KindGiftWrap}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if r.SubscriptionCount() != 1 {
		t.Fatalf("count %d, want 1", r.SubscriptionCount())
	}
	r.Unsubscribe("sub1")
	if r.SubscriptionCount() != 0 {
		t.Fatalf("count %d after unsubscribe", r.SubscriptionCount())
	}
}

func TestRelayPublishWhileDisconnected(t *testing.T) {
	r := NewRelay("ws://127.0.0.1:1", RelayOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.Publish(ctx, signedEvent(t)); err != ErrRelayNotConnected {
		t.Fatalf("want ErrRelayNotConnected, got %v", err)
	}
}

func TestPoolPublishFanOut(t *testing.T) {
	f1 := newFakeRelay(t)
	f2 := newFakeRelay(t)
	p := NewPool(PoolOptions{})
	p.AddRelay(f1.url())
	p.AddRelay(f2.url())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !p.HasConnected() {
		time.Sleep(10 * time.Millisecond)
	}
	if !p.HasConnected() {
		t.Fatalf("no relay connected")
	}

	if err := p.Publish(ctx, signedEvent(t)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPoolPublishNoRelays(t *testing.T) {
	p := NewPool(PoolOptions{})
	if err := p.Publish(context.Background(), signedEvent(t)); err != ErrNoRelays {
		t.Fatalf("want ErrNoRelays, got %v", err)
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	r := NewRelay("ws://example.invalid", RelayOptions{})
	r.handleMessage([]byte("not json"))
	r.handleMessage([]byte(`[]`))
	r.handleMessage([]byte(`["EVENT"]`))
	r.handleMessage([]byte(`["OK","id"]`))
	r.handleMessage([]byte(`["UNKNOWN",1,2,3]`))
}
