package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512 * 1024

	sendBuffer = 64

	DefaultMaxReconnects = 10
)

var (
	ErrRelayNotConnected = errors.New("relay not connected")
	ErrPublishTimeout    = errors.New("no relay acknowledged the event")
)

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

type StatusEvent struct {
	URL    string
	Status Status
	Err    error
}

// Relay is one persistent websocket connection with resubscription on
// reconnect and per-event OK tracking.
type Relay struct {
	url string
	log *zap.Logger

	mu        sync.Mutex
	status    Status
	conn      *websocket.Conn
	send      chan []byte
	subs      map[string]Filter
	pendingOK map[string]chan bool

	onEvent  func(relayURL, subID string, ev *Event)
	onStatus func(StatusEvent)

	maxReconnects int
	reconnects    int
	onReconnect   func()

	cancel context.CancelFunc
	done   chan struct{}

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

type RelayOptions struct {
	Logger        *zap.Logger
	MaxReconnects int
	OnEvent       func(relayURL, subID string, ev *Event)
	OnStatus      func(StatusEvent)
	OnReconnect   func()
}

func NewRelay(url string, opts RelayOptions) *Relay {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	return &Relay{
		url:           url,
		log:           opts.Logger.With(zap.String("relay", url)),
		status:        StatusDisconnected,
		subs:          make(map[string]Filter),
		pendingOK:     make(map[string]chan bool),
		onEvent:       opts.OnEvent,
		onStatus:      opts.OnStatus,
		onReconnect:   opts.OnReconnect,
		maxReconnects: opts.MaxReconnects,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

func (r *Relay) URL() string { return r.url }

func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Relay) setStatus(s Status, err error) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
	if r.onStatus != nil {
		r.onStatus(StatusEvent{URL: r.url, Status: s, Err: err})
	}
}

// Connect starts the connection loop: dial, pump, reconnect with bounded
// exponential backoff and jitter until the attempt cap or context end.
func (r *Relay) Connect(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

func (r *Relay) run(ctx context.Context) {
	done := r.done
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		close(done)
	}()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		r.setStatus(StatusConnecting, nil)
		conn, err := r.dial(ctx, r.url)
		if err != nil {
			r.log.Warn("dial failed", zap.Error(err))
			r.reconnects++
			if r.reconnects >= r.maxReconnects {
				r.setStatus(StatusError, err)
				return
			}
			r.setStatus(StatusDisconnected, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		r.reconnects = 0
		bo.Reset()

		r.mu.Lock()
		r.conn = conn
		r.send = make(chan []byte, sendBuffer)
		r.mu.Unlock()
		r.setStatus(StatusConnected, nil)
		if r.onReconnect != nil {
			r.onReconnect()
		}
		r.resubscribe()

		readDone := make(chan struct{})
		go r.writePump(ctx, conn, readDone)
		r.readPump(conn)
		close(readDone)

		r.mu.Lock()
		r.conn = nil
		r.failPendingLocked()
		r.mu.Unlock()

		if ctx.Err() != nil {
			r.setStatus(StatusDisconnected, nil)
			return
		}
		r.setStatus(StatusDisconnected, nil)
		r.reconnects++
		if r.reconnects >= r.maxReconnects {
			r.setStatus(StatusError, errors.New("reconnect attempts exhausted"))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (r *Relay) Disconnect() {
	r.mu.Lock()
	cancel := r.cancel
	conn := r.conn
	done := r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (r *Relay) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn("read error", zap.Error(err))
			}
			return
		}
		r.handleMessage(message)
	}
}

func (r *Relay) writePump(ctx context.Context, conn *websocket.Conn, readDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	r.mu.Lock()
	send := r.send
	r.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-readDone:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) handleMessage(message []byte) {
	var parts []json.RawMessage
	if json.Unmarshal(message, &parts) != nil || len(parts) == 0 {
		return
	}
	var kind string
	if json.Unmarshal(parts[0], &kind) != nil {
		return
	}
	switch kind {
	case "EVENT":
		if len(parts) < 3 {
			return
		}
		var subID string
		if json.Unmarshal(parts[1], &subID) != nil {
			return
		}
		var ev Event
		if json.Unmarshal(parts[2], &ev) != nil {
			return
		}
		if ev.Verify() != nil {
			r.log.Debug("dropping event with bad signature", zap.String("id", ev.ID))
			return
		}
		if r.onEvent != nil {
			r.onEvent(r.url, subID, &ev)
		}
	case "OK":
		if len(parts) < 3 {
			return
		}
		var id string
		var ok bool
		if json.Unmarshal(parts[1], &id) != nil || json.Unmarshal(parts[2], &ok) != nil {
			return
		}
		r.mu.Lock()
		ch, exists := r.pendingOK[id]
		if exists {
			delete(r.pendingOK, id)
		}
		r.mu.Unlock()
		if exists {
			ch <- ok
		}
	case "EOSE":
		// End of stored events; live events follow on the same sub.
	}
}

func (r *Relay) enqueue(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.status != StatusConnected {
		return ErrRelayNotConnected
	}
	select {
	case r.send <- msg:
		return nil
	default:
		return errors.New("relay send queue full")
	}
}

// Publish sends the event and reports whether this relay acknowledged it.
func (r *Relay) Publish(ctx context.Context, ev *Event) (bool, error) {
	msg, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		return false, err
	}
	ch := make(chan bool, 1)
	r.mu.Lock()
	r.pendingOK[ev.ID] = ch
	r.mu.Unlock()
	if err := r.enqueue(msg); err != nil {
		r.mu.Lock()
		delete(r.pendingOK, ev.ID)
		r.mu.Unlock()
		return false, err
	}
	select {
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pendingOK, ev.ID)
		r.mu.Unlock()
		return false, ctx.Err()
	case ok := <-ch:
		return ok, nil
	}
}

// Subscribe registers a filter under the id; it is replayed on every
// reconnect.
func (r *Relay) Subscribe(subID string, f Filter) error {
	r.mu.Lock()
	r.subs[subID] = f
	r.mu.Unlock()
	msg, err := json.Marshal([]interface{}{"REQ", subID, f})
	if err != nil {
		return err
	}
	if err := r.enqueue(msg); err != nil && err != ErrRelayNotConnected {
		return err
	}
	return nil
}

func (r *Relay) Unsubscribe(subID string) {
	r.mu.Lock()
	delete(r.subs, subID)
	r.mu.Unlock()
	if msg, err := json.Marshal([]interface{}{"CLOSE", subID}); err == nil {
		r.enqueue(msg)
	}
}

// SubscriptionCount is the number of outstanding filters on this relay.
func (r *Relay) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Relay) resubscribe() {
	r.mu.Lock()
	subs := make(map[string]Filter, len(r.subs))
	for id, f := range r.subs {
		subs[id] = f
	}
	r.mu.Unlock()
	for id, f := range subs {
		if msg, err := json.Marshal([]interface{}{"REQ", id, f}); err == nil {
			r.enqueue(msg)
		}
	}
}

// failPendingLocked resolves outstanding publishes as rejected when the
// connection drops. Caller holds r.mu.
func (r *Relay) failPendingLocked() {
	for id, ch := range r.pendingOK {
		select {
		case ch <- false:
		default:
		}
		delete(r.pendingOK, id)
	}
}
