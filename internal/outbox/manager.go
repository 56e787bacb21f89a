package outbox

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"bitmesh/internal/metrics"
	"bitmesh/internal/protocol"
	"bitmesh/internal/transport"
)

const (
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	DefaultMaxAttempts = 8
	DefaultMessageTTL  = 24 * time.Hour

	pollInterval = 250 * time.Millisecond
)

var ErrExpired = errors.New("message expired before transmission")

// Sender is the slice of the multiplexer the manager drives.
type Sender interface {
	SendMessage(recipient protocol.PeerID, mt protocol.MessageType, payload []byte) error
}

// StatusEvent reports an outbox row transition to the boundary.
type StatusEvent struct {
	MessageID string
	Recipient string
	Status    Status
}

// Manager persists first, then enqueues: a send either reports enqueued or
// reaches a terminal failed/expired state; delivery itself is asynchronous.
type Manager struct {
	store  *Store
	sender Sender

	mu      sync.Mutex
	queue   entryHeap
	inQueue map[string]struct{}
	seq     uint64

	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	defaultTTL  time.Duration

	events  chan StatusEvent
	wake    chan struct{}
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

type Options struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	MessageTTL  time.Duration
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

func NewManager(store *Store, sender Sender, opts Options) *Manager {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		sender:      sender,
		inQueue:     make(map[string]struct{}),
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxAttempts: opts.MaxAttempts,
		defaultTTL:  opts.MessageTTL,
		events:      make(chan StatusEvent, 64),
		wake:        make(chan struct{}, 1),
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         time.Now,
	}
}

func (m *Manager) Events() <-chan StatusEvent { return m.events }

func (m *Manager) emit(ev StatusEvent) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Send persists the message and schedules it for transmission, returning
// the ULID message id. An empty id is generated; callers that embed the id
// in the payload pass their own.
func (m *Manager) Send(id string, sender, recipient protocol.PeerID, kind protocol.MessageType, payload []byte, prio Priority) (string, error) {
	if id == "" {
		id = ulid.Make().String()
	}
	now := m.now()
	e := &Entry{
		MessageID:     id,
		Sender:        hex.EncodeToString(sender[:]),
		Recipient:     hex.EncodeToString(recipient[:]),
		Payload:       append([]byte(nil), payload...),
		Kind:          int(kind),
		Priority:      prio,
		Status:        StatusPending,
		NextAttemptAt: now,
		ExpiresAt:     now.Add(m.defaultTTL),
		CreatedAt:     now,
	}
	if err := m.store.Put(e); err != nil {
		return "", err
	}
	m.metrics.IncOutboxEnqueued()
	m.enqueue(e.MessageID, e.Priority)
	return e.MessageID, nil
}

func (m *Manager) enqueue(id string, prio Priority) {
	m.mu.Lock()
	if _, dup := m.inQueue[id]; dup {
		m.mu.Unlock()
		m.kick()
		return
	}
	m.inQueue[id] = struct{}{}
	m.seq++
	m.queue.push(queued{id: id, priority: prio, seq: m.seq})
	m.mu.Unlock()
	m.kick()
}

// Recover reloads every non-terminal row after a restart.
func (m *Manager) Recover() error {
	rows, err := m.store.Retryable()
	if err != nil {
		return err
	}
	for i := range rows {
		m.enqueue(rows[i].MessageID, rows[i].Priority)
	}
	if len(rows) > 0 {
		m.log.Info("recovered outbox rows", zap.Int("count", len(rows)))
	}
	return nil
}

// OnPeerConnected pulls the peer's open rows back into the queue so they
// drain in FIFO order within each priority band.
func (m *Manager) OnPeerConnected(peer protocol.PeerID) {
	rows, err := m.store.RetryableFor(hex.EncodeToString(peer[:]))
	if err != nil {
		m.log.Warn("outbox drain lookup failed", zap.Error(err))
		return
	}
	now := m.now()
	for i := range rows {
		// Make the rows immediately eligible; the worker re-checks expiry.
		if rows[i].NextAttemptAt.After(now) {
			if err := m.store.RecordAttempt(rows[i].MessageID, rows[i].Attempts, now, rows[i].Status); err != nil {
				continue
			}
		}
		m.enqueue(rows[i].MessageID, rows[i].Priority)
	}
}

// HandleDeliveryAck moves a row to Delivered.
func (m *Manager) HandleDeliveryAck(messageID string) {
	if err := m.store.SetStatus(messageID, StatusDelivered); err != nil {
		return
	}
	m.metrics.IncOutboxDelivered()
	if e, err := m.store.Get(messageID); err == nil {
		m.emit(StatusEvent{MessageID: messageID, Recipient: e.Recipient, Status: StatusDelivered})
	}
}

// HandleReadReceipt moves a row to Read.
func (m *Manager) HandleReadReceipt(messageID string) {
	if err := m.store.SetStatus(messageID, StatusRead); err != nil {
		return
	}
	if e, err := m.store.Get(messageID); err == nil {
		m.emit(StatusEvent{MessageID: messageID, Recipient: e.Recipient, Status: StatusRead})
	}
}

// Run drives the worker until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-m.wake:
		}
		m.drain()
	}
}

// drain attempts every queued row that is due; rows scheduled in the
// future or awaiting backoff are re-queued.
func (m *Manager) drain() {
	now := m.now()
	var later []queued
	for {
		m.mu.Lock()
		q, ok := m.queue.pop()
		if ok {
			delete(m.inQueue, q.id)
		}
		m.mu.Unlock()
		if !ok {
			break
		}
		e, err := m.store.Get(q.id)
		if err != nil || e.Status.Terminal() {
			continue
		}
		if e.NextAttemptAt.After(now) {
			later = append(later, q)
			continue
		}
		m.attempt(e, q)
	}
	m.mu.Lock()
	for _, q := range later {
		if _, dup := m.inQueue[q.id]; dup {
			continue
		}
		m.inQueue[q.id] = struct{}{}
		m.queue.push(q)
	}
	m.mu.Unlock()
}

func (m *Manager) attempt(e *Entry, q queued) {
	now := m.now()
	if now.After(e.ExpiresAt) {
		if err := m.store.SetStatus(e.MessageID, StatusExpired); err == nil {
			m.metrics.IncOutboxExpired()
			m.emit(StatusEvent{MessageID: e.MessageID, Recipient: e.Recipient, Status: StatusExpired})
		}
		return
	}

	var rcpt protocol.PeerID
	raw, err := hex.DecodeString(e.Recipient)
	if err != nil || len(raw) != protocol.SenderIDSize {
		m.failEntry(e)
		return
	}
	copy(rcpt[:], raw)

	err = m.sender.SendMessage(rcpt, protocol.MessageType(e.Kind), e.Payload)
	switch {
	case err == nil:
		if err := m.store.RecordAttempt(e.MessageID, e.Attempts+1, now, StatusSent); err == nil {
			m.metrics.IncOutboxSent()
			m.emit(StatusEvent{MessageID: e.MessageID, Recipient: e.Recipient, Status: StatusSent})
		}
		// The row stays open until a DELIVERY_ACK arrives; a peer
		// reconnect re-queues it if the ack never does.
	case errors.Is(err, transport.ErrPeerUnreachable), errors.Is(err, transport.ErrTransportUnavailable):
		m.reschedule(e, q)
	default:
		m.log.Warn("send failed", zap.String("message", e.MessageID), zap.Error(err))
		m.reschedule(e, q)
	}
}

func (m *Manager) reschedule(e *Entry, q queued) {
	attempts := e.Attempts + 1
	if attempts >= m.maxAttempts {
		m.failEntry(e)
		return
	}
	next := m.now().Add(m.backoffDelay(attempts))
	if err := m.store.RecordAttempt(e.MessageID, attempts, next, StatusPending); err != nil {
		return
	}
	m.mu.Lock()
	if _, dup := m.inQueue[q.id]; !dup {
		m.inQueue[q.id] = struct{}{}
		m.queue.push(q)
	}
	m.mu.Unlock()
}

func (m *Manager) failEntry(e *Entry) {
	if err := m.store.SetStatus(e.MessageID, StatusFailed); err == nil {
		m.metrics.IncOutboxFailed()
		m.emit(StatusEvent{MessageID: e.MessageID, Recipient: e.Recipient, Status: StatusFailed})
	}
}

// backoffDelay reproduces the exponential schedule with jitter for the nth
// attempt: base 1 s growing by the library's default factor of 1.5 up to the
// 5 min cap.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.baseBackoff
	bo.MaxInterval = m.maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d <= 0 {
		d = m.baseBackoff
	}
	return d
}
