package nostr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bitmesh/internal/metrics"
)

const publishWait = 10 * time.Second

var ErrNoRelays = errors.New("no relays configured")

// Pool fans events out to every connected relay; a publish is accepted when
// at least one relay acknowledges it.
type Pool struct {
	mu     sync.Mutex
	relays map[string]*Relay
	subs   map[string]Filter

	ctx    context.Context
	cancel context.CancelFunc

	onEvent  func(relayURL string, ev *Event)
	statusCh chan StatusEvent

	seen map[string]struct{}

	log     *zap.Logger
	metrics *metrics.Metrics
	opts    RelayOptions
}

type PoolOptions struct {
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	MaxReconnects int
	// OnEvent receives each verified, deduplicated inbound event.
	OnEvent func(relayURL string, ev *Event)
}

func NewPool(opts PoolOptions) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	p := &Pool{
		relays:   make(map[string]*Relay),
		subs:     make(map[string]Filter),
		seen:     make(map[string]struct{}),
		onEvent:  opts.OnEvent,
		statusCh: make(chan StatusEvent, 64),
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	p.opts = RelayOptions{
		Logger:        opts.Logger,
		MaxReconnects: opts.MaxReconnects,
		OnEvent:       p.handleEvent,
		OnStatus:      p.handleStatus,
		OnReconnect:   func() { p.metrics.IncRelayReconnect() },
	}
	return p
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, r := range p.relays {
		r.Connect(p.ctx)
	}
}

func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	relays := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, r := range relays {
		r.Disconnect()
	}
}

// StatusEvents surfaces per-relay lifecycle transitions to the boundary.
func (p *Pool) StatusEvents() <-chan StatusEvent { return p.statusCh }

func (p *Pool) handleStatus(ev StatusEvent) {
	select {
	case p.statusCh <- ev:
	default:
	}
}

// handleEvent dedups across relays by event id before delivering upward.
func (p *Pool) handleEvent(relayURL, subID string, ev *Event) {
	p.mu.Lock()
	if _, dup := p.seen[ev.ID]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[ev.ID] = struct{}{}
	if len(p.seen) > 4096 {
		p.seen = map[string]struct{}{ev.ID: {}}
	}
	fn := p.onEvent
	p.mu.Unlock()
	if fn != nil {
		fn(relayURL, ev)
	}
}

// AddRelay registers a relay URL; it connects immediately if the pool is
// running. Existing subscriptions are installed on the new relay.
func (p *Pool) AddRelay(url string) error {
	p.mu.Lock()
	if _, ok := p.relays[url]; ok {
		p.mu.Unlock()
		return nil
	}
	r := NewRelay(url, p.opts)
	p.relays[url] = r
	subs := make(map[string]Filter, len(p.subs))
	for id, f := range p.subs {
		subs[id] = f
	}
	ctx := p.ctx
	running := p.cancel != nil
	p.mu.Unlock()

	for id, f := range subs {
		r.Subscribe(id, f)
	}
	if running {
		r.Connect(ctx)
	}
	return nil
}

func (p *Pool) RemoveRelay(url string) {
	p.mu.Lock()
	r, ok := p.relays[url]
	if ok {
		delete(p.relays, url)
	}
	p.mu.Unlock()
	if ok {
		r.Disconnect()
	}
}

func (p *Pool) ConnectRelay(url string) error {
	p.mu.Lock()
	r, ok := p.relays[url]
	ctx := p.ctx
	running := p.cancel != nil
	p.mu.Unlock()
	if !ok {
		return ErrNoRelays
	}
	if !running {
		return errors.New("pool not started")
	}
	r.Connect(ctx)
	return nil
}

func (p *Pool) DisconnectRelay(url string) {
	p.mu.Lock()
	r, ok := p.relays[url]
	p.mu.Unlock()
	if ok {
		r.Disconnect()
	}
}

func (p *Pool) Relays() []StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StatusEvent, 0, len(p.relays))
	for url, r := range p.relays {
		out = append(out, StatusEvent{URL: url, Status: r.Status()})
	}
	return out
}

func (p *Pool) connected() []*Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Relay
	for _, r := range p.relays {
		if r.Status() == StatusConnected {
			out = append(out, r)
		}
	}
	return out
}

func (p *Pool) HasConnected() bool {
	return len(p.connected()) > 0
}

// Publish fans the event out to all connected relays and succeeds once any
// of them acknowledges.
func (p *Pool) Publish(ctx context.Context, ev *Event) error {
	relays := p.connected()
	if len(relays) == 0 {
		return ErrNoRelays
	}
	p.metrics.IncRelayPublished()
	ctx, cancel := context.WithTimeout(ctx, publishWait)
	defer cancel()

	acks := make(chan bool, len(relays))
	for _, r := range relays {
		go func(r *Relay) {
			ok, err := r.Publish(ctx, ev)
			acks <- err == nil && ok
		}(r)
	}
	for range relays {
		select {
		case ok := <-acks:
			if ok {
				p.metrics.IncRelayAccepted()
				return nil
			}
		case <-ctx.Done():
			return ErrPublishTimeout
		}
	}
	return ErrPublishTimeout
}

// Subscribe installs a filter on every relay, current and future, and
// returns the subscription id.
func (p *Pool) Subscribe(f Filter) string {
	subID := uuid.NewString()
	p.mu.Lock()
	p.subs[subID] = f
	relays := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()
	for _, r := range relays {
		r.Subscribe(subID, f)
	}
	return subID
}

func (p *Pool) Unsubscribe(subID string) {
	p.mu.Lock()
	delete(p.subs, subID)
	relays := make([]*Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.Unlock()
	for _, r := range relays {
		r.Unsubscribe(subID)
	}
}
