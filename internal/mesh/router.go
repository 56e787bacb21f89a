package mesh

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"bitmesh/internal/metrics"
	"bitmesh/internal/protocol"
)

const (
	bloomCapacity = 10000
	bloomFPR      = 0.01

	DefaultMaxClockSkew = 5 * time.Minute
	DefaultRouteExpiry  = 10 * time.Minute
)

// PacketID identifies a packet for duplicate suppression:
// sha256(sender || timestamp_be || payload[0..8]). The 8-byte payload prefix
// matches the prior wire format; see DESIGN.md.
func PacketID(p *protocol.Packet) [32]byte {
	h := sha256.New()
	h.Write(p.SenderID[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	h.Write(ts[:])
	n := len(p.Payload)
	if n > 8 {
		n = 8
	}
	h.Write(p.Payload[:n])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

type routeEntry struct {
	nextHop  protocol.PeerID
	hopCount int
	lastUsed time.Time
}

// Decision is the router's verdict for one inbound packet.
type Decision struct {
	// Deliver: the packet is addressed to this node (or broadcast) and
	// should go up the stack.
	Deliver bool
	// Relay holds the ttl-decremented copy to re-transmit, nil otherwise.
	Relay *protocol.Packet
}

// Router performs duplicate suppression, TTL policing, clock-skew filtering,
// and the relay decision, and learns next-hop routes from observed traffic.
type Router struct {
	mu     sync.Mutex
	seen   *bloom.BloomFilter
	routes map[protocol.PeerID]routeEntry

	local    protocol.PeerID
	registry *Registry
	metrics  *metrics.Metrics

	maxSkew     time.Duration
	routeExpiry time.Duration
	now         func() time.Time
}

type RouterOptions struct {
	MaxClockSkew time.Duration
	RouteExpiry  time.Duration
}

func NewRouter(local protocol.PeerID, reg *Registry, m *metrics.Metrics, opts RouterOptions) *Router {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.RouteExpiry <= 0 {
		opts.RouteExpiry = DefaultRouteExpiry
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		seen:        bloom.NewWithEstimates(bloomCapacity, bloomFPR),
		routes:      make(map[protocol.PeerID]routeEntry),
		local:       local,
		registry:    reg,
		metrics:     m,
		maxSkew:     opts.MaxClockSkew,
		routeExpiry: opts.RouteExpiry,
		now:         time.Now,
	}
}

// Process applies the receive-side policy to a decoded packet that arrived
// from the given neighbor.
func (r *Router) Process(p *protocol.Packet, from protocol.PeerID) Decision {
	now := r.now()

	ts := time.UnixMilli(int64(p.Timestamp))
	if d := now.Sub(ts); d > r.maxSkew || d < -r.maxSkew {
		r.metrics.IncDropSkew()
		return Decision{}
	}

	if r.registry != nil && r.registry.IsBlocked(p.SenderID) {
		r.metrics.IncDropBlocked()
		return Decision{}
	}

	// Handshake traffic is point-to-point and retransmittable; fragments of
	// one message share sender, timestamp, and payload prefix (the message
	// id), so the packet id cannot tell them apart. Both bypass dedup.
	bypass := p.Type == protocol.TypeNoiseHandshakeInit ||
		p.Type == protocol.TypeNoiseHandshakeResp ||
		protocol.IsFragment(p.Type)

	if !bypass {
		id := PacketID(p)
		r.mu.Lock()
		dup := r.seen.TestOrAdd(id[:])
		r.mu.Unlock()
		if dup {
			r.metrics.IncDropDuplicate()
			return Decision{}
		}
	}

	r.learnRoute(p.SenderID, from, int(protocol.MaxTTL-p.TTL)+1, now)

	toLocal := p.HasRecipient() && p.RecipientID == r.local
	broadcast := !p.HasRecipient() || p.RecipientID.IsBroadcast()
	deliver := toLocal || broadcast

	dec := Decision{Deliver: deliver}
	if deliver {
		r.metrics.IncDelivered()
	}

	// Point-to-point traffic for this node is consumed, not relayed.
	if toLocal {
		return dec
	}
	if p.TTL == 0 {
		r.metrics.IncDropTTL()
		return dec
	}
	relay := *p
	relay.TTL = p.TTL - 1
	if relay.TTL == 0 {
		r.metrics.IncDropTTL()
		return dec
	}
	dec.Relay = &relay
	r.metrics.IncRelayed()
	return dec
}

func (r *Router) learnRoute(dest, via protocol.PeerID, hops int, now time.Time) {
	if dest == r.local {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.routes[dest]
	if !ok || hops < e.hopCount || now.Sub(e.lastUsed) > r.routeExpiry {
		r.routes[dest] = routeEntry{nextHop: via, hopCount: hops, lastUsed: now}
		return
	}
	if e.nextHop == via {
		e.lastUsed = now
		r.routes[dest] = e
	}
}

// NextHop returns the learned neighbor toward a destination.
func (r *Router) NextHop(dest protocol.PeerID) (protocol.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.routes[dest]
	if !ok || r.now().Sub(e.lastUsed) > r.routeExpiry {
		return protocol.PeerID{}, false
	}
	return e.nextHop, true
}

// SweepRoutes drops entries idle past the expiry window.
func (r *Router) SweepRoutes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.routeExpiry)
	removed := 0
	for dest, e := range r.routes {
		if e.lastUsed.Before(cutoff) {
			delete(r.routes, dest)
			removed++
		}
	}
	return removed
}

// ResetSeen replaces the bloom filter, e.g. on epoch rollover.
func (r *Router) ResetSeen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = bloom.NewWithEstimates(bloomCapacity, bloomFPR)
}
