package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"bitmesh/internal/identity"
	"bitmesh/internal/mesh"
	"bitmesh/internal/metrics"
	"bitmesh/internal/nostr"
	"bitmesh/internal/protocol"
	"bitmesh/internal/session"
)

// Favorites resolves the mutual-favorite relationship that gates the Nostr
// fallback, and the recipient's derived relay identity.
type Favorites interface {
	IsMutual(peer protocol.PeerID) bool
	NostrIdentity(peer protocol.PeerID) (signPubHex string, dhPub [32]byte, ok bool)
}

// NostrTransport is the slice of the relay pool the multiplexer needs.
type NostrTransport interface {
	Publish(ctx context.Context, ev *nostr.Event) error
	HasConnected() bool
}

// Inbound is one application-level message delivered up the stack. Packet
// is the outer wire packet, kept so upper layers can verify signatures.
type Inbound struct {
	From      protocol.PeerID
	Type      protocol.MessageType
	Payload   []byte
	Timestamp uint64
	Encrypted bool
	Packet    *protocol.Packet
}

// Multiplexer owns the outbound decision tree (BLE first, Nostr for mutual
// favorites, otherwise unreachable) and both pipelines:
// pad-encrypt-encode-fragment going out, reassemble-decode-route-decrypt
// coming in. Inbound processing is serialized per peer and parallel across
// peers.
type Multiplexer struct {
	local   *identity.Identity
	localID protocol.PeerID

	sessions *session.Manager
	router   *mesh.Router
	registry *mesh.Registry
	metrics  *metrics.Metrics
	log      *zap.Logger

	ble       Link
	pool      NostrTransport
	favorites Favorites

	reasm *protocol.Reassembler

	mu          sync.Mutex
	dispatchers map[string]chan work
	deliver     func(Inbound)
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	now func() time.Time
}

type work struct {
	frame []byte
}

type MuxOptions struct {
	BLE       Link
	Nostr     NostrTransport
	Favorites Favorites
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func NewMultiplexer(local *identity.Identity, sessions *session.Manager, router *mesh.Router, registry *mesh.Registry, opts MuxOptions) *Multiplexer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	m := &Multiplexer{
		local:       local,
		localID:     local.ShortID(),
		sessions:    sessions,
		router:      router,
		registry:    registry,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		ble:         opts.BLE,
		pool:        opts.Nostr,
		favorites:   opts.Favorites,
		reasm:       protocol.NewReassembler(protocol.DefaultReassemblyWindow),
		dispatchers: make(map[string]chan work),
		now:         time.Now,
	}
	if m.ble != nil {
		m.ble.Subscribe(m.enqueueFrame)
	}
	return m
}

// OnDeliver installs the upward delivery callback; call before Start.
func (m *Multiplexer) OnDeliver(fn func(Inbound)) {
	m.mu.Lock()
	m.deliver = fn
	m.mu.Unlock()
}

func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	ctx = m.ctx
	m.mu.Unlock()

	if m.ble != nil {
		if err := m.ble.Start(ctx); err != nil {
			return err
		}
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(protocol.DefaultReassemblyWindow / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := m.reasm.Sweep(); n > 0 {
					for i := 0; i < n; i++ {
						m.metrics.IncReassemblyTimeout()
					}
				}
			}
		}
	}()
	return nil
}

func (m *Multiplexer) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	// Dispatcher goroutines exit on context cancellation; the channels are
	// left to the collector so late senders never hit a closed channel.
	for peer := range m.dispatchers {
		delete(m.dispatchers, peer)
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if m.ble != nil {
		m.ble.Stop()
	}
	m.wg.Wait()
	return nil
}

func peerHex(id protocol.PeerID) string {
	return hex.EncodeToString(id[:])
}

// SendPacket applies the per-recipient decision tree and ships an
// already-built packet.
func (m *Multiplexer) SendPacket(p *protocol.Packet) error {
	if !p.HasRecipient() || p.RecipientID.IsBroadcast() {
		return m.broadcastBLE(p, "")
	}
	peer := peerHex(p.RecipientID)
	if m.bleReachable(peer) {
		return m.sendBLE(peer, p)
	}
	if m.nostrUsable(p.RecipientID) {
		return m.sendNostr(p)
	}
	return ErrPeerUnreachable
}

// SendMessage runs the outbound pipeline for an application payload: pad
// and encrypt through the session when one is completed, then encode,
// fragment, and transmit.
func (m *Multiplexer) SendMessage(recipient protocol.PeerID, mt protocol.MessageType, payload []byte) error {
	p := &protocol.Packet{
		Version:   protocol.Version,
		Type:      mt,
		TTL:       protocol.MaxTTL,
		Timestamp: uint64(m.now().UnixMilli()),
		SenderID:  m.localID,
	}
	broadcast := recipient == protocol.PeerID{} || recipient.IsBroadcast()
	if !broadcast {
		p.Flags |= protocol.FlagHasRecipient
		p.RecipientID = recipient
	}

	if !broadcast && !isHandshakeType(mt) {
		peer := peerHex(recipient)
		if m.sessions.Has(peer) {
			inner := make([]byte, 0, 1+len(payload))
			inner = append(inner, byte(mt))
			inner = append(inner, payload...)
			padded, err := protocol.Pad(inner)
			if err != nil {
				return err
			}
			ct, err := m.sessions.Encrypt(peer, padded)
			if err != nil {
				return err
			}
			p.Type = protocol.TypeNoiseEncrypted
			p.Payload = ct
			return m.SendPacket(p)
		}
		if mt == protocol.TypeMessage {
			// Chat never travels the mesh in the clear. A reachable BLE
			// neighbor gets a handshake kicked off so the retry succeeds;
			// the gift wrap covers the Nostr path.
			if m.nostrUsable(recipient) {
				p.Payload = payload
				return m.sendNostr(p)
			}
			if m.bleReachable(peer) {
				if err := m.sessions.Initiate(peer); err != nil && !errors.Is(err, session.ErrHandshakeInProgress) {
					return err
				}
				return session.ErrNoSession
			}
			return ErrPeerUnreachable
		}
	}
	p.Payload = payload
	return m.SendPacket(p)
}

func isHandshakeType(mt protocol.MessageType) bool {
	return mt == protocol.TypeNoiseHandshakeInit || mt == protocol.TypeNoiseHandshakeResp
}

func (m *Multiplexer) bleReachable(peer string) bool {
	if m.ble == nil {
		return false
	}
	for _, p := range m.ble.Peers() {
		if p == peer {
			return true
		}
	}
	return false
}

func (m *Multiplexer) nostrUsable(recipient protocol.PeerID) bool {
	if m.pool == nil || m.favorites == nil {
		return false
	}
	if !m.favorites.IsMutual(recipient) {
		return false
	}
	return m.pool.HasConnected()
}

// sendBLE encodes and, when the encoded packet exceeds the MTU, splits it
// across fragment packets whose payload chunks reassemble into the encoded
// original.
func (m *Multiplexer) sendBLE(peer string, p *protocol.Packet) error {
	frames, err := m.encodeForBLE(p)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := m.ble.Send(peer, frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) broadcastBLE(p *protocol.Packet, except string) error {
	if m.ble == nil {
		return ErrTransportUnavailable
	}
	frames, err := m.encodeForBLE(p)
	if err != nil {
		return err
	}
	var firstErr error
	for _, peer := range m.ble.Peers() {
		if peer == except {
			continue
		}
		for _, frame := range frames {
			if err := m.ble.Send(peer, frame); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Multiplexer) encodeForBLE(p *protocol.Packet) ([][]byte, error) {
	encoded, err := p.Encode()
	if err != nil {
		return nil, err
	}
	if len(encoded) <= protocol.BLEMTU {
		return [][]byte{encoded}, nil
	}
	carrier := &protocol.Packet{
		Version:     protocol.Version,
		Type:        protocol.TypeMessage,
		TTL:         p.TTL,
		Timestamp:   p.Timestamp,
		Flags:       p.Flags & protocol.FlagHasRecipient,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Payload:     encoded,
	}
	var msgID protocol.FragmentID
	if _, err := rand.Read(msgID[:]); err != nil {
		return nil, err
	}
	frags, err := protocol.Fragment(carrier, msgID)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(frags))
	for _, f := range frags {
		buf, err := f.Encode()
		if err != nil {
			return nil, err
		}
		frames = append(frames, buf)
	}
	return frames, nil
}

func (m *Multiplexer) sendNostr(p *protocol.Packet) error {
	signPub, dhPub, ok := m.favorites.NostrIdentity(p.RecipientID)
	if !ok {
		return ErrPeerUnreachable
	}
	encoded, err := p.Encode()
	if err != nil {
		return err
	}
	wrap, err := nostr.GiftWrap(encoded, &m.local.Nostr, signPub, dhPub)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.pool.Publish(ctx, wrap); err != nil {
		return ErrTransportUnavailable
	}
	return nil
}

// HandleNostrEvent unwraps an inbound gift wrap and runs the embedded
// packet through the normal inbound pipeline.
func (m *Multiplexer) HandleNostrEvent(ev *nostr.Event) {
	encoded, _, err := nostr.GiftUnwrap(ev, &m.local.Nostr)
	if err != nil {
		if !errors.Is(err, nostr.ErrNotForUs) {
			m.log.Debug("gift unwrap failed", zap.Error(err))
		}
		return
	}
	p, err := protocol.Decode(encoded)
	if err != nil {
		m.metrics.IncDecodeFailure()
		return
	}
	m.registry.Upsert(p.SenderID, "", nil, "")
	m.processPacket(p, p.SenderID)
}

// enqueueFrame feeds a raw frame into the sender's serial dispatcher, so
// packets from one peer are processed in arrival order while distinct peers
// proceed in parallel.
func (m *Multiplexer) enqueueFrame(peer string, frame []byte) {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	ch, ok := m.dispatchers[peer]
	if !ok {
		ch = make(chan work, 64)
		m.dispatchers[peer] = ch
		ctx := m.ctx
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case w := <-ch:
					m.handleFrame(peer, w.frame)
				}
			}
		}()
	}
	m.mu.Unlock()
	select {
	case ch <- work{frame: frame}:
	default:
		m.log.Warn("inbound queue full, dropping frame", zap.String("peer", peer))
	}
}

func (m *Multiplexer) handleFrame(peer string, frame []byte) {
	p, err := protocol.Decode(frame)
	if err != nil {
		m.metrics.IncDecodeFailure()
		m.log.Debug("dropping undecodable frame", zap.String("peer", peer), zap.Error(err))
		return
	}
	var from protocol.PeerID
	if raw, err := hex.DecodeString(peer); err == nil && len(raw) == protocol.SenderIDSize {
		copy(from[:], raw)
	} else {
		from = p.SenderID
	}
	m.processPacket(p, from)
}

func (m *Multiplexer) processPacket(p *protocol.Packet, from protocol.PeerID) {
	if protocol.IsFragment(p.Type) {
		m.handleFragment(p, from)
		return
	}
	dec := m.router.Process(p, from)
	if dec.Relay != nil {
		if err := m.relay(dec.Relay, from); err != nil {
			m.log.Debug("relay failed", zap.Error(err))
		}
	}
	if !dec.Deliver {
		return
	}
	m.dispatch(p)
}

func (m *Multiplexer) handleFragment(p *protocol.Packet, from protocol.PeerID) {
	foreign := p.HasRecipient() && p.RecipientID != m.localID && !p.RecipientID.IsBroadcast()
	if foreign {
		dec := m.router.Process(p, from)
		if dec.Relay != nil {
			if err := m.relay(dec.Relay, from); err != nil {
				m.log.Debug("fragment relay failed", zap.Error(err))
			}
		}
		return
	}
	if !p.HasRecipient() || p.RecipientID.IsBroadcast() {
		// Broadcast fragments flood like their complete counterparts.
		if dec := m.router.Process(p, from); dec.Relay != nil {
			if err := m.relay(dec.Relay, from); err != nil {
				m.log.Debug("fragment relay failed", zap.Error(err))
			}
		}
	}
	payload, done, err := m.reasm.Add(p)
	if err != nil {
		m.metrics.IncDecodeFailure()
		return
	}
	if !done {
		return
	}
	inner, err := protocol.Decode(payload)
	if err != nil {
		m.metrics.IncDecodeFailure()
		return
	}
	// The fragments were already policed individually; the reassembled
	// packet goes straight up.
	m.dispatch(inner)
}

func (m *Multiplexer) relay(p *protocol.Packet, from protocol.PeerID) error {
	if m.ble == nil {
		return nil
	}
	return m.broadcastBLE(p, peerHex(from))
}

// ClosePeer tears down the link to one neighbor, e.g. after a protocol
// version mismatch.
func (m *Multiplexer) ClosePeer(peer protocol.PeerID) {
	if m.ble != nil {
		m.ble.Close(peerHex(peer))
	}
}

// dispatch hands a delivered packet to the layer that owns its type.
func (m *Multiplexer) dispatch(p *protocol.Packet) {
	sender := peerHex(p.SenderID)
	switch p.Type {
	case protocol.TypeNoiseHandshakeInit, protocol.TypeNoiseHandshakeResp:
		if err := m.sessions.OnInbound(sender, p.Type, p.Payload); err != nil {
			m.log.Debug("handshake step failed", zap.String("peer", sender), zap.Error(err))
		}
	case protocol.TypeNoiseEncrypted:
		padded, err := m.sessions.Decrypt(sender, p.Payload)
		if err != nil {
			m.log.Warn("transport decrypt failed", zap.String("peer", sender), zap.Error(err))
			return
		}
		inner, err := protocol.Unpad(padded)
		if err != nil || len(inner) == 0 {
			m.metrics.IncDecodeFailure()
			return
		}
		m.deliverUp(Inbound{
			From:      p.SenderID,
			Type:      protocol.MessageType(inner[0]),
			Payload:   inner[1:],
			Timestamp: p.Timestamp,
			Encrypted: true,
			Packet:    p,
		})
	default:
		m.deliverUp(Inbound{
			From:      p.SenderID,
			Type:      p.Type,
			Payload:   p.Payload,
			Timestamp: p.Timestamp,
			Packet:    p,
		})
	}
}

func (m *Multiplexer) deliverUp(in Inbound) {
	m.mu.Lock()
	fn := m.deliver
	m.mu.Unlock()
	if fn != nil {
		fn(in)
	}
}
