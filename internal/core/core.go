package core

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bitmesh/internal/identity"
	"bitmesh/internal/mesh"
	"bitmesh/internal/metrics"
	"bitmesh/internal/nostr"
	"bitmesh/internal/outbox"
	"bitmesh/internal/protocol"
	"bitmesh/internal/session"
	"bitmesh/internal/store"
	"bitmesh/internal/transport"
)

const (
	registrySweepEvery = 5 * time.Minute
	registryIdleWindow = 30 * time.Minute
	snapshotEvery      = time.Minute

	eventBuffer = 128
)

var ErrNotRunning = errors.New("core not running")

// Core owns the protocol stack: identity, sessions, router, transports,
// and the durable message manager. It is constructed at startup with its
// persistence and transport capabilities injected, and exposes the narrow
// boundary the embedding application consumes.
type Core struct {
	id   *identity.Identity
	kv   store.KV
	favs *favorites

	registry *mesh.Registry
	router   *mesh.Router
	sessions *session.Manager
	pool     *nostr.Pool
	mux      *transport.Multiplexer
	outbox   *outbox.Manager

	metrics  *metrics.Metrics
	log      *zap.Logger
	snapPath string

	events chan Event

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	seenMsgs map[string]struct{}
	seenFIFO []string
}

type Options struct {
	Nickname string
	// BLE is the link used for mesh traffic; nil runs Nostr-only.
	BLE transport.Link
	// OutboxPath is the sqlite file backing the durable outbox;
	// ":memory:" keeps it ephemeral.
	OutboxPath string
	// Relays seeds the Nostr pool; an empty list disables the fallback.
	Relays       []string
	SnapshotPath string
	MaxPeers     int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func New(kv store.KV, opts Options) (*Core, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.OutboxPath == "" {
		opts.OutboxPath = ":memory:"
	}

	id, err := identity.LoadOrCreate(kv, opts.Nickname)
	if err != nil {
		return nil, err
	}
	if opts.Nickname != "" && id.Nickname != opts.Nickname {
		id.Nickname = opts.Nickname
		if err := identity.Save(kv, id); err != nil {
			return nil, err
		}
	}

	favs, err := loadFavorites(kv)
	if err != nil {
		return nil, err
	}

	c := &Core{
		id:       id,
		kv:       kv,
		favs:     favs,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		snapPath: opts.SnapshotPath,
		events:   make(chan Event, eventBuffer),
		seenMsgs: make(map[string]struct{}),
	}

	c.registry = mesh.NewRegistry(opts.MaxPeers)
	c.router = mesh.NewRouter(id.ShortID(), c.registry, c.metrics, mesh.RouterOptions{})
	c.sessions = session.NewManager(id, session.Options{Logger: opts.Logger})

	if len(opts.Relays) > 0 {
		c.pool = nostr.NewPool(nostr.PoolOptions{
			Logger:  opts.Logger,
			Metrics: c.metrics,
			OnEvent: func(relayURL string, ev *nostr.Event) {
				c.mux.HandleNostrEvent(ev)
			},
		})
		for _, url := range opts.Relays {
			c.pool.AddRelay(url)
		}
	}

	muxOpts := transport.MuxOptions{
		BLE:       opts.BLE,
		Favorites: favs,
		Metrics:   c.metrics,
		Logger:    opts.Logger,
	}
	if c.pool != nil {
		muxOpts.Nostr = c.pool
	}
	c.mux = transport.NewMultiplexer(id, c.sessions, c.router, c.registry, muxOpts)
	c.mux.OnDeliver(c.handleInbound)

	obStore, err := outbox.Open(opts.OutboxPath)
	if err != nil {
		return nil, err
	}
	c.outbox = outbox.NewManager(obStore, c.mux, outbox.Options{
		Metrics: c.metrics,
		Logger:  opts.Logger,
	})
	return c, nil
}

// Run starts every worker and blocks until the context ends.
func (c *Core) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("core already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	if err := c.mux.Start(ctx); err != nil {
		cancel()
		return err
	}
	defer c.mux.Stop()

	if c.pool != nil {
		c.pool.Start(ctx)
		defer c.pool.Stop()
		c.pool.Subscribe(nostr.Filter{
			Kinds: []int{nostr.KindGiftWrap},
			PTags: []string{c.id.Nostr.PublicKeyHex()},
		})
	}

	if err := c.outbox.Recover(); err != nil {
		c.log.Warn("outbox recovery failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(c.sessions.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(c.outbox.Run(ctx)) })
	g.Go(func() error { return c.pumpSessionEvents(ctx) })
	g.Go(func() error { return c.pumpOutboxEvents(ctx) })
	if c.pool != nil {
		g.Go(func() error { return c.pumpRelayEvents(ctx) })
	}
	g.Go(func() error { return c.housekeeping(ctx) })

	c.Announce()
	err := g.Wait()
	c.sendLeave()
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Core) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Events is the boundary event stream.
func (c *Core) Events() <-chan Event { return c.events }

func (c *Core) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("boundary event dropped, consumer lagging")
	}
}

func (c *Core) pumpSessionEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.sessions.Events():
			switch e := ev.(type) {
			case session.HandshakeMessage:
				peer, ok := decodePeerHex(e.Peer)
				if !ok {
					continue
				}
				if err := c.mux.SendMessage(peer, e.Type, e.Data); err != nil {
					c.log.Debug("handshake frame send failed", zap.Error(err))
				}
			case session.SessionEstablished:
				c.metrics.IncSessionEstablished()
				if peer, ok := decodePeerHex(e.Peer); ok {
					c.registry.SetConnected(peer, true)
					c.outbox.OnPeerConnected(peer)
				}
				c.emit(SessionChanged{Inner: ev})
			case session.HandshakeFailed:
				c.metrics.IncSessionFailed()
				c.emit(SessionChanged{Inner: ev})
			case session.SessionClosed:
				c.emit(SessionChanged{Inner: ev})
			}
		}
	}
}

func (c *Core) pumpOutboxEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.outbox.Events():
			c.emit(DeliveryUpdate{Inner: ev})
		}
	}
}

func (c *Core) pumpRelayEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.pool.StatusEvents():
			c.emit(RelayChanged{Inner: ev})
			c.emit(TransportChanged{
				BLEPeers:       c.blePeerCount(),
				NostrConnected: c.pool.HasConnected(),
			})
		}
	}
}

func (c *Core) blePeerCount() int {
	return len(c.registryConnected())
}

func (c *Core) registryConnected() []mesh.Peer {
	var out []mesh.Peer
	for _, p := range c.registry.List() {
		if p.Connected {
			out = append(out, p)
		}
	}
	return out
}

func (c *Core) housekeeping(ctx context.Context) error {
	sweep := time.NewTicker(registrySweepEvery)
	defer sweep.Stop()
	snap := time.NewTicker(snapshotEvery)
	defer snap.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			c.registry.SweepIdle(registryIdleWindow)
			c.router.SweepRoutes()
		case <-snap.C:
			if err := c.metrics.WriteSnapshot(c.snapPath); err != nil {
				c.log.Debug("metrics snapshot failed", zap.Error(err))
			}
		}
	}
}

func decodePeerHex(s string) (protocol.PeerID, bool) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != protocol.SenderIDSize {
		return protocol.PeerID{}, false
	}
	var id protocol.PeerID
	copy(id[:], raw)
	return id, true
}

// --- inbound dispatch ---

func (c *Core) handleInbound(in transport.Inbound) {
	switch in.Type {
	case protocol.TypeMessage:
		c.handleChat(in)
	case protocol.TypeDeliveryAck:
		c.outbox.HandleDeliveryAck(string(in.Payload))
	case protocol.TypeDeliveryStatusRequest:
		// Confirm only messages we actually received.
		if c.hasSeenMessage(string(in.Payload)) {
			if err := c.mux.SendMessage(in.From, protocol.TypeDeliveryAck, in.Payload); err != nil {
				c.log.Debug("status reply send failed", zap.Error(err))
			}
		}
	case protocol.TypeReadReceipt:
		c.outbox.HandleReadReceipt(string(in.Payload))
	case protocol.TypeAnnounce, protocol.TypeNoiseIdentityAnnounce:
		c.handleAnnounce(in)
	case protocol.TypeLeave:
		c.registry.Remove(in.From)
		c.sessions.Close(peerHexOf(in.From))
		c.emit(PeerDisconnected{Peer: in.From})
	case protocol.TypeVersionHello:
		c.handleVersionHello(in)
	case protocol.TypeVersionAck, protocol.TypeProtocolAck:
		// Nothing to do; the link stays up.
	case protocol.TypeProtocolNack:
		// Version mismatch: drop the link and forget the session.
		c.log.Warn("protocol nack from peer", zap.String("peer", peerHexOf(in.From)))
		c.sessions.Close(peerHexOf(in.From))
		c.registry.SetConnected(in.From, false)
		c.mux.ClosePeer(in.From)
	case protocol.TypeFavorited:
		c.handleFavoriteNotice(in, true)
	case protocol.TypeUnfavorited:
		c.handleFavoriteNotice(in, false)
	case protocol.TypeMeshRelay:
		// Reserved; carried through opaquely until routing needs it.
	default:
		c.log.Debug("unhandled message type", zap.Uint8("type", uint8(in.Type)))
	}
}

func peerHexOf(id protocol.PeerID) string {
	return hex.EncodeToString(id[:])
}

const seenMsgCap = 1024

func (c *Core) rememberMessage(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seenMsgs[id]; ok {
		return
	}
	c.seenMsgs[id] = struct{}{}
	c.seenFIFO = append(c.seenFIFO, id)
	if len(c.seenFIFO) > seenMsgCap {
		old := c.seenFIFO[0]
		c.seenFIFO = c.seenFIFO[1:]
		delete(c.seenMsgs, old)
	}
}

func (c *Core) hasSeenMessage(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seenMsgs[id]
	return ok
}

func (c *Core) handleChat(in transport.Inbound) {
	msgID, content := decodeChatPayload(in.Payload)
	c.rememberMessage(msgID)
	broadcast := !in.Encrypted
	c.emit(MessageReceived{
		From:      in.From,
		MessageID: msgID,
		Content:   content,
		Timestamp: in.Timestamp,
		Encrypted: in.Encrypted,
		Broadcast: broadcast,
	})
	if in.Encrypted && msgID != "" {
		if err := c.mux.SendMessage(in.From, protocol.TypeDeliveryAck, []byte(msgID)); err != nil {
			c.log.Debug("delivery ack send failed", zap.Error(err))
		}
	}
}

// handleAnnounce verifies the signed identity announcement and refreshes
// the registry: [noise static(32) | sign pub(32) | nickname].
func (c *Core) handleAnnounce(in transport.Inbound) {
	if in.Packet == nil || !in.Packet.HasSignature() {
		return
	}
	if len(in.Payload) < 64 {
		return
	}
	noisePub := in.Payload[:32]
	signPub := in.Payload[32:64]
	nickname := string(in.Payload[64:])

	if identity.ShortID(noisePub) != in.From {
		c.log.Debug("announce peer id does not match static key")
		return
	}
	sb, err := in.Packet.SigningBytes()
	if err != nil {
		return
	}
	if !identity.Verify(signPub, sb, in.Packet.Signature) {
		c.log.Debug("announce signature invalid", zap.String("peer", peerHexOf(in.From)))
		return
	}

	known := c.registry.IsConnected(in.From)
	fp := identity.Fingerprint(noisePub)
	c.registry.Upsert(in.From, nickname, noisePub, fp)
	c.registry.SetConnected(in.From, true)
	if !known {
		c.emit(PeerConnected{Peer: in.From, Nickname: nickname, Fingerprint: fp})
		c.outbox.OnPeerConnected(in.From)
		if err := c.mux.SendMessage(in.From, protocol.TypeVersionHello, []byte{protocol.Version}); err != nil {
			c.log.Debug("version hello send failed", zap.Error(err))
		}
	}
}

func (c *Core) handleVersionHello(in transport.Inbound) {
	compatible := false
	for _, v := range in.Payload {
		if v == protocol.Version {
			compatible = true
			break
		}
	}
	reply := protocol.TypeVersionAck
	payload := []byte{protocol.Version}
	if !compatible {
		reply = protocol.TypeProtocolNack
		payload = nil
	}
	if err := c.mux.SendMessage(in.From, reply, payload); err != nil {
		c.log.Debug("version reply send failed", zap.Error(err))
	}
}

// handleFavoriteNotice records the remote side of the favorite
// relationship; the payload optionally carries the sender's derived relay
// identity: [sign pub(32) | dh pub(32)].
func (c *Core) handleFavoriteNotice(in transport.Inbound, favorited bool) {
	if err := c.favs.SetTheirSide(in.From, favorited); err != nil {
		c.log.Warn("favorite update failed", zap.Error(err))
		return
	}
	if favorited && len(in.Payload) >= 64 {
		fav, ok := c.favs.Get(in.From)
		if !ok {
			fav = Favorite{}
		}
		fav.NostrSignPub = hex.EncodeToString(in.Payload[:32])
		fav.NostrDHPub = append([]byte(nil), in.Payload[32:64]...)
		if p, ok := c.registry.Get(in.From); ok {
			if fav.Nickname == "" {
				fav.Nickname = p.Nickname
			}
			if len(fav.NoisePub) == 0 {
				fav.NoisePub = p.StaticKey
			}
		}
		if err := c.favs.Add(in.From, fav); err != nil {
			c.log.Warn("favorite persist failed", zap.Error(err))
		}
	}
}

// --- chat payload codec ---

// Chat payloads lead with the ULID so receipts can reference the message:
// [id length(1) | id | content].
func encodeChatPayload(id string, content []byte) []byte {
	out := make([]byte, 0, 1+len(id)+len(content))
	out = append(out, byte(len(id)))
	out = append(out, id...)
	out = append(out, content...)
	return out
}

func decodeChatPayload(b []byte) (id string, content []byte) {
	if len(b) == 0 {
		return "", nil
	}
	n := int(b[0])
	if n == 0 || 1+n > len(b) {
		return "", b
	}
	return string(b[1 : 1+n]), b[1+n:]
}

// --- boundary operations ---

func (c *Core) Fingerprint() string       { return c.id.Fingerprint() }
func (c *Core) ShortID() protocol.PeerID  { return c.id.ShortID() }
func (c *Core) Nickname() string          { return c.id.Nickname }
func (c *Core) NostrPublicKey() string    { return c.id.Nostr.PublicKeyHex() }
func (c *Core) Peers() []mesh.Peer        { return c.registry.List() }
func (c *Core) Metrics() metrics.Snapshot { return c.metrics.Snapshot() }

// SendMessage persists and schedules a chat message; nil recipient
// broadcasts. It returns the message id: delivery itself is asynchronous
// and reported through DeliveryUpdate events.
func (c *Core) SendMessage(content []byte, recipient *protocol.PeerID) (string, error) {
	id := ulid.Make().String()
	payload := encodeChatPayload(id, content)

	rcpt := protocol.BroadcastID
	class := outbox.ClassBroadcast
	if recipient != nil {
		rcpt = *recipient
		class = outbox.ClassDirect
	}
	return c.outbox.Send(id, c.id.ShortID(), rcpt, protocol.TypeMessage, payload, outbox.DerivePriority(class))
}

// MarkRead sends a read receipt for a previously received message.
func (c *Core) MarkRead(peer protocol.PeerID, messageID string) error {
	return c.mux.SendMessage(peer, protocol.TypeReadReceipt, []byte(messageID))
}

// InitiateHandshake starts a Noise session toward a reachable peer.
func (c *Core) InitiateHandshake(peer protocol.PeerID) error {
	return c.sessions.Initiate(peerHexOf(peer))
}

// Announce broadcasts the signed identity announcement.
func (c *Core) Announce() {
	payload := make([]byte, 0, 64+len(c.id.Nickname))
	payload = append(payload, c.id.NoisePub[:]...)
	payload = append(payload, c.id.SignPub...)
	payload = append(payload, c.id.Nickname...)

	p := &protocol.Packet{
		Version:   protocol.Version,
		Type:      protocol.TypeNoiseIdentityAnnounce,
		TTL:       protocol.MaxTTL,
		Timestamp: uint64(time.Now().UnixMilli()),
		Flags:     protocol.FlagHasSignature,
		SenderID:  c.id.ShortID(),
		Payload:   payload,
	}
	sb, err := p.SigningBytes()
	if err != nil {
		return
	}
	sig, err := c.id.Sign(sb)
	if err != nil {
		return
	}
	p.Signature = sig
	if err := c.mux.SendPacket(p); err != nil && !errors.Is(err, transport.ErrTransportUnavailable) {
		c.log.Debug("announce send failed", zap.Error(err))
	}
}

func (c *Core) sendLeave() {
	p := &protocol.Packet{
		Version:   protocol.Version,
		Type:      protocol.TypeLeave,
		TTL:       1,
		Timestamp: uint64(time.Now().UnixMilli()),
		SenderID:  c.id.ShortID(),
	}
	c.mux.SendPacket(p)
}

// Favorite pins a peer and notifies them, carrying our relay identity so
// the Nostr path can work in both directions.
func (c *Core) Favorite(peer protocol.PeerID) error {
	fav, _ := c.favs.Get(peer)
	if p, ok := c.registry.Get(peer); ok {
		fav.Nickname = p.Nickname
		fav.NoisePub = p.StaticKey
	}
	// The peer's relay identity arrives with its FAVORITED notice; until
	// then the record gates only the BLE path.
	if err := c.favs.Add(peer, fav); err != nil {
		return err
	}
	notice := make([]byte, 0, 64)
	notice = append(notice, c.id.Nostr.SignPub...)
	notice = append(notice, c.id.Nostr.DHPub[:]...)
	if err := c.mux.SendMessage(peer, protocol.TypeFavorited, notice); err != nil {
		c.log.Debug("favorite notice not delivered", zap.Error(err))
	}
	return nil
}

func (c *Core) Unfavorite(peer protocol.PeerID) error {
	if err := c.favs.Remove(peer); err != nil {
		return err
	}
	if err := c.mux.SendMessage(peer, protocol.TypeUnfavorited, nil); err != nil {
		c.log.Debug("unfavorite notice not delivered", zap.Error(err))
	}
	return nil
}

func (c *Core) Favorites() map[protocol.PeerID]Favorite {
	return c.favs.List()
}

func (c *Core) Block(peer protocol.PeerID) {
	c.registry.Upsert(peer, "", nil, "")
	c.registry.SetTrust(peer, mesh.Blocked)
	c.sessions.Close(peerHexOf(peer))
}

func (c *Core) Unblock(peer protocol.PeerID) {
	c.registry.SetTrust(peer, mesh.Untrusted)
}

// --- relay management ---

func (c *Core) AddRelay(url string) error {
	if c.pool == nil {
		return nostr.ErrNoRelays
	}
	return c.pool.AddRelay(url)
}

func (c *Core) RemoveRelay(url string) {
	if c.pool != nil {
		c.pool.RemoveRelay(url)
	}
}

func (c *Core) ConnectRelay(url string) error {
	if c.pool == nil {
		return nostr.ErrNoRelays
	}
	return c.pool.ConnectRelay(url)
}

func (c *Core) DisconnectRelay(url string) {
	if c.pool != nil {
		c.pool.DisconnectRelay(url)
	}
}

func (c *Core) RelayStatus() []nostr.StatusEvent {
	if c.pool == nil {
		return nil
	}
	return c.pool.Relays()
}
