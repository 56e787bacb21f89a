package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"bitmesh/internal/identity"
	"bitmesh/internal/noise"
	"bitmesh/internal/protocol"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultIdleTimeout      = time.Hour
	DefaultSweepInterval    = time.Minute

	eventBuffer = 64
)

var (
	ErrHandshakeInProgress = errors.New("handshake already in progress")
	ErrNoSession           = errors.New("no completed session for peer")
	ErrUnknownHandshake    = errors.New("no pending handshake for peer")
)

// Session is one established Noise channel. The two cipher states hold
// distinct keys; the handshake hash is kept as channel-binding material.
type Session struct {
	Peer          string
	RemoteStatic  []byte
	HandshakeHash []byte
	Role          noise.Role

	send *noise.CipherState
	recv *noise.CipherState

	createdAt    time.Time
	lastActivity time.Time
}

func (s *Session) Fingerprint() string {
	return identity.Fingerprint(s.RemoteStatic)
}

type pendingHandshake struct {
	hs       *noise.HandshakeState
	role     noise.Role
	deadline time.Time
}

// Manager owns per-peer Noise sessions and pending handshakes, keyed by the
// hex short peer id. At most one pending handshake exists per peer.
type Manager struct {
	mu       sync.Mutex
	local    *identity.Identity
	sessions map[string]*Session
	pending  map[string]*pendingHandshake

	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	sweepInterval    time.Duration

	events chan Event
	log    *zap.Logger
	now    func() time.Time
}

type Options struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	Logger           *zap.Logger
}

func NewManager(local *identity.Identity, opts Options) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		local:            local,
		sessions:         make(map[string]*Session),
		pending:          make(map[string]*pendingHandshake),
		handshakeTimeout: opts.HandshakeTimeout,
		idleTimeout:      opts.IdleTimeout,
		sweepInterval:    opts.SweepInterval,
		events:           make(chan Event, eventBuffer),
		log:              opts.Logger,
		now:              time.Now,
	}
}

func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("session event dropped, consumer lagging")
	}
}

// Initiate starts an XX handshake toward the peer and emits the first
// handshake message. Fails if a handshake is already pending.
func (m *Manager) Initiate(peer string) error {
	m.mu.Lock()
	if _, ok := m.pending[peer]; ok {
		m.mu.Unlock()
		return ErrHandshakeInProgress
	}
	priv, err := m.local.NoisePrivate()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	hs, err := noise.NewHandshake(noise.Initiator, priv, m.local.NoisePub[:])
	if err != nil {
		m.mu.Unlock()
		return err
	}
	msg, err := hs.WriteMessage(nil)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.pending[peer] = &pendingHandshake{
		hs:       hs,
		role:     noise.Initiator,
		deadline: m.now().Add(m.handshakeTimeout),
	}
	m.mu.Unlock()

	m.log.Debug("handshake initiated", zap.String("peer", peer))
	m.emit(HandshakeMessage{Peer: peer, Type: protocol.TypeNoiseHandshakeInit, Data: msg})
	return nil
}

// OnInbound advances (or creates) the handshake state for a peer from an
// inbound NOISE_HANDSHAKE_INIT / NOISE_HANDSHAKE_RESP frame.
func (m *Manager) OnInbound(peer string, mt protocol.MessageType, data []byte) error {
	m.mu.Lock()
	p, ok := m.pending[peer]
	if !ok {
		if mt != protocol.TypeNoiseHandshakeInit {
			m.mu.Unlock()
			return ErrUnknownHandshake
		}
		priv, err := m.local.NoisePrivate()
		if err != nil {
			m.mu.Unlock()
			return err
		}
		hs, err := noise.NewHandshake(noise.Responder, priv, m.local.NoisePub[:])
		if err != nil {
			m.mu.Unlock()
			return err
		}
		p = &pendingHandshake{
			hs:       hs,
			role:     noise.Responder,
			deadline: m.now().Add(m.handshakeTimeout),
		}
		m.pending[peer] = p
	}

	if _, err := p.hs.ReadMessage(data); err != nil {
		delete(m.pending, peer)
		m.mu.Unlock()
		reason := ReasonProtocol
		if errors.Is(err, noise.ErrDecryptFailed) {
			reason = ReasonDecrypt
		}
		m.emit(HandshakeFailed{Peer: peer, Reason: reason, Err: err})
		return err
	}

	if p.hs.Completed() {
		ev, err := m.completeLocked(peer, p)
		m.mu.Unlock()
		if err != nil {
			m.emit(HandshakeFailed{Peer: peer, Reason: ReasonProtocol, Err: err})
			return err
		}
		m.emit(ev)
		return nil
	}

	// Our turn: write the next handshake message.
	reply, err := p.hs.WriteMessage(nil)
	if err != nil {
		delete(m.pending, peer)
		m.mu.Unlock()
		m.emit(HandshakeFailed{Peer: peer, Reason: ReasonProtocol, Err: err})
		return err
	}
	var established Event
	if p.hs.Completed() {
		ev, err := m.completeLocked(peer, p)
		if err != nil {
			m.mu.Unlock()
			m.emit(HandshakeFailed{Peer: peer, Reason: ReasonProtocol, Err: err})
			return err
		}
		established = ev
	}
	m.mu.Unlock()

	m.emit(HandshakeMessage{Peer: peer, Type: protocol.TypeNoiseHandshakeResp, Data: reply})
	if established != nil {
		m.emit(established)
	}
	return nil
}

// completeLocked inserts the session record atomically once the final
// handshake message is processed. Caller holds m.mu.
func (m *Manager) completeLocked(peer string, p *pendingHandshake) (Event, error) {
	send, recv, err := p.hs.Split()
	if err != nil {
		delete(m.pending, peer)
		return nil, err
	}
	now := m.now()
	s := &Session{
		Peer:          peer,
		RemoteStatic:  p.hs.RemoteStatic(),
		HandshakeHash: p.hs.ChannelBinding(),
		Role:          p.role,
		send:          send,
		recv:          recv,
		createdAt:     now,
		lastActivity:  now,
	}
	delete(m.pending, peer)
	m.sessions[peer] = s
	m.log.Info("session established",
		zap.String("peer", peer),
		zap.String("role", p.role.String()))
	return SessionEstablished{Peer: peer, Fingerprint: s.Fingerprint(), Role: p.role}, nil
}

// Encrypt seals a transport payload for the peer. Requires a completed
// session.
func (m *Manager) Encrypt(peer string, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		return nil, ErrNoSession
	}
	ct, err := s.send.Encrypt(nil, plaintext)
	if err != nil {
		return nil, err
	}
	s.lastActivity = m.now()
	return ct, nil
}

// Decrypt opens a transport ciphertext from the peer. An authentication
// failure closes the session: the counters may have desynchronized.
func (m *Manager) Decrypt(peer string, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	pt, err := s.recv.Decrypt(nil, ciphertext)
	if err != nil {
		m.closeLocked(peer, s)
		m.mu.Unlock()
		m.emit(SessionClosed{Peer: peer})
		return nil, err
	}
	s.lastActivity = m.now()
	m.mu.Unlock()
	return pt, nil
}

// Close zeroizes the session ciphers and removes the record.
func (m *Manager) Close(peer string) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	if ok {
		m.closeLocked(peer, s)
	}
	m.mu.Unlock()
	if ok {
		m.emit(SessionClosed{Peer: peer})
	}
}

func (m *Manager) closeLocked(peer string, s *Session) {
	s.send.Zeroize()
	s.recv.Zeroize()
	delete(m.sessions, peer)
	m.log.Info("session closed", zap.String("peer", peer))
}

func (m *Manager) Has(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[peer]
	return ok
}

func (m *Manager) Get(peer string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// FindByFingerprint returns the peer id whose session matches the
// fingerprint.
func (m *Manager) FindByFingerprint(fp string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, s := range m.sessions {
		if s.Fingerprint() == fp {
			return peer, true
		}
	}
	return "", false
}

func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for p := range m.sessions {
		out = append(out, p)
	}
	return out
}

// Sweep closes idle sessions and fails handshakes past their deadline.
func (m *Manager) Sweep() {
	now := m.now()
	var closed []string
	var failed []string

	m.mu.Lock()
	for peer, s := range m.sessions {
		if now.Sub(s.lastActivity) > m.idleTimeout {
			m.closeLocked(peer, s)
			closed = append(closed, peer)
		}
	}
	for peer, p := range m.pending {
		if now.After(p.deadline) {
			delete(m.pending, peer)
			failed = append(failed, peer)
		}
	}
	m.mu.Unlock()

	for _, peer := range closed {
		m.emit(SessionClosed{Peer: peer})
	}
	for _, peer := range failed {
		m.log.Warn("handshake timed out", zap.String("peer", peer))
		m.emit(HandshakeFailed{Peer: peer, Reason: ReasonTimeout})
	}
}

// Run drives the periodic sweep until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Sweep()
		}
	}
}
