package noise

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// ProtocolName initializes h directly: at exactly 32 bytes it is copied in
// as is, with neither padding nor hashing.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

const (
	dhLen  = 32
	tagLen = 16
)

var (
	ErrUnexpectedHandshakeMessage = errors.New("handshake message out of turn")
	ErrHandshakeFailed            = errors.New("handshake previously failed")
	ErrHandshakeNotComplete       = errors.New("handshake not complete")
	ErrShortHandshakeMessage      = errors.New("handshake message too short")
)

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// HandshakeState drives the XX pattern:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// The state machine is rejective: any write or read out of turn fails, and a
// failed or completed state refuses further handshake operations.
type HandshakeState struct {
	ss *symmetricState

	role Role

	sPriv []byte
	sPub  []byte

	ePriv []byte
	ePub  []byte

	rs []byte
	re []byte

	msgIndex  int
	completed bool
	failed    bool
}

func NewHandshake(role Role, staticPriv, staticPub []byte) (*HandshakeState, error) {
	if len(staticPriv) != dhLen || len(staticPub) != dhLen {
		return nil, ErrBadKeyMaterial
	}
	return &HandshakeState{
		ss:    newSymmetricState(ProtocolName),
		role:  role,
		sPriv: append([]byte(nil), staticPriv...),
		sPub:  append([]byte(nil), staticPub...),
	}, nil
}

func (h *HandshakeState) Completed() bool { return h.completed }
func (h *HandshakeState) Failed() bool    { return h.failed }

// RemoteStatic is the peer's static public key, available after message 2
// (initiator) or message 3 (responder).
func (h *HandshakeState) RemoteStatic() []byte {
	if h.rs == nil {
		return nil
	}
	return append([]byte(nil), h.rs...)
}

// ChannelBinding is the final handshake hash.
func (h *HandshakeState) ChannelBinding() []byte {
	return h.ss.handshakeHash()
}

func (h *HandshakeState) myTurnToWrite() bool {
	if h.role == Initiator {
		return h.msgIndex%2 == 0
	}
	return h.msgIndex%2 == 1
}

func (h *HandshakeState) generateEphemeral() error {
	priv := make([]byte, dhLen)
	if _, err := rand.Read(priv); err != nil {
		return err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return err
	}
	h.ePriv = priv
	h.ePub = pub
	return nil
}

func (h *HandshakeState) dh(priv, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv, pub)
}

func (h *HandshakeState) fail() {
	h.failed = true
	h.ss.zeroize()
	zero(h.ePriv)
}

// WriteMessage produces the next outbound handshake message carrying the
// given payload.
func (h *HandshakeState) WriteMessage(payload []byte) ([]byte, error) {
	if h.failed {
		return nil, ErrHandshakeFailed
	}
	if h.completed || h.msgIndex > 2 || !h.myTurnToWrite() {
		return nil, ErrUnexpectedHandshakeMessage
	}
	var out []byte
	switch h.msgIndex {
	case 0: // -> e
		if err := h.generateEphemeral(); err != nil {
			return nil, err
		}
		h.ss.mixHash(h.ePub)
		out = append(out, h.ePub...)
	case 1: // <- e, ee, s, es
		if err := h.generateEphemeral(); err != nil {
			return nil, err
		}
		h.ss.mixHash(h.ePub)
		out = append(out, h.ePub...)
		ee, err := h.dh(h.ePriv, h.re)
		if err != nil {
			h.fail()
			return nil, err
		}
		if err := h.ss.mixKey(ee); err != nil {
			h.fail()
			return nil, err
		}
		zero(ee)
		encS, err := h.ss.encryptAndHash(h.sPub)
		if err != nil {
			h.fail()
			return nil, err
		}
		out = append(out, encS...)
		es, err := h.dh(h.sPriv, h.re)
		if err != nil {
			h.fail()
			return nil, err
		}
		if err := h.ss.mixKey(es); err != nil {
			h.fail()
			return nil, err
		}
		zero(es)
	case 2: // -> s, se
		encS, err := h.ss.encryptAndHash(h.sPub)
		if err != nil {
			h.fail()
			return nil, err
		}
		out = append(out, encS...)
		se, err := h.dh(h.sPriv, h.re)
		if err != nil {
			h.fail()
			return nil, err
		}
		if err := h.ss.mixKey(se); err != nil {
			h.fail()
			return nil, err
		}
		zero(se)
	}
	encPayload, err := h.ss.encryptAndHash(payload)
	if err != nil {
		h.fail()
		return nil, err
	}
	out = append(out, encPayload...)
	h.msgIndex++
	if h.msgIndex == 3 {
		h.completed = true
	}
	return out, nil
}

// ReadMessage consumes the next inbound handshake message and returns its
// payload. Corrupted ciphertext marks the handshake failed.
func (h *HandshakeState) ReadMessage(message []byte) ([]byte, error) {
	if h.failed {
		return nil, ErrHandshakeFailed
	}
	if h.completed || h.msgIndex > 2 || h.myTurnToWrite() {
		return nil, ErrUnexpectedHandshakeMessage
	}
	rest := message
	switch h.msgIndex {
	case 0: // -> e
		if len(rest) < dhLen {
			return nil, ErrShortHandshakeMessage
		}
		h.re = append([]byte(nil), rest[:dhLen]...)
		h.ss.mixHash(h.re)
		rest = rest[dhLen:]
	case 1: // <- e, ee, s, es
		if len(rest) < dhLen+dhLen+tagLen {
			return nil, ErrShortHandshakeMessage
		}
		h.re = append([]byte(nil), rest[:dhLen]...)
		h.ss.mixHash(h.re)
		rest = rest[dhLen:]
		ee, err := h.dh(h.ePriv, h.re)
		if err != nil {
			h.fail()
			return nil, err
		}
		if err := h.ss.mixKey(ee); err != nil {
			h.fail()
			return nil, err
		}
		zero(ee)
		rs, err := h.ss.decryptAndHash(rest[:dhLen+tagLen])
		if err != nil {
			h.fail()
			return nil, err
		}
		h.rs = append([]byte(nil), rs...)
		rest = rest[dhLen+tagLen:]
		es, err := h.dh(h.ePriv, h.rs)
		if err != nil {
			h.fail()
			return nil, err
		}
		if err := h.ss.mixKey(es); err != nil {
			h.fail()
			return nil, err
		}
		zero(es)
	case 2: // -> s, se
		if len(rest) < dhLen+tagLen {
			return nil, ErrShortHandshakeMessage
		}
		rs, err := h.ss.decryptAndHash(rest[:dhLen+tagLen])
		if err != nil {
			h.fail()
			return nil, err
		}
		h.rs = append([]byte(nil), rs...)
		rest = rest[dhLen+tagLen:]
		se, err := h.dh(h.ePriv, h.rs)
		if err != nil {
			h.fail()
			return nil, err
		}
		if err := h.ss.mixKey(se); err != nil {
			h.fail()
			return nil, err
		}
		zero(se)
	}
	payload, err := h.ss.decryptAndHash(rest)
	if err != nil {
		h.fail()
		return nil, err
	}
	h.msgIndex++
	if h.msgIndex == 3 {
		h.completed = true
	}
	return payload, nil
}

// Split returns the transport ciphers oriented for this role: send first,
// receive second. Only valid once the handshake completed.
func (h *HandshakeState) Split() (send, recv *CipherState, err error) {
	if h.failed {
		return nil, nil, ErrHandshakeFailed
	}
	if !h.completed {
		return nil, nil, ErrHandshakeNotComplete
	}
	c1, c2, err := h.ss.split()
	if err != nil {
		return nil, nil, err
	}
	zero(h.ePriv)
	if h.role == Initiator {
		return c1, c2, nil
	}
	return c2, c1, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
