package session

import (
	"bytes"
	"testing"
	"time"

	"bitmesh/internal/identity"
	"bitmesh/internal/noise"
	"bitmesh/internal/protocol"
)

func newPair(t *testing.T) (*Manager, *Manager, string, string) {
	t.Helper()
	alice, err := identity.Generate("alice")
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	bob, err := identity.Generate("bob")
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	am := NewManager(alice, Options{})
	bm := NewManager(bob, Options{})
	aliceID := peerHex(alice.ShortID())
	bobID := peerHex(bob.ShortID())
	return am, bm, aliceID, bobID
}

func peerHex(id protocol.PeerID) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 16)
	for _, b := range id {
		out = append(out, digits[b>>4], digits[b&0xF])
	}
	return string(out)
}

// pump relays handshake messages between the two managers until both sides
// hold a session or the event streams dry up.
func pump(t *testing.T, am, bm *Manager, aliceID, bobID string) {
	t.Helper()
	for i := 0; i < 16; i++ {
		progressed := false
		for {
			var done bool
			select {
			case ev := <-am.Events():
				if hm, ok := ev.(HandshakeMessage); ok {
					if err := bm.OnInbound(aliceID, hm.Type, hm.Data); err != nil {
						t.Fatalf("bob inbound: %v", err)
					}
					progressed = true
				}
			default:
				done = true
			}
			if done {
				break
			}
		}
		for {
			var done bool
			select {
			case ev := <-bm.Events():
				if hm, ok := ev.(HandshakeMessage); ok {
					if err := am.OnInbound(bobID, hm.Type, hm.Data); err != nil {
						t.Fatalf("alice inbound: %v", err)
					}
					progressed = true
				}
			default:
				done = true
			}
			if done {
				break
			}
		}
		if am.Has(bobID) && bm.Has(aliceID) {
			return
		}
		if !progressed {
			break
		}
	}
	t.Fatalf("handshake did not converge: alice=%v bob=%v", am.Has(bobID), bm.Has(aliceID))
}

func TestManagerHandshakeAndEcho(t *testing.T) {
	am, bm, aliceID, bobID := newPair(t)
	if err := am.Initiate(bobID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	pump(t, am, bm, aliceID, bobID)

	ct, err := am.Encrypt(bobID, []byte("Hello, Bob!"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := bm.Decrypt(aliceID, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("Hello, Bob!")) {
		t.Fatalf("payload mismatch: %q", pt)
	}

	ct, err = bm.Encrypt(aliceID, []byte("Hello, Alice!"))
	if err != nil {
		t.Fatalf("reply encrypt: %v", err)
	}
	pt, err = am.Decrypt(bobID, ct)
	if err != nil {
		t.Fatalf("reply decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("Hello, Alice!")) {
		t.Fatalf("reply mismatch: %q", pt)
	}

	as, _ := am.Get(bobID)
	bs, _ := bm.Get(aliceID)
	if !bytes.Equal(as.HandshakeHash, bs.HandshakeHash) {
		t.Fatalf("channel binding differs")
	}
	if as.Role != noise.Initiator || bs.Role != noise.Responder {
		t.Fatalf("roles wrong: %v / %v", as.Role, bs.Role)
	}
}

func TestManagerDoubleInitiate(t *testing.T) {
	am, _, _, bobID := newPair(t)
	if err := am.Initiate(bobID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := am.Initiate(bobID); err != ErrHandshakeInProgress {
		t.Fatalf("want ErrHandshakeInProgress, got %v", err)
	}
}

func TestManagerEncryptWithoutSession(t *testing.T) {
	am, _, _, bobID := newPair(t)
	if _, err := am.Encrypt(bobID, []byte("x")); err != ErrNoSession {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
	if _, err := am.Decrypt(bobID, []byte("x")); err != ErrNoSession {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
}

func TestManagerDecryptFailureClosesSession(t *testing.T) {
	am, bm, aliceID, bobID := newPair(t)
	if err := am.Initiate(bobID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	pump(t, am, bm, aliceID, bobID)

	ct, err := am.Encrypt(bobID, []byte("x"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[0] ^= 0xFF
	if _, err := bm.Decrypt(aliceID, ct); err != noise.ErrDecryptFailed {
		t.Fatalf("want ErrDecryptFailed, got %v", err)
	}
	if bm.Has(aliceID) {
		t.Fatalf("session survived decrypt failure")
	}
	sawClosed := false
	for {
		var done bool
		select {
		case ev := <-bm.Events():
			if _, ok := ev.(SessionClosed); ok {
				sawClosed = true
			}
		default:
			done = true
		}
		if done {
			break
		}
	}
	if !sawClosed {
		t.Fatalf("no SessionClosed event")
	}
}

func TestManagerHandshakeTimeout(t *testing.T) {
	am, _, _, bobID := newPair(t)
	base := time.Unix(1000, 0)
	am.now = func() time.Time { return base }
	if err := am.Initiate(bobID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	am.now = func() time.Time { return base.Add(31 * time.Second) }
	am.Sweep()

	sawFailed := false
	for {
		var done bool
		select {
		case ev := <-am.Events():
			if hf, ok := ev.(HandshakeFailed); ok {
				if hf.Reason != ReasonTimeout {
					t.Fatalf("reason %v, want timeout", hf.Reason)
				}
				sawFailed = true
			}
		default:
			done = true
		}
		if done {
			break
		}
	}
	if !sawFailed {
		t.Fatalf("no HandshakeFailed event after deadline")
	}
	// A fresh initiate is allowed after the timeout cleared the pending state.
	if err := am.Initiate(bobID); err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
}

func TestManagerIdleSweep(t *testing.T) {
	am, bm, aliceID, bobID := newPair(t)
	base := time.Unix(2000, 0)
	am.now = func() time.Time { return base }
	bm.now = func() time.Time { return base }
	if err := am.Initiate(bobID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	pump(t, am, bm, aliceID, bobID)

	am.now = func() time.Time { return base.Add(61 * time.Minute) }
	am.Sweep()
	if am.Has(bobID) {
		t.Fatalf("idle session survived sweep")
	}
}

func TestManagerFindByFingerprint(t *testing.T) {
	am, bm, aliceID, bobID := newPair(t)
	if err := am.Initiate(bobID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	pump(t, am, bm, aliceID, bobID)
	s, _ := am.Get(bobID)
	peer, ok := am.FindByFingerprint(s.Fingerprint())
	if !ok || peer != bobID {
		t.Fatalf("fingerprint lookup: ok=%v peer=%q", ok, peer)
	}
}

func TestManagerResponderRejectsNonInitFirst(t *testing.T) {
	_, bm, aliceID, _ := newPair(t)
	err := bm.OnInbound(aliceID, protocol.TypeNoiseHandshakeResp, []byte("junk"))
	if err != ErrUnknownHandshake {
		t.Fatalf("want ErrUnknownHandshake, got %v", err)
	}
}
