package noise

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genStatic(t *testing.T) ([]byte, []byte) {
	t.Helper()
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("scalar mult: %v", err)
	}
	return priv, pub
}

func runXX(t *testing.T) (*HandshakeState, *HandshakeState) {
	t.Helper()
	alicePriv, alicePub := genStatic(t)
	bobPriv, bobPub := genStatic(t)
	alice, err := NewHandshake(Initiator, alicePriv, alicePub)
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := NewHandshake(Responder, bobPriv, bobPub)
	if err != nil {
		t.Fatalf("bob: %v", err)
	}

	m1, err := alice.WriteMessage(nil)
	if err != nil {
		t.Fatalf("msg1 write: %v", err)
	}
	if _, err := bob.ReadMessage(m1); err != nil {
		t.Fatalf("msg1 read: %v", err)
	}
	m2, err := bob.WriteMessage(nil)
	if err != nil {
		t.Fatalf("msg2 write: %v", err)
	}
	if _, err := alice.ReadMessage(m2); err != nil {
		t.Fatalf("msg2 read: %v", err)
	}
	m3, err := alice.WriteMessage(nil)
	if err != nil {
		t.Fatalf("msg3 write: %v", err)
	}
	if _, err := bob.ReadMessage(m3); err != nil {
		t.Fatalf("msg3 read: %v", err)
	}
	if !alice.Completed() || !bob.Completed() {
		t.Fatalf("handshake not completed on both sides")
	}
	return alice, bob
}

func TestHandshakeAndEcho(t *testing.T) {
	alice, bob := runXX(t)
	aliceSend, aliceRecv, err := alice.Split()
	if err != nil {
		t.Fatalf("alice split: %v", err)
	}
	bobSend, bobRecv, err := bob.Split()
	if err != nil {
		t.Fatalf("bob split: %v", err)
	}

	ct, err := aliceSend.Encrypt(nil, []byte("Hello, Bob!"))
	if err != nil {
		t.Fatalf("alice encrypt: %v", err)
	}
	pt, err := bobRecv.Decrypt(nil, ct)
	if err != nil {
		t.Fatalf("bob decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("Hello, Bob!")) {
		t.Fatalf("bob decrypted %q", pt)
	}

	ct, err = bobSend.Encrypt(nil, []byte("Hello, Alice!"))
	if err != nil {
		t.Fatalf("bob encrypt: %v", err)
	}
	pt, err = aliceRecv.Decrypt(nil, ct)
	if err != nil {
		t.Fatalf("alice decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("Hello, Alice!")) {
		t.Fatalf("alice decrypted %q", pt)
	}

	if aliceSend.Nonce() != 1 || bobRecv.Nonce() != 1 {
		t.Fatalf("nonces: alice send %d, bob recv %d, want 1/1", aliceSend.Nonce(), bobRecv.Nonce())
	}
	if !bytes.Equal(alice.ChannelBinding(), bob.ChannelBinding()) {
		t.Fatalf("handshake hash mismatch")
	}
}

func TestHandshakeExchangesStatics(t *testing.T) {
	alicePriv, alicePub := genStatic(t)
	bobPriv, bobPub := genStatic(t)
	alice, _ := NewHandshake(Initiator, alicePriv, alicePub)
	bob, _ := NewHandshake(Responder, bobPriv, bobPub)

	m1, _ := alice.WriteMessage(nil)
	if _, err := bob.ReadMessage(m1); err != nil {
		t.Fatalf("msg1: %v", err)
	}
	m2, _ := bob.WriteMessage(nil)
	if _, err := alice.ReadMessage(m2); err != nil {
		t.Fatalf("msg2: %v", err)
	}
	if !bytes.Equal(alice.RemoteStatic(), bobPub) {
		t.Fatalf("alice learned wrong static")
	}
	m3, _ := alice.WriteMessage(nil)
	if _, err := bob.ReadMessage(m3); err != nil {
		t.Fatalf("msg3: %v", err)
	}
	if !bytes.Equal(bob.RemoteStatic(), alicePub) {
		t.Fatalf("bob learned wrong static")
	}
}

func TestHandshakePayloads(t *testing.T) {
	alicePriv, alicePub := genStatic(t)
	bobPriv, bobPub := genStatic(t)
	alice, _ := NewHandshake(Initiator, alicePriv, alicePub)
	bob, _ := NewHandshake(Responder, bobPriv, bobPub)

	m1, _ := alice.WriteMessage([]byte("alice"))
	p1, err := bob.ReadMessage(m1)
	if err != nil || !bytes.Equal(p1, []byte("alice")) {
		t.Fatalf("payload1 %q err %v", p1, err)
	}
	m2, _ := bob.WriteMessage([]byte("bob"))
	p2, err := alice.ReadMessage(m2)
	if err != nil || !bytes.Equal(p2, []byte("bob")) {
		t.Fatalf("payload2 %q err %v", p2, err)
	}
	m3, _ := alice.WriteMessage([]byte("again"))
	p3, err := bob.ReadMessage(m3)
	if err != nil || !bytes.Equal(p3, []byte("again")) {
		t.Fatalf("payload3 %q err %v", p3, err)
	}
}

func TestHandshakeOutOfTurn(t *testing.T) {
	alicePriv, alicePub := genStatic(t)
	alice, _ := NewHandshake(Initiator, alicePriv, alicePub)
	if _, err := alice.ReadMessage([]byte("x")); err != ErrUnexpectedHandshakeMessage {
		t.Fatalf("initiator read first: want ErrUnexpectedHandshakeMessage, got %v", err)
	}
	if _, err := alice.WriteMessage(nil); err != nil {
		t.Fatalf("msg1: %v", err)
	}
	if _, err := alice.WriteMessage(nil); err != ErrUnexpectedHandshakeMessage {
		t.Fatalf("double write: want ErrUnexpectedHandshakeMessage, got %v", err)
	}

	bobPriv, bobPub := genStatic(t)
	bob, _ := NewHandshake(Responder, bobPriv, bobPub)
	if _, err := bob.WriteMessage(nil); err != ErrUnexpectedHandshakeMessage {
		t.Fatalf("responder write first: want ErrUnexpectedHandshakeMessage, got %v", err)
	}
}

func TestHandshakeCompletedRejectsMore(t *testing.T) {
	alice, bob := runXX(t)
	if _, err := alice.WriteMessage(nil); err != ErrUnexpectedHandshakeMessage {
		t.Fatalf("write after completion: %v", err)
	}
	if _, err := bob.ReadMessage([]byte("x")); err != ErrUnexpectedHandshakeMessage {
		t.Fatalf("read after completion: %v", err)
	}
}

func TestHandshakeCorruptMessage2(t *testing.T) {
	alicePriv, alicePub := genStatic(t)
	bobPriv, bobPub := genStatic(t)
	alice, _ := NewHandshake(Initiator, alicePriv, alicePub)
	bob, _ := NewHandshake(Responder, bobPriv, bobPub)

	m1, _ := alice.WriteMessage(nil)
	if _, err := bob.ReadMessage(m1); err != nil {
		t.Fatalf("msg1: %v", err)
	}
	m2, _ := bob.WriteMessage(nil)
	m2[40] ^= 0xFF // inside the encrypted static
	if _, err := alice.ReadMessage(m2); err != ErrDecryptFailed {
		t.Fatalf("corrupt msg2: want ErrDecryptFailed, got %v", err)
	}
	if !alice.Failed() {
		t.Fatalf("handshake not marked failed")
	}
	if _, err := alice.WriteMessage(nil); err != ErrHandshakeFailed {
		t.Fatalf("write after failure: %v", err)
	}
	if _, _, err := alice.Split(); err != ErrHandshakeFailed {
		t.Fatalf("split after failure: %v", err)
	}
}

func TestCipherNonceMonotonic(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	c := NewCipherState()
	if err := c.InitializeKey(key); err != nil {
		t.Fatalf("init: %v", err)
	}
	if c.Nonce() != 0 {
		t.Fatalf("counter %d after install, want 0", c.Nonce())
	}
	for i := uint64(0); i < 5; i++ {
		if c.Nonce() != i {
			t.Fatalf("counter %d, want %d", c.Nonce(), i)
		}
		if _, err := c.Encrypt(nil, []byte("m")); err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
	}
	if err := c.InitializeKey(key); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if c.Nonce() != 0 {
		t.Fatalf("counter did not reset on key install")
	}
}

func TestCipherDecryptFailureKeepsCounter(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	enc := NewCipherState()
	dec := NewCipherState()
	if err := enc.InitializeKey(key); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := dec.InitializeKey(key); err != nil {
		t.Fatalf("init: %v", err)
	}
	ct, err := enc.Encrypt([]byte("ad"), []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	bad := append([]byte(nil), ct...)
	bad[0] ^= 0x01
	if _, err := dec.Decrypt([]byte("ad"), bad); err != ErrDecryptFailed {
		t.Fatalf("want ErrDecryptFailed, got %v", err)
	}
	if dec.Nonce() != 0 {
		t.Fatalf("counter advanced on failed decrypt")
	}
	pt, err := dec.Decrypt([]byte("ad"), ct)
	if err != nil {
		t.Fatalf("decrypt after failure: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("payload mismatch")
	}
	if dec.Nonce() != 1 {
		t.Fatalf("counter %d after success, want 1", dec.Nonce())
	}
}

func TestCipherTamperEveryByte(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 32)
	enc := NewCipherState()
	if err := enc.InitializeKey(key); err != nil {
		t.Fatalf("init: %v", err)
	}
	ct, err := enc.Encrypt(nil, []byte("short message"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for i := range ct {
		dec := NewCipherState()
		if err := dec.InitializeKey(key); err != nil {
			t.Fatalf("init: %v", err)
		}
		bad := append([]byte(nil), ct...)
		bad[i] ^= 0xFF
		if _, err := dec.Decrypt(nil, bad); err != ErrDecryptFailed {
			t.Fatalf("byte %d: tamper accepted (%v)", i, err)
		}
	}
}

func TestHKDFOutputsDistinct(t *testing.T) {
	ck := bytes.Repeat([]byte{0x44}, 32)
	outs := hkdf(ck, []byte("ikm"), 3)
	if len(outs) != 3 {
		t.Fatalf("want 3 outputs")
	}
	for i := range outs {
		if len(outs[i]) != 32 {
			t.Fatalf("output %d size %d", i, len(outs[i]))
		}
		for j := i + 1; j < len(outs); j++ {
			if bytes.Equal(outs[i], outs[j]) {
				t.Fatalf("outputs %d and %d equal", i, j)
			}
		}
	}
	again := hkdf(ck, []byte("ikm"), 3)
	for i := range outs {
		if !bytes.Equal(outs[i], again[i]) {
			t.Fatalf("hkdf not deterministic")
		}
	}
}
