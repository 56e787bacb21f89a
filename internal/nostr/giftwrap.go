package nostr

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"bitmesh/internal/identity"
)

var ErrNotForUs = errors.New("gift wrap not addressed to this key")

// Gift-wrapped DMs: the rumor (kind 14) carries the payload; the seal
// (kind 13) is signed by the sender and encrypted to the recipient; the
// outer wrap (kind 1059) is signed by a fresh ephemeral key per message so
// relays learn neither sender nor content. Wrap encryption is
// ChaCha20-Poly1305 with a random 12-byte nonce (carried in the "nonce" tag)
// under an X25519 shared secret, with the ephemeral public key carried in
// the "eph" tag.
func GiftWrap(payload []byte, sender *identity.NostrKeys, recipientSignPub string, recipientDHPub [32]byte) (*Event, error) {
	rumor := &Event{
		PubKey:    sender.PublicKeyHex(),
		CreatedAt: nowUnix(),
		Kind:      KindRumor,
		Tags:      [][]string{{"p", recipientSignPub}},
		Content:   base64.StdEncoding.EncodeToString(payload),
	}
	id, err := rumor.ComputeID()
	if err != nil {
		return nil, err
	}
	rumor.ID = id

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, err
	}
	seal := &Event{
		CreatedAt: nowUnix(),
		Kind:      KindSeal,
		Tags:      [][]string{},
		Content:   base64.StdEncoding.EncodeToString(rumorJSON),
	}
	if err := seal.Sign(sender.SignPriv); err != nil {
		return nil, err
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, err
	}

	// Fresh ephemeral keys per message for the outer event.
	var ephDH [32]byte
	if _, err := rand.Read(ephDH[:]); err != nil {
		return nil, err
	}
	ephDHPub, err := curve25519.X25519(ephDH[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephDH[:], recipientDHPub[:])
	if err != nil {
		return nil, err
	}
	key := sha256.Sum256(shared)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, sealJSON, nil)

	_, ephSignPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	wrap := &Event{
		CreatedAt: nowUnix(),
		Kind:      KindGiftWrap,
		Tags: [][]string{
			{"p", recipientSignPub},
			{"eph", hex.EncodeToString(ephDHPub)},
			{"nonce", hex.EncodeToString(nonce)},
		},
		Content: base64.StdEncoding.EncodeToString(ct),
	}
	if err := wrap.Sign(ephSignPriv); err != nil {
		return nil, err
	}
	for i := range ephDH {
		ephDH[i] = 0
	}
	return wrap, nil
}

// GiftUnwrap opens a wrap addressed to us and returns the payload and the
// sender's Nostr public key (from the verified seal).
func GiftUnwrap(wrap *Event, recipient *identity.NostrKeys) (payload []byte, senderPub string, err error) {
	if wrap.Kind != KindGiftWrap {
		return nil, "", ErrBadEvent
	}
	if p, ok := wrap.TagValue("p"); !ok || p != recipient.PublicKeyHex() {
		return nil, "", ErrNotForUs
	}
	ephHex, ok := wrap.TagValue("eph")
	if !ok {
		return nil, "", ErrBadEvent
	}
	nonceHex, ok := wrap.TagValue("nonce")
	if !ok {
		return nil, "", ErrBadEvent
	}
	ephPub, err := hex.DecodeString(ephHex)
	if err != nil || len(ephPub) != 32 {
		return nil, "", ErrBadEvent
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != chacha20poly1305.NonceSize {
		return nil, "", ErrBadEvent
	}
	ct, err := base64.StdEncoding.DecodeString(wrap.Content)
	if err != nil {
		return nil, "", ErrBadEvent
	}
	dhPriv, err := recipient.DHPriv.Bytes()
	if err != nil {
		return nil, "", err
	}
	shared, err := curve25519.X25519(dhPriv, ephPub)
	if err != nil {
		return nil, "", err
	}
	key := sha256.Sum256(shared)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, "", err
	}
	sealJSON, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, "", ErrBadSignature
	}

	var seal Event
	if err := json.Unmarshal(sealJSON, &seal); err != nil {
		return nil, "", ErrBadEvent
	}
	if seal.Kind != KindSeal {
		return nil, "", ErrBadEvent
	}
	if err := seal.Verify(); err != nil {
		return nil, "", err
	}
	rumorJSON, err := base64.StdEncoding.DecodeString(seal.Content)
	if err != nil {
		return nil, "", ErrBadEvent
	}
	var rumor Event
	if err := json.Unmarshal(rumorJSON, &rumor); err != nil {
		return nil, "", ErrBadEvent
	}
	if rumor.Kind != KindRumor || rumor.PubKey != seal.PubKey {
		return nil, "", ErrBadEvent
	}
	payload, err = base64.StdEncoding.DecodeString(rumor.Content)
	if err != nil {
		return nil, "", ErrBadEvent
	}
	return payload, seal.PubKey, nil
}
