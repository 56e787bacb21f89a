package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/curve25519"

	"bitmesh/internal/protocol"
)

const nostrDerivationLabel = "nostr-key-derivation"

var ErrCorruptIdentity = errors.New("corrupt identity material")

// Secret is a zeroizing container for long-lived private key material.
type Secret struct {
	b         []byte
	destroyed bool
}

func NewSecret(b []byte) *Secret {
	c := make([]byte, len(b))
	copy(c, b)
	return &Secret{b: c}
}

func (s *Secret) Bytes() ([]byte, error) {
	if s == nil || s.destroyed {
		return nil, errors.New("secret destroyed")
	}
	return s.b, nil
}

func (s *Secret) Destroy() {
	if s == nil || s.destroyed {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.destroyed = true
}

func (s *Secret) String() string   { return "Secret{REDACTED}" }
func (s *Secret) GoString() string { return "identity.Secret{REDACTED}" }

// NostrKeys is the relay-overlay identity derived from the static Noise key:
// an Ed25519 event-signing key plus an X25519 key for wrap encryption, both
// from the same deterministic seed.
type NostrKeys struct {
	SignPriv ed25519.PrivateKey
	SignPub  ed25519.PublicKey
	DHPriv   *Secret
	DHPub    [32]byte
}

// PublicKeyHex is the identity relays and p-tags refer to.
func (n *NostrKeys) PublicKeyHex() string {
	return hex.EncodeToString(n.SignPub)
}

// Identity bundles the static Curve25519 DH pair, the Ed25519 packet-signing
// pair, the derived Nostr keys, and the nickname.
type Identity struct {
	noisePriv *Secret
	NoisePub  [32]byte

	signPriv *Secret
	SignPub  ed25519.PublicKey

	Nostr NostrKeys

	Nickname string
}

func Generate(nickname string) (*Identity, error) {
	var noisePriv [32]byte
	if _, err := rand.Read(noisePriv[:]); err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return build(noisePriv[:], signPriv, signPub, nickname)
}

// FromKeys rebuilds an identity from stored private keys.
func FromKeys(noisePriv []byte, signPriv ed25519.PrivateKey, nickname string) (*Identity, error) {
	if len(noisePriv) != 32 || len(signPriv) != ed25519.PrivateKeySize {
		return nil, ErrCorruptIdentity
	}
	pub, ok := signPriv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrCorruptIdentity
	}
	return build(noisePriv, signPriv, pub, nickname)
}

func build(noisePriv []byte, signPriv ed25519.PrivateKey, signPub ed25519.PublicKey, nickname string) (*Identity, error) {
	noisePub, err := curve25519.X25519(noisePriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		noisePriv: NewSecret(noisePriv),
		signPriv:  NewSecret(signPriv),
		SignPub:   append(ed25519.PublicKey(nil), signPub...),
		Nickname:  nickname,
	}
	copy(id.NoisePub[:], noisePub)
	id.Nostr, err = DeriveNostrKeys(noisePriv)
	if err != nil {
		return nil, err
	}
	return id, nil
}

// DeriveNostrKeys derives the relay identity deterministically from the
// static private key: seed = SHA-256(static_private || label). The same
// static key always yields the same Nostr identity.
func DeriveNostrKeys(noisePriv []byte) (NostrKeys, error) {
	if len(noisePriv) != 32 {
		return NostrKeys{}, ErrCorruptIdentity
	}
	h := sha256.New()
	h.Write(noisePriv)
	h.Write([]byte(nostrDerivationLabel))
	seed := h.Sum(nil)

	signPriv := ed25519.NewKeyFromSeed(seed)
	dhSeed := sha256.Sum256(append(seed, 'x'))
	dhPub, err := curve25519.X25519(dhSeed[:], curve25519.Basepoint)
	if err != nil {
		return NostrKeys{}, err
	}
	keys := NostrKeys{
		SignPriv: signPriv,
		SignPub:  signPriv.Public().(ed25519.PublicKey),
		DHPriv:   NewSecret(dhSeed[:]),
	}
	copy(keys.DHPub[:], dhPub)
	return keys, nil
}

func (id *Identity) NoisePrivate() ([]byte, error) {
	return id.noisePriv.Bytes()
}

func (id *Identity) Sign(msg []byte) ([]byte, error) {
	priv, err := id.signPriv.Bytes()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Fingerprint renders SHA-256 of a static public key as uppercase hex bytes
// joined by ":".
func Fingerprint(staticPub []byte) string {
	sum := sha256.Sum256(staticPub)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}

// ShortID is the 8-byte wire identifier: the leading bytes of the
// fingerprint hash.
func ShortID(staticPub []byte) protocol.PeerID {
	sum := sha256.Sum256(staticPub)
	var id protocol.PeerID
	copy(id[:], sum[:protocol.SenderIDSize])
	return id
}

func (id *Identity) ShortID() protocol.PeerID {
	return ShortID(id.NoisePub[:])
}

func (id *Identity) Fingerprint() string {
	return Fingerprint(id.NoisePub[:])
}

// Destroy zeroizes all private key material.
func (id *Identity) Destroy() {
	id.noisePriv.Destroy()
	id.signPriv.Destroy()
	id.Nostr.DHPriv.Destroy()
	for i := range id.Nostr.SignPriv {
		id.Nostr.SignPriv[i] = 0
	}
}
