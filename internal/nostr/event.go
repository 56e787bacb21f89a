package nostr

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Event kinds used by the overlay.
const (
	KindSeal     = 13
	KindRumor    = 14
	KindGiftWrap = 1059
)

var (
	ErrBadEvent     = errors.New("malformed event")
	ErrBadSignature = errors.New("bad event signature")
)

// Event is the relay wire object. Signatures are Ed25519 over the NIP-01
// event id; the curve mapping is implementation-defined but deterministic
// (see DESIGN.md).
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// serialize produces the canonical [0, pubkey, created_at, kind, tags,
// content] form the event id hashes.
func (e *Event) serialize() ([]byte, error) {
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	return json.Marshal([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content})
}

func (e *Event) ComputeID() (string, error) {
	ser, err := e.serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

func (e *Event) Sign(priv ed25519.PrivateKey) error {
	e.PubKey = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id
	raw, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(ed25519.Sign(priv, raw))
	return nil
}

func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return ErrBadEvent
	}
	if id != e.ID {
		return ErrBadEvent
	}
	pub, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadEvent
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadEvent
	}
	raw, err := hex.DecodeString(e.ID)
	if err != nil {
		return ErrBadEvent
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), raw, sig) {
		return ErrBadSignature
	}
	return nil
}

// TagValue returns the first value of the named tag.
func (e *Event) TagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// Filter is the REQ subscription filter subset the overlay uses.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

func (f Filter) Matches(e *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, e.PubKey) {
		return false
	}
	if len(f.PTags) > 0 {
		v, ok := e.TagValue("p")
		if !ok || !containsStr(f.PTags, v) {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	return true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func nowUnix() int64 { return time.Now().Unix() }
