package core

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"bitmesh/internal/protocol"
	"bitmesh/internal/store"
)

const favoritePrefix = "favorites/"

// Favorite is one pinned peer: favorites gate the Nostr fallback, so the
// record carries the derived relay identity alongside the Noise key.
type Favorite struct {
	Nickname     string    `json:"nickname"`
	NoisePub     []byte    `json:"noise_pk"`
	NostrSignPub string    `json:"nostr_pk,omitempty"`
	NostrDHPub   []byte    `json:"nostr_dh_pk,omitempty"`
	AddedAt      time.Time `json:"added_at"`
	// TheyFavorited flips on an inbound FAVORITED notification; the Nostr
	// path requires the relationship to be mutual.
	TheyFavorited bool `json:"they_favorited"`
}

// favorites is the persisted favorites map, loaded through the key-value
// contract at start.
type favorites struct {
	mu sync.Mutex
	kv store.KV
	m  map[protocol.PeerID]*Favorite
}

func loadFavorites(kv store.KV) (*favorites, error) {
	f := &favorites{kv: kv, m: make(map[protocol.PeerID]*Favorite)}
	keys, err := kv.Scan(favoritePrefix)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		raw, err := kv.Get(key)
		if err != nil {
			continue
		}
		idHex := key[len(favoritePrefix):]
		idBytes, err := hex.DecodeString(idHex)
		if err != nil || len(idBytes) != protocol.SenderIDSize {
			continue
		}
		var fav Favorite
		if json.Unmarshal(raw, &fav) != nil {
			continue
		}
		var id protocol.PeerID
		copy(id[:], idBytes)
		f.m[id] = &fav
	}
	return f, nil
}

func (f *favorites) key(id protocol.PeerID) string {
	return favoritePrefix + hex.EncodeToString(id[:])
}

func (f *favorites) persistLocked(id protocol.PeerID) error {
	fav, ok := f.m[id]
	if !ok {
		return f.kv.Delete(f.key(id))
	}
	raw, err := json.Marshal(fav)
	if err != nil {
		return err
	}
	return f.kv.Put(f.key(id), raw)
}

func (f *favorites) Add(id protocol.PeerID, fav Favorite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.m[id]; ok {
		fav.TheyFavorited = existing.TheyFavorited
		fav.AddedAt = existing.AddedAt
	} else if fav.AddedAt.IsZero() {
		fav.AddedAt = time.Now()
	}
	f.m[id] = &fav
	return f.persistLocked(id)
}

func (f *favorites) Remove(id protocol.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, id)
	return f.persistLocked(id)
}

func (f *favorites) Get(id protocol.PeerID) (Favorite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fav, ok := f.m[id]
	if !ok {
		return Favorite{}, false
	}
	return *fav, true
}

func (f *favorites) List() map[protocol.PeerID]Favorite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[protocol.PeerID]Favorite, len(f.m))
	for id, fav := range f.m {
		out[id] = *fav
	}
	return out
}

// SetTheirSide records the peer's FAVORITED / UNFAVORITED notification.
// The flag survives even if we have not favorited them yet, pinned under a
// placeholder record.
func (f *favorites) SetTheirSide(id protocol.PeerID, favorited bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fav, ok := f.m[id]
	if !ok {
		if !favorited {
			return nil
		}
		fav = &Favorite{AddedAt: time.Now()}
		f.m[id] = fav
	}
	fav.TheyFavorited = favorited
	return f.persistLocked(id)
}

// IsMutual reports both directions of the favorite relationship.
func (f *favorites) IsMutual(id protocol.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fav, ok := f.m[id]
	return ok && fav.TheyFavorited && len(fav.NoisePub) > 0
}

// NostrIdentity satisfies the multiplexer's Favorites interface.
func (f *favorites) NostrIdentity(id protocol.PeerID) (string, [32]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fav, ok := f.m[id]
	if !ok || fav.NostrSignPub == "" || len(fav.NostrDHPub) != 32 {
		return "", [32]byte{}, false
	}
	var dh [32]byte
	copy(dh[:], fav.NostrDHPub)
	return fav.NostrSignPub, dh, true
}
