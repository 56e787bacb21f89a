package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"

	"bitmesh/internal/store"
)

const storeKey = "identity/v1"

type identityBlob struct {
	NoisePriv string `json:"noise_priv"`
	SignPriv  string `json:"sign_priv"`
	Nickname  string `json:"nickname"`
}

// LoadOrCreate returns the persisted identity, creating and persisting a
// fresh one on first launch.
func LoadOrCreate(kv store.KV, nickname string) (*Identity, error) {
	data, err := kv.Get(storeKey)
	if errors.Is(err, store.ErrNotFound) {
		id, err := Generate(nickname)
		if err != nil {
			return nil, err
		}
		if err := Save(kv, id); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}
	var blob identityBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, ErrCorruptIdentity
	}
	noisePriv, err := hex.DecodeString(blob.NoisePriv)
	if err != nil {
		return nil, ErrCorruptIdentity
	}
	signPriv, err := hex.DecodeString(blob.SignPriv)
	if err != nil {
		return nil, ErrCorruptIdentity
	}
	return FromKeys(noisePriv, ed25519.PrivateKey(signPriv), blob.Nickname)
}

func Save(kv store.KV, id *Identity) error {
	noisePriv, err := id.noisePriv.Bytes()
	if err != nil {
		return err
	}
	signPriv, err := id.signPriv.Bytes()
	if err != nil {
		return err
	}
	data, err := json.Marshal(identityBlob{
		NoisePriv: hex.EncodeToString(noisePriv),
		SignPriv:  hex.EncodeToString(signPriv),
		Nickname:  id.Nickname,
	})
	if err != nil {
		return err
	}
	return kv.Put(storeKey, data)
}
