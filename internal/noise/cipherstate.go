package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrDecryptFailed  = errors.New("aead authentication failed")
	ErrNoKey          = errors.New("cipher state has no key")
	ErrNonceExhausted = errors.New("nonce counter exhausted")
	ErrBadKeyMaterial = errors.New("bad key material")
)

// CipherState is one direction of a transport channel: a ChaCha20-Poly1305
// key and a counter that becomes the 96-bit nonce (32 zero bits, then the
// counter little-endian). The counter resets to 0 on key install and only
// advances on successful encryption or decryption.
type CipherState struct {
	aead    cipher.AEAD
	key     []byte
	counter uint64
}

func NewCipherState() *CipherState {
	return &CipherState{}
}

func (c *CipherState) InitializeKey(key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return ErrBadKeyMaterial
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}
	c.zeroKey()
	c.key = append([]byte(nil), key...)
	c.aead = aead
	c.counter = 0
	return nil
}

func (c *CipherState) HasKey() bool {
	return c.aead != nil
}

func (c *CipherState) Nonce() uint64 {
	return c.counter
}

func (c *CipherState) nonceBytes() [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], c.counter)
	return n
}

func (c *CipherState) Encrypt(ad, plaintext []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrNoKey
	}
	if c.counter == ^uint64(0) {
		return nil, ErrNonceExhausted
	}
	nonce := c.nonceBytes()
	ct := c.aead.Seal(nil, nonce[:], plaintext, ad)
	c.counter++
	return ct, nil
}

// Decrypt authenticates and opens a ciphertext. The counter is left
// unchanged on authentication failure.
func (c *CipherState) Decrypt(ad, ciphertext []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrNoKey
	}
	if c.counter == ^uint64(0) {
		return nil, ErrNonceExhausted
	}
	nonce := c.nonceBytes()
	pt, err := c.aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	c.counter++
	return pt, nil
}

func (c *CipherState) zeroKey() {
	for i := range c.key {
		c.key[i] = 0
	}
}

// Zeroize wipes the key. The state is unusable afterwards.
func (c *CipherState) Zeroize() {
	c.zeroKey()
	c.key = nil
	c.aead = nil
	c.counter = 0
}
