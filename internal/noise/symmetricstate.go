package noise

import (
	"crypto/hmac"
	"crypto/sha256"
)

const hashLen = sha256.Size

// symmetricState carries the chaining key ck, the handshake hash h, and the
// handshake-phase cipher, per the Noise framework.
type symmetricState struct {
	cs *CipherState
	ck [hashLen]byte
	h  [hashLen]byte
}

func newSymmetricState(protocolName string) *symmetricState {
	s := &symmetricState{cs: NewCipherState()}
	name := []byte(protocolName)
	if len(name) <= hashLen {
		copy(s.h[:], name)
	} else {
		s.h = sha256.Sum256(name)
	}
	s.ck = s.h
	return s
}

func hmacHash(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// hkdf is the Noise framework derivation: tempKey = HMAC(ck, ikm), then
// out_i = HMAC(tempKey, out_{i-1} || i), for 2 or 3 outputs of 32 bytes.
func hkdf(chainingKey, ikm []byte, n int) [][]byte {
	tempKey := hmacHash(chainingKey, ikm)
	out := make([][]byte, 0, n)
	prev := []byte{}
	for i := 1; i <= n; i++ {
		buf := make([]byte, 0, len(prev)+1)
		buf = append(buf, prev...)
		buf = append(buf, byte(i))
		prev = hmacHash(tempKey, buf)
		out = append(out, prev)
	}
	return out
}

func (s *symmetricState) mixKey(ikm []byte) error {
	outs := hkdf(s.ck[:], ikm, 2)
	copy(s.ck[:], outs[0])
	return s.cs.InitializeKey(outs[1])
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.h[:])
	h.Write(data)
	h.Sum(s.h[:0])
}

func (s *symmetricState) mixKeyAndHash(ikm []byte) error {
	outs := hkdf(s.ck[:], ikm, 3)
	copy(s.ck[:], outs[0])
	s.mixHash(outs[1])
	return s.cs.InitializeKey(outs[2])
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.cs.HasKey() {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	ct, err := s.cs.Encrypt(s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.cs.HasKey() {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	pt, err := s.cs.Decrypt(s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

// split derives the two transport cipher states from the chaining key.
func (s *symmetricState) split() (*CipherState, *CipherState, error) {
	outs := hkdf(s.ck[:], nil, 2)
	c1 := NewCipherState()
	if err := c1.InitializeKey(outs[0]); err != nil {
		return nil, nil, err
	}
	c2 := NewCipherState()
	if err := c2.InitializeKey(outs[1]); err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}

func (s *symmetricState) handshakeHash() []byte {
	out := make([]byte, hashLen)
	copy(out, s.h[:])
	return out
}

func (s *symmetricState) zeroize() {
	for i := range s.ck {
		s.ck[i] = 0
	}
	s.cs.Zeroize()
}
