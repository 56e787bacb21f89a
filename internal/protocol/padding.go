package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

var blockSizes = []int{256, 512, 1024, 2048}

var ErrBadPadding = errors.New("malformed padded payload")

// PaddedSize returns the bucket a payload of n bytes lands in once the
// 2-byte length prefix is accounted for: the smallest standard block that
// holds it, or the next 256-byte multiple above the largest block.
func PaddedSize(n int) int {
	need := n + 2
	for _, b := range blockSizes {
		if need <= b {
			return b
		}
	}
	const step = 256
	return (need + step - 1) / step * step
}

// Pad prefixes the payload with its big-endian true length and fills up to
// the bucket size with random bytes, so ciphertext sizes collapse into a
// small set of buckets.
func Pad(payload []byte) ([]byte, error) {
	if len(payload) > MessageMaxSize {
		return nil, ErrOversizedPayload
	}
	target := PaddedSize(len(payload))
	out := make([]byte, target)
	binary.BigEndian.PutUint16(out[:2], uint16(len(payload)))
	copy(out[2:], payload)
	if _, err := rand.Read(out[2+len(payload):]); err != nil {
		return nil, err
	}
	return out, nil
}

func Unpad(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, ErrBadPadding
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if n > len(b)-2 {
		return nil, ErrBadPadding
	}
	out := make([]byte, n)
	copy(out, b[2:2+n])
	return out, nil
}
