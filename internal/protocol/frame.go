package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Stream transports (the QUIC dev link) carry encoded packets behind a
// 4-byte big-endian length prefix. Datagram-ish transports (BLE writes,
// Nostr events) carry the encoded packet bare.
const MaxFrameSize = 1 << 17

var ErrInvalidFrame = errors.New("invalid frame size")

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrInvalidFrame
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrInvalidFrame
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, ErrInvalidFrame
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("short write")
		}
		total += n
	}
	return nil
}
