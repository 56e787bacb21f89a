package protocol

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	// message id(8) + index(2) + total(2)
	fragmentHeaderSize = 12

	FragmentChunkSize = BLEMTU - fragmentHeaderSize

	DefaultReassemblyWindow = 30 * time.Second
)

var (
	ErrBadFragment       = errors.New("malformed fragment payload")
	ErrReassemblyTimeout = errors.New("reassembly timed out")
)

type FragmentID [8]byte

// Fragment splits a packet whose encoded form exceeds the BLE MTU into
// FRAGMENT_START / FRAGMENT_CONTINUE / FRAGMENT_END packets carrying
// [message id | index | total | chunk] payloads. A packet that fits is
// returned unchanged as the only element.
func Fragment(p *Packet, msgID FragmentID) ([]*Packet, error) {
	if len(p.Payload) > MessageMaxSize {
		return nil, ErrOversizedPayload
	}
	if p.EncodedSize() <= BLEMTU {
		return []*Packet{p}, nil
	}
	total := (len(p.Payload) + FragmentChunkSize - 1) / FragmentChunkSize
	if total > 0xFFFF {
		return nil, ErrOversizedPayload
	}
	out := make([]*Packet, 0, total)
	for i := 0; i < total; i++ {
		lo := i * FragmentChunkSize
		hi := lo + FragmentChunkSize
		if hi > len(p.Payload) {
			hi = len(p.Payload)
		}
		payload := make([]byte, fragmentHeaderSize+hi-lo)
		copy(payload, msgID[:])
		binary.BigEndian.PutUint16(payload[8:10], uint16(i))
		binary.BigEndian.PutUint16(payload[10:12], uint16(total))
		copy(payload[fragmentHeaderSize:], p.Payload[lo:hi])

		ft := TypeFragmentContinue
		switch {
		case i == 0:
			ft = TypeFragmentStart
		case i == total-1:
			ft = TypeFragmentEnd
		}
		out = append(out, &Packet{
			Version:     p.Version,
			Type:        ft,
			TTL:         p.TTL,
			Timestamp:   p.Timestamp,
			Flags:       p.Flags &^ FlagHasSignature,
			SenderID:    p.SenderID,
			RecipientID: p.RecipientID,
			Payload:     payload,
		})
	}
	return out, nil
}

func IsFragment(t MessageType) bool {
	return t == TypeFragmentStart || t == TypeFragmentContinue || t == TypeFragmentEnd
}

type fragmentSlot struct {
	total   int
	parts   map[int][]byte
	size    int
	updated time.Time
}

// Reassembler collects fragments per message id in any arrival order and
// returns the original payload once every index is present. Slots that see
// no progress within the window are discarded by Sweep.
type Reassembler struct {
	mu     sync.Mutex
	window time.Duration
	slots  map[FragmentID]*fragmentSlot
	now    func() time.Time
}

func NewReassembler(window time.Duration) *Reassembler {
	if window <= 0 {
		window = DefaultReassemblyWindow
	}
	return &Reassembler{
		window: window,
		slots:  make(map[FragmentID]*fragmentSlot),
		now:    time.Now,
	}
}

// Add ingests one fragment packet. The reassembled payload is returned with
// done=true on the fragment that completes the message.
func (r *Reassembler) Add(p *Packet) (payload []byte, done bool, err error) {
	if !IsFragment(p.Type) {
		return nil, false, ErrBadFragment
	}
	if len(p.Payload) < fragmentHeaderSize {
		return nil, false, ErrBadFragment
	}
	var id FragmentID
	copy(id[:], p.Payload[:8])
	index := int(binary.BigEndian.Uint16(p.Payload[8:10]))
	total := int(binary.BigEndian.Uint16(p.Payload[10:12]))
	if total == 0 || index >= total {
		return nil, false, ErrBadFragment
	}
	data := p.Payload[fragmentHeaderSize:]

	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[id]
	if !ok {
		slot = &fragmentSlot{total: total, parts: make(map[int][]byte)}
		r.slots[id] = slot
	}
	if slot.total != total {
		delete(r.slots, id)
		return nil, false, ErrBadFragment
	}
	if _, dup := slot.parts[index]; !dup {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		slot.parts[index] = chunk
		slot.size += len(chunk)
	}
	slot.updated = r.now()
	if len(slot.parts) < slot.total {
		return nil, false, nil
	}
	out := make([]byte, 0, slot.size)
	for i := 0; i < slot.total; i++ {
		out = append(out, slot.parts[i]...)
	}
	delete(r.slots, id)
	return out, true, nil
}

func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	dropped := 0
	for id, slot := range r.slots {
		if slot.updated.Before(cutoff) {
			delete(r.slots, id)
			dropped++
		}
	}
	return dropped
}

func (r *Reassembler) PendingSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
