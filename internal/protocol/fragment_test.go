package protocol

import (
	"bytes"
	"testing"
	"time"
)

func testPacket(payload []byte) *Packet {
	return &Packet{
		Version:   Version,
		Type:      TypeMessage,
		TTL:       7,
		Timestamp: 1000,
		SenderID:  PeerID{1, 2, 3, 4, 5, 6, 7, 8},
		Payload:   payload,
	}
}

func TestFragmentSmallPacketUnchanged(t *testing.T) {
	p := testPacket([]byte("short"))
	frags, err := Fragment(p, FragmentID{1})
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(frags) != 1 || frags[0] != p {
		t.Fatalf("small packet should pass through, got %d packets", len(frags))
	}
}

func TestFragmentThreeWay(t *testing.T) {
	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i)
	}
	id := FragmentID{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}
	frags, err := Fragment(testPacket(payload), id)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("want 3 fragments, got %d", len(frags))
	}
	wantTypes := []MessageType{TypeFragmentStart, TypeFragmentContinue, TypeFragmentEnd}
	for i, f := range frags {
		if f.Type != wantTypes[i] {
			t.Fatalf("fragment %d type %#x want %#x", i, f.Type, wantTypes[i])
		}
		if !bytes.Equal(f.Payload[:8], id[:]) {
			t.Fatalf("fragment %d message id mismatch", i)
		}
		if got := int(f.Payload[8])<<8 | int(f.Payload[9]); got != i {
			t.Fatalf("fragment %d index %d", i, got)
		}
		if got := int(f.Payload[10])<<8 | int(f.Payload[11]); got != 3 {
			t.Fatalf("fragment %d total %d", i, got)
		}
		if len(f.Payload) > BLEMTU {
			t.Fatalf("fragment %d payload exceeds MTU: %d", i, len(f.Payload))
		}
	}

	// Out-of-order arrival {2,0,1} reassembles to the original bytes.
	r := NewReassembler(time.Minute)
	for _, i := range []int{2, 0} {
		if _, done, err := r.Add(frags[i]); err != nil || done {
			t.Fatalf("fragment %d: done=%v err=%v", i, done, err)
		}
	}
	out, done, err := r.Add(frags[1])
	if err != nil || !done {
		t.Fatalf("final fragment: done=%v err=%v", done, err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
	if r.PendingSlots() != 0 {
		t.Fatalf("slot not released")
	}
}

func TestReassemblerDuplicateFragment(t *testing.T) {
	payload := make([]byte, 1200)
	frags, err := Fragment(testPacket(payload), FragmentID{7})
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	r := NewReassembler(time.Minute)
	for i := 0; i < 3; i++ {
		if _, done, err := r.Add(frags[0]); err != nil || done {
			t.Fatalf("dup add %d: done=%v err=%v", i, done, err)
		}
	}
	if _, done, _ := r.Add(frags[1]); done {
		t.Fatalf("incomplete message reported done")
	}
	out, done, err := r.Add(frags[2])
	if err != nil || !done {
		t.Fatalf("completion: done=%v err=%v", done, err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("payload mismatch after duplicates")
	}
}

func TestReassemblerSweep(t *testing.T) {
	frags, err := Fragment(testPacket(make([]byte, 1200)), FragmentID{9})
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	r := NewReassembler(time.Second)
	base := time.Unix(100, 0)
	r.now = func() time.Time { return base }
	if _, _, err := r.Add(frags[0]); err != nil {
		t.Fatalf("add: %v", err)
	}
	r.now = func() time.Time { return base.Add(2 * time.Second) }
	if dropped := r.Sweep(); dropped != 1 {
		t.Fatalf("sweep dropped %d, want 1", dropped)
	}
	if r.PendingSlots() != 0 {
		t.Fatalf("stale slot survived sweep")
	}
}

func TestReassemblerRejectsBadFragments(t *testing.T) {
	r := NewReassembler(time.Minute)
	p := testPacket([]byte("x"))
	if _, _, err := r.Add(p); err != ErrBadFragment {
		t.Fatalf("non-fragment type: want ErrBadFragment, got %v", err)
	}
	short := testPacket([]byte("tiny"))
	short.Type = TypeFragmentStart
	if _, _, err := r.Add(short); err != ErrBadFragment {
		t.Fatalf("short payload: want ErrBadFragment, got %v", err)
	}
}
