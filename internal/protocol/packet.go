package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	Version = 1

	MaxTTL         = 7
	BLEMTU         = 512
	MessageMaxSize = 65535

	SenderIDSize    = 8
	RecipientIDSize = 8
	SignatureSize   = 64

	// version + type + ttl + timestamp(8) + flags + payload length(2)
	headerSize = 14
)

type MessageType uint8

const (
	TypeAnnounce              MessageType = 0x01
	TypeLeave                 MessageType = 0x03
	TypeMessage               MessageType = 0x04
	TypeFragmentStart         MessageType = 0x05
	TypeFragmentContinue      MessageType = 0x06
	TypeFragmentEnd           MessageType = 0x07
	TypeDeliveryAck           MessageType = 0x0A
	TypeDeliveryStatusRequest MessageType = 0x0B
	TypeReadReceipt           MessageType = 0x0C
	TypeNoiseHandshakeInit    MessageType = 0x10
	TypeNoiseHandshakeResp    MessageType = 0x11
	TypeNoiseEncrypted        MessageType = 0x12
	TypeNoiseIdentityAnnounce MessageType = 0x13
	TypeVersionHello          MessageType = 0x20
	TypeVersionAck            MessageType = 0x21
	TypeProtocolAck           MessageType = 0x22
	TypeProtocolNack          MessageType = 0x23
	TypeMeshRelay             MessageType = 0x26
	TypeFavorited             MessageType = 0x30
	TypeUnfavorited           MessageType = 0x31
)

func (t MessageType) Known() bool {
	switch t {
	case TypeAnnounce, TypeLeave, TypeMessage,
		TypeFragmentStart, TypeFragmentContinue, TypeFragmentEnd,
		TypeDeliveryAck, TypeDeliveryStatusRequest, TypeReadReceipt,
		TypeNoiseHandshakeInit, TypeNoiseHandshakeResp, TypeNoiseEncrypted,
		TypeNoiseIdentityAnnounce,
		TypeVersionHello, TypeVersionAck, TypeProtocolAck, TypeProtocolNack,
		TypeMeshRelay, TypeFavorited, TypeUnfavorited:
		return true
	}
	return false
}

const (
	FlagHasRecipient = 0x01
	FlagHasSignature = 0x02
	FlagIsCompressed = 0x04

	knownFlags = FlagHasRecipient | FlagHasSignature | FlagIsCompressed
)

var BroadcastID = PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

type PeerID [SenderIDSize]byte

func (p PeerID) IsBroadcast() bool {
	return p == BroadcastID
}

var (
	ErrOversizedPayload = errors.New("oversized payload")
	ErrTruncatedHeader  = errors.New("truncated header")
	ErrTruncatedBody    = errors.New("truncated body")
	ErrUnknownVersion   = errors.New("unknown version")
	ErrInvalidTTL       = errors.New("invalid ttl")
	ErrReservedFlags    = errors.New("reserved flag bits set")
	ErrUnknownType      = errors.New("unknown message type")
)

// Packet is the wire unit carried by every transport. RecipientID is
// meaningful only when FlagHasRecipient is set, Signature only when
// FlagHasSignature is set.
type Packet struct {
	Version     uint8
	Type        MessageType
	TTL         uint8
	Timestamp   uint64
	Flags       uint8
	SenderID    PeerID
	RecipientID PeerID
	Payload     []byte
	Signature   []byte
}

func (p *Packet) HasRecipient() bool { return p.Flags&FlagHasRecipient != 0 }
func (p *Packet) HasSignature() bool { return p.Flags&FlagHasSignature != 0 }

func (p *Packet) EncodedSize() int {
	n := headerSize + SenderIDSize + len(p.Payload)
	if p.HasRecipient() {
		n += RecipientIDSize
	}
	if p.HasSignature() {
		n += SignatureSize
	}
	return n
}

func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MessageMaxSize {
		return nil, ErrOversizedPayload
	}
	buf := make([]byte, 0, p.EncodedSize())
	buf = append(buf, p.Version, byte(p.Type), p.TTL)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], p.Timestamp)
	buf = append(buf, tmp[:]...)
	buf = append(buf, p.Flags)
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(p.Payload)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, p.SenderID[:]...)
	if p.HasRecipient() {
		buf = append(buf, p.RecipientID[:]...)
	}
	buf = append(buf, p.Payload...)
	if p.HasSignature() {
		if len(p.Signature) != SignatureSize {
			return nil, errors.New("signature flag set without 64-byte signature")
		}
		buf = append(buf, p.Signature...)
	}
	return buf, nil
}

func Decode(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, ErrTruncatedHeader
	}
	p := &Packet{
		Version:   data[0],
		Type:      MessageType(data[1]),
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[3:11]),
		Flags:     data[11],
	}
	if p.Version != Version {
		return nil, ErrUnknownVersion
	}
	if p.TTL > MaxTTL {
		return nil, ErrInvalidTTL
	}
	if p.Flags&^byte(knownFlags) != 0 {
		return nil, ErrReservedFlags
	}
	payloadLen := int(binary.BigEndian.Uint16(data[12:14]))
	need := headerSize + SenderIDSize + payloadLen
	if p.HasRecipient() {
		need += RecipientIDSize
	}
	if p.HasSignature() {
		need += SignatureSize
	}
	if len(data) < need {
		return nil, ErrTruncatedBody
	}
	off := headerSize
	copy(p.SenderID[:], data[off:off+SenderIDSize])
	off += SenderIDSize
	if p.HasRecipient() {
		copy(p.RecipientID[:], data[off:off+RecipientIDSize])
		off += RecipientIDSize
	}
	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, data[off:off+payloadLen])
	off += payloadLen
	if p.HasSignature() {
		p.Signature = make([]byte, SignatureSize)
		copy(p.Signature, data[off:off+SignatureSize])
	}
	return p, nil
}

// SigningBytes is the canonical byte string an Ed25519 signature covers:
// the packet encoded without its signature field or signature flag.
func (p *Packet) SigningBytes() ([]byte, error) {
	c := *p
	c.Flags &^= FlagHasSignature
	c.Signature = nil
	return c.Encode()
}

func (p *Packet) Equal(o *Packet) bool {
	return p.Version == o.Version &&
		p.Type == o.Type &&
		p.TTL == o.TTL &&
		p.Timestamp == o.Timestamp &&
		p.Flags == o.Flags &&
		p.SenderID == o.SenderID &&
		p.RecipientID == o.RecipientID &&
		bytes.Equal(p.Payload, o.Payload) &&
		bytes.Equal(p.Signature, o.Signature)
}
