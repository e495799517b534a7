package wire

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// HeaderSize is the fixed on-wire size of a Header in bytes.
const HeaderSize = 128

// Magic is the 4-byte frame magic identifying the Kalandra wire protocol.
var Magic = [4]byte{'K', 'L', 'N', 'D'}

// Version is the only wire version this codec understands.
const Version uint16 = 1

// DefaultMaxPayload is the default cap on payload_size, overridable per
// deployment via configuration.
const DefaultMaxPayload = 1 << 20 // 1 MiB

// RoomId is a 128-bit opaque room identifier.
type RoomId [16]byte

// NewRoomId generates a fresh random RoomId.
func NewRoomId() RoomId {
	return RoomId(uuid.New())
}

// RoomIdFromUUID converts a uuid.UUID to a RoomId.
func RoomIdFromUUID(u uuid.UUID) RoomId { return RoomId(u) }

func (r RoomId) String() string { return uuid.UUID(r).String() }

// MemberId / SenderId are stable 64-bit identifiers of a group member.
type MemberId = uint64
type SenderId = uint64

// Header is the fixed 128-byte little-endian frame header described in
// spec §6: magic[4] version[2] opcode[2] room_id[16] sender_id[8] epoch[8]
// log_index[8] payload_size[4] hlc_timestamp[8] context_id[8] reserved[60].
type Header struct {
	Version      uint16
	Opcode       Opcode
	RoomId       RoomId
	SenderId     SenderId
	Epoch        uint64
	LogIndex     uint64
	PayloadSize  uint32
	HLCTimestamp uint64
	ContextId    uint64
}

// Encode writes the canonical 128-byte representation of h into a freshly
// allocated buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Opcode))
	copy(buf[8:24], h.RoomId[:])
	binary.LittleEndian.PutUint64(buf[24:32], h.SenderId)
	binary.LittleEndian.PutUint64(buf[32:40], h.Epoch)
	binary.LittleEndian.PutUint64(buf[40:48], h.LogIndex)
	binary.LittleEndian.PutUint32(buf[48:52], h.PayloadSize)
	binary.LittleEndian.PutUint64(buf[52:60], h.HLCTimestamp)
	binary.LittleEndian.PutUint64(buf[60:68], h.ContextId)
	// bytes 68:128 are reserved, left zero.
	return buf
}

// CanonicalAAD returns the header bytes an AppMessage's AEAD associated
// data and MLS-layer signature are computed over: everything the sender
// knows at encrypt time, with the fields the server alone fills in
// (log_index, payload_size, hlc_timestamp, context_id) zeroed so sender
// and every recipient derive identical bytes regardless of sequencing.
func (h Header) CanonicalAAD() []byte {
	aad := h
	aad.LogIndex = 0
	aad.PayloadSize = 0
	aad.HLCTimestamp = 0
	aad.ContextId = 0
	return aad.Encode()
}

// DecodeHeader parses exactly HeaderSize bytes. maxPayload bounds the
// payload_size field; pass 0 to use DefaultMaxPayload.
func DecodeHeader(b []byte, maxPayload uint32) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShortHeader
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	if string(b[0:4]) != string(Magic[:]) {
		return h, ErrBadMagic
	}
	ver := binary.LittleEndian.Uint16(b[4:6])
	if ver != Version {
		return h, ErrUnsupportedVer
	}
	op := Opcode(binary.LittleEndian.Uint16(b[6:8]))
	if !op.Known() {
		return h, ErrUnknownOpcode
	}
	var room RoomId
	copy(room[:], b[8:24])
	payloadSize := binary.LittleEndian.Uint32(b[48:52])
	if payloadSize > maxPayload {
		return h, &DecodeError{Err: ErrPayloadTooLarge, Opcode: op}
	}
	h = Header{
		Version:      ver,
		Opcode:       op,
		RoomId:       room,
		SenderId:     binary.LittleEndian.Uint64(b[24:32]),
		Epoch:        binary.LittleEndian.Uint64(b[32:40]),
		LogIndex:     binary.LittleEndian.Uint64(b[40:48]),
		PayloadSize:  payloadSize,
		HLCTimestamp: binary.LittleEndian.Uint64(b[52:60]),
		ContextId:    binary.LittleEndian.Uint64(b[60:68]),
	}
	return h, nil
}
