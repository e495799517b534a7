package wire

import (
	"encoding/binary"
	"errors"
)

// AppMessagePayload is the binary layout of an AppMessage frame's payload:
// epoch(8,BE) || sender_index(4,BE) || generation(4,BE) || nonce(24) ||
// ciphertext_len(4,BE) || ciphertext || signature(64). The signature
// covers everything before it (via EncodeUnsigned) plus the frame's
// CanonicalAAD, and is verified against the sender's MLS signing key
// independently of the AEAD ciphertext — it authenticates who sent the
// frame without requiring the verifier to decrypt it. Minimum size is
// 108 bytes (44 unsigned + 64 signature).
type AppMessagePayload struct {
	Epoch       uint64
	SenderIndex uint32
	Generation  uint32
	Nonce       [24]byte
	Ciphertext  []byte
	Signature   [SignatureSize]byte
}

// SignatureSize is the byte length of an Ed25519 signature.
const SignatureSize = 64

const appMessageMinSize = 8 + 4 + 4 + 24 + 4 // = 44, ciphertext may be empty

var (
	ErrAppMessageTooShort  = errors.New("wire: app message frame too short")
	ErrAppMessageTruncated = errors.New("wire: truncated ciphertext")
)

// EncodeUnsigned serializes every field except Signature: the bytes an
// MLS-layer signature is computed over, alongside the frame's
// CanonicalAAD.
func (p AppMessagePayload) EncodeUnsigned() []byte {
	buf := make([]byte, appMessageMinSize+len(p.Ciphertext))
	binary.BigEndian.PutUint64(buf[0:8], p.Epoch)
	binary.BigEndian.PutUint32(buf[8:12], p.SenderIndex)
	binary.BigEndian.PutUint32(buf[12:16], p.Generation)
	copy(buf[16:40], p.Nonce[:])
	binary.BigEndian.PutUint32(buf[40:44], uint32(len(p.Ciphertext)))
	copy(buf[44:], p.Ciphertext)
	return buf
}

// Encode serializes p into its canonical binary form, signature included.
func (p AppMessagePayload) Encode() []byte {
	return append(p.EncodeUnsigned(), p.Signature[:]...)
}

// DecodeAppMessage parses the binary AppMessage payload layout.
func DecodeAppMessage(b []byte) (AppMessagePayload, error) {
	var p AppMessagePayload
	if len(b) < appMessageMinSize+SignatureSize {
		return p, ErrAppMessageTooShort
	}
	body := b[:len(b)-SignatureSize]
	sig := b[len(b)-SignatureSize:]

	p.Epoch = binary.BigEndian.Uint64(body[0:8])
	p.SenderIndex = binary.BigEndian.Uint32(body[8:12])
	p.Generation = binary.BigEndian.Uint32(body[12:16])
	copy(p.Nonce[:], body[16:40])
	ctLen := binary.BigEndian.Uint32(body[40:44])
	rest := body[44:]
	if uint64(len(rest)) < uint64(ctLen) {
		return AppMessagePayload{}, ErrAppMessageTruncated
	}
	p.Ciphertext = make([]byte, ctLen)
	copy(p.Ciphertext, rest[:ctLen])
	copy(p.Signature[:], sig)
	return p, nil
}
