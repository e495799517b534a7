package refimpl

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/cloudflare/circl/hpke"
	"github.com/kalandra/kalandra/internal/env"
)

// Suite is the fixed HPKE ciphersuite Welcomes are sealed under:
// X25519 KEM, HKDF-SHA256, ChaCha20-Poly1305 AEAD.
var Suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)

var kemScheme = hpke.KEM_X25519_HKDF_SHA256.Scheme()

// KeyMaterial is the private half of a KeyPackage: what a prospective
// member must retain to process the Welcome sealed to it. This is the
// concrete resolution of spec §9's KeyPackage lifecycle open question,
// stored by internal/keypkg.Store.
type KeyMaterial struct {
	MemberID   uint64
	X25519Priv []byte // KEM private key bytes
	X25519Pub  []byte
	Ed25519Priv ed25519.PrivateKey
	Ed25519Pub  ed25519.PublicKey
}

// KeyPackage is the public, publishable half: what an inviter uses in
// AddMembersFromBytes.
type KeyPackage struct {
	MemberID    uint64
	X25519Pub   []byte
	Ed25519Pub  ed25519.PublicKey
	Signature   []byte // self-signature over MemberID||X25519Pub||Ed25519Pub
}

var ErrKeyPackageSignatureInvalid = errors.New("refimpl: key package signature invalid")

func keyPackageSignedBytes(memberID uint64, x25519Pub, ed25519Pub []byte) []byte {
	buf := make([]byte, 8+len(x25519Pub)+len(ed25519Pub))
	binary.BigEndian.PutUint64(buf[0:8], memberID)
	copy(buf[8:], x25519Pub)
	copy(buf[8+len(x25519Pub):], ed25519Pub)
	return buf
}

// GenerateKeyPackage creates a fresh X25519/Ed25519 key pair for member
// and returns the publishable KeyPackage plus the private KeyMaterial the
// member must retain.
func GenerateKeyPackage(e env.Environment, member uint64) (KeyPackage, KeyMaterial, error) {
	seed := make([]byte, kemScheme.SeedSize())
	e.RandomBytes(seed)
	kemPub, kemPriv := kemScheme.DeriveKeyPair(seed)
	kemPrivBytes, err := kemPriv.MarshalBinary()
	if err != nil {
		return KeyPackage{}, KeyMaterial{}, err
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return KeyPackage{}, KeyMaterial{}, err
	}

	edSeed := make([]byte, ed25519.SeedSize)
	e.RandomBytes(edSeed)
	edPriv := ed25519.NewKeyFromSeed(edSeed)
	edPub := edPriv.Public().(ed25519.PublicKey)

	sigMsg := keyPackageSignedBytes(member, kemPubBytes, edPub)
	sig := ed25519.Sign(edPriv, sigMsg)

	kp := KeyPackage{MemberID: member, X25519Pub: kemPubBytes, Ed25519Pub: edPub, Signature: sig}
	km := KeyMaterial{MemberID: member, X25519Priv: kemPrivBytes, X25519Pub: kemPubBytes, Ed25519Priv: edPriv, Ed25519Pub: edPub}
	return kp, km, nil
}

// EncodeKeyPackage serializes a KeyPackage for transport.
func EncodeKeyPackage(kp KeyPackage) []byte {
	buf := make([]byte, 8+4+len(kp.X25519Pub)+4+len(kp.Ed25519Pub)+4+len(kp.Signature))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], kp.MemberID)
	off += 8
	off += putBytes(buf[off:], kp.X25519Pub)
	off += putBytes(buf[off:], kp.Ed25519Pub)
	off += putBytes(buf[off:], kp.Signature)
	return buf[:off]
}

func putBytes(dst, src []byte) int {
	binary.BigEndian.PutUint32(dst[0:4], uint32(len(src)))
	copy(dst[4:], src)
	return 4 + len(src)
}

func takeBytes(src []byte, off int) ([]byte, int, error) {
	if len(src) < off+4 {
		return nil, 0, errors.New("refimpl: truncated key package")
	}
	n := int(binary.BigEndian.Uint32(src[off : off+4]))
	off += 4
	if len(src) < off+n {
		return nil, 0, errors.New("refimpl: truncated key package")
	}
	return src[off : off+n], off + n, nil
}

// DecodeKeyPackage parses and verifies a KeyPackage's self-signature.
func DecodeKeyPackage(b []byte) (KeyPackage, error) {
	if len(b) < 8 {
		return KeyPackage{}, errors.New("refimpl: truncated key package")
	}
	memberID := binary.BigEndian.Uint64(b[0:8])
	off := 8
	x25519Pub, off, err := takeBytes(b, off)
	if err != nil {
		return KeyPackage{}, err
	}
	ed25519Pub, off, err := takeBytes(b, off)
	if err != nil {
		return KeyPackage{}, err
	}
	sig, _, err := takeBytes(b, off)
	if err != nil {
		return KeyPackage{}, err
	}
	kp := KeyPackage{MemberID: memberID, X25519Pub: x25519Pub, Ed25519Pub: ed25519.PublicKey(ed25519Pub), Signature: sig}
	if !ed25519.Verify(kp.Ed25519Pub, keyPackageSignedBytes(memberID, x25519Pub, ed25519Pub), sig) {
		return KeyPackage{}, ErrKeyPackageSignatureInvalid
	}
	return kp, nil
}

func keyPackageHash(kp KeyPackage) [32]byte {
	return sha256.Sum256(EncodeKeyPackage(kp))
}
