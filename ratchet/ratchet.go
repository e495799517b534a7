// Package ratchet implements the per-(epoch, member) sender-key symmetric
// ratchet described in spec §4.2: an HKDF-based one-way chain with
// generation-indexed message keys, a bounded skip window for out-of-order
// delivery, and forward secrecy (consumed chain keys are zeroised).
//
// Per the redesign in spec §9 (the "ratchet self-loop pitfall"), a member
// keeps a send chain and a receive chain *per member it knows about,
// including itself* — so a client can always decrypt its own echoed
// frames via its own receive chain, independent from the send chain it
// advanced when it encrypted the message.
package ratchet

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/kalandra/kalandra/internal/metrics"
)

// SenderKeyLabel is the export_secret label the MLS adapter uses to derive
// the per-epoch secret this ratchet bootstraps from.
const SenderKeyLabel = "kalandra sender keys v1"

// DefaultSkipWindow bounds how many generations a receive chain will skip
// ahead and cache before reporting GenerationGap; also bounds how far
// behind the current generation a cached key may still be used before it
// is evicted and reported as TooOldGeneration.
const DefaultSkipWindow = 1024

const (
	labelSenderKey = "sender-key"
	labelMsgKey    = "msg-key"
	labelNonce     = "nonce"
	labelChain     = "chain"
)

func hkdfExpand(prk []byte, info string, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(sha256.New, prk, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("ratchet: hkdf expand failed: " + err.Error())
	}
	return out
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// InitialChainKey derives the generation-0 chain key for leaf index
// leafIndex from an epoch secret, per spec §4.2.
func InitialChainKey(epochSecret [32]byte, leafIndex uint32) [32]byte {
	info := labelSenderKey + string(leafIndexBytes(leafIndex))
	var out [32]byte
	copy(out[:], hkdfExpand(epochSecret[:], info, 32))
	return out
}

func leafIndexBytes(i uint32) []byte {
	return []byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)}
}

// step advances chainKeyN to the next chain key, producing the message key
// and nonce base for generation N, then zeroises chainKeyN per the forward
// secrecy invariant.
func step(chainKeyN [32]byte) (messageKey [32]byte, nonceBase [16]byte, nextChainKey [32]byte) {
	copy(messageKey[:], hkdfExpand(chainKeyN[:], labelMsgKey, 32))
	copy(nonceBase[:], hkdfExpand(chainKeyN[:], labelNonce, 16))
	copy(nextChainKey[:], hkdfExpand(chainKeyN[:], labelChain, 32))
	wipe(chainKeyN[:])
	return
}

// ChainState is a one-way HKDF chain positioned at a generation. Consuming
// a generation destroys the chain key that produced it.
type ChainState struct {
	chainKey   [32]byte
	generation uint32 // generation this chainKey will next produce
}

// NewChainState starts a chain at generation 0 from the given initial
// chain key.
func NewChainState(initial [32]byte) *ChainState {
	return &ChainState{chainKey: initial, generation: 0}
}

// Generation reports the next generation this chain will produce.
func (c *ChainState) Generation() uint32 { return c.generation }

// advance derives and returns the message key + nonce base for the chain's
// current generation, then moves the chain forward by one.
func (c *ChainState) advance() (messageKey [32]byte, nonceBase [16]byte, generation uint32) {
	generation = c.generation
	mk, nb, next := step(c.chainKey)
	c.chainKey = next
	c.generation++
	return mk, nb, generation
}

func buildNonce(generation uint32, nonceBase [16]byte, random16 []byte) [24]byte {
	var nonce [24]byte
	nonce[0], nonce[1], nonce[2], nonce[3] = byte(generation>>24), byte(generation>>16), byte(generation>>8), byte(generation)
	// bytes 4-7 reserved (zero); matches spec's 8-byte counter field.
	for i := 0; i < 16; i++ {
		nonce[8+i] = random16[i] ^ nonceBase[i]
	}
	return nonce
}

// EncryptedMessage is the ratchet's view of spec §3's EncryptedMessage:
// everything an AppMessage payload needs except the opaque frame header.
type EncryptedMessage struct {
	Generation uint32
	Nonce      [24]byte
	Ciphertext []byte
}

// Encrypt advances chain by one generation and seals plaintext under the
// derived message key. random16 must be 16 fresh random bytes supplied by
// the caller's Environment. ad is bound as AEAD associated data (the
// canonical frame header bytes, per spec §4.2).
func Encrypt(chain *ChainState, plaintext, ad, random16 []byte) (EncryptedMessage, error) {
	start := time.Now()
	defer func() { metrics.RatchetOperationDuration.WithLabelValues("encrypt").Observe(time.Since(start).Seconds()) }()

	if len(random16) != 16 {
		metrics.RatchetErrors.WithLabelValues("auth_failed").Inc()
		return EncryptedMessage{}, ErrAeadFailed
	}
	messageKey, nonceBase, generation := chain.advance()
	defer wipe(messageKey[:])

	aead, err := chacha20poly1305.NewX(messageKey[:])
	if err != nil {
		metrics.RatchetErrors.WithLabelValues("auth_failed").Inc()
		return EncryptedMessage{}, ErrAeadFailed
	}
	nonce := buildNonce(generation, nonceBase, random16)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, ad)
	metrics.RatchetOperations.WithLabelValues("encrypt").Inc()
	return EncryptedMessage{Generation: generation, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// skippedKey is a cached message key derived while fast-forwarding a
// receive chain past generations that haven't arrived yet.
type skippedKey struct {
	key [32]byte
}

// ReceiveChain mirrors a ChainState on the receiving side, with a bounded
// window of cached skipped-ahead keys to tolerate reordering.
type ReceiveChain struct {
	chain   *ChainState
	skipped map[uint32]skippedKey
	order   []uint32 // insertion order, oldest first, for eviction
	window  int
}

// NewReceiveChain starts a receive-side mirror chain at generation 0.
func NewReceiveChain(initial [32]byte, window int) *ReceiveChain {
	if window <= 0 {
		window = DefaultSkipWindow
	}
	return &ReceiveChain{chain: NewChainState(initial), skipped: make(map[uint32]skippedKey), window: window}
}

func (r *ReceiveChain) cache(gen uint32, key [32]byte) {
	r.skipped[gen] = skippedKey{key: key}
	r.order = append(r.order, gen)
	for len(r.order) > r.window {
		evict := r.order[0]
		r.order = r.order[1:]
		if sk, ok := r.skipped[evict]; ok {
			wipe(sk.key[:])
			delete(r.skipped, evict)
		}
	}
}

// messageKeyFor returns the message key for generation and, for
// not-yet-seen generations, fast-forwards the chain (caching intermediate
// keys) to reach it. Keys are removed from the cache once returned — a
// given generation's key can only be used once.
func (r *ReceiveChain) messageKeyFor(generation uint32) ([32]byte, error) {
	if sk, ok := r.skipped[generation]; ok {
		delete(r.skipped, generation)
		return sk.key, nil
	}
	current := r.chain.Generation()
	if generation < current {
		return [32]byte{}, ErrTooOldGeneration
	}
	gap := generation - current
	if int(gap) > r.window {
		return [32]byte{}, ErrGenerationGap
	}
	var target [32]byte
	for current <= generation {
		mk, _, gen := r.chain.advance()
		if gen == generation {
			target = mk
		} else {
			r.cache(gen, mk)
		}
		current = r.chain.Generation()
	}
	// Forget cached keys that are now more than window generations
	// behind the generation just reached.
	for len(r.order) > 0 && generation-r.order[0] > uint32(r.window) {
		if sk, ok := r.skipped[r.order[0]]; ok {
			wipe(sk.key[:])
			delete(r.skipped, r.order[0])
		}
		r.order = r.order[1:]
	}
	return target, nil
}

// decryptAt obtains the message key for generation via messageKeyFor
// and opens ciphertext with it, using the nonce carried in the message.
func (r *ReceiveChain) decryptAt(generation uint32, nonce [24]byte, ciphertext, ad []byte) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.RatchetOperationDuration.WithLabelValues("decrypt").Observe(time.Since(start).Seconds()) }()

	key, err := r.messageKeyFor(generation)
	if err != nil {
		metrics.RatchetErrors.WithLabelValues(decryptErrorReason(err)).Inc()
		return nil, err
	}
	defer wipe(key[:])
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		metrics.RatchetErrors.WithLabelValues("auth_failed").Inc()
		return nil, ErrAeadFailed
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		metrics.RatchetErrors.WithLabelValues("auth_failed").Inc()
		return nil, ErrAeadFailed
	}
	metrics.RatchetOperations.WithLabelValues("decrypt").Inc()
	return plaintext, nil
}

// decryptErrorReason maps a messageKeyFor failure to the RatchetErrors
// label, matching its generation-gap/too-old-generation taxonomy.
func decryptErrorReason(err error) string {
	switch err {
	case ErrGenerationGap:
		return "skip_window_exceeded"
	case ErrTooOldGeneration:
		return "skip_window_exceeded"
	default:
		return "auth_failed"
	}
}

// SenderKeyStore holds, for one room at one epoch, the send chain for the
// local member and a receive chain for every known member (including the
// local one, to resolve the self-loop redesign).
type SenderKeyStore struct {
	selfID     uint64
	sendChain  *ChainState
	recvChains map[uint64]*ReceiveChain
	window     int
}

// InitializeEpoch derives fresh send/receive chains for every member from
// the epoch secret, discarding any prior epoch's state.
func InitializeEpoch(epochSecret [32]byte, selfID uint64, leafIndices map[uint64]uint32, window int) *SenderKeyStore {
	if window <= 0 {
		window = DefaultSkipWindow
	}
	s := &SenderKeyStore{selfID: selfID, recvChains: make(map[uint64]*ReceiveChain), window: window}
	for member, leaf := range leafIndices {
		initial := InitialChainKey(epochSecret, leaf)
		if member == selfID {
			sendInitial := initial // independent copy for the send side
			s.sendChain = NewChainState(sendInitial)
		}
		s.recvChains[member] = NewReceiveChain(initial, window)
	}
	return s
}

// Encrypt seals plaintext on behalf of the local member, advancing its
// send chain. Returns ErrNoKeyForEpoch if the store has no send chain
// (the local member isn't part of this epoch).
func (s *SenderKeyStore) Encrypt(plaintext, ad, random16 []byte) (EncryptedMessage, error) {
	if s.sendChain == nil {
		return EncryptedMessage{}, ErrNoKeyForEpoch
	}
	return Encrypt(s.sendChain, plaintext, ad, random16)
}

// Decrypt opens a message claimed to be from sender at the given
// generation, using sender's dedicated receive chain — including when
// sender == the local member, resolving the self-loop redesign.
func (s *SenderKeyStore) Decrypt(sender uint64, generation uint32, nonce [24]byte, ciphertext, ad []byte) ([]byte, error) {
	rc, ok := s.recvChains[sender]
	if !ok {
		metrics.RatchetErrors.WithLabelValues("unknown_sender").Inc()
		return nil, ErrUnknownSender
	}
	return rc.decryptAt(generation, nonce, ciphertext, ad)
}

// SendGeneration reports the local send chain's next generation, mainly
// for tests and introspection.
func (s *SenderKeyStore) SendGeneration() (uint32, bool) {
	if s.sendChain == nil {
		return 0, false
	}
	return s.sendChain.Generation(), true
}

// constantTimeEqual is used by tests asserting two derived secrets match
// without branching on secret data.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
