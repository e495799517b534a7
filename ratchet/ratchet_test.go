package ratchet

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func testEpochSecret() [32]byte {
	var s [32]byte
	copy(s[:], bytes.Repeat([]byte{0x42}, 32))
	return s
}

func TestSenderKeyUniquenessAndEncryptAdvances(t *testing.T) {
	secret := testEpochSecret()
	members := map[uint64]uint32{1: 0, 2: 1}
	store := InitializeEpoch(secret, 1, members, 0)

	gen0, ok := store.SendGeneration()
	require.True(t, ok)
	assert.EqualValues(t, 0, gen0)

	em1, err := store.Encrypt([]byte("hello"), []byte("ad"), randomBytes(16))
	require.NoError(t, err)
	assert.EqualValues(t, 0, em1.Generation)

	em2, err := store.Encrypt([]byte("hello"), []byte("ad"), randomBytes(16))
	require.NoError(t, err)
	assert.EqualValues(t, 1, em2.Generation)

	// Same plaintext at different generations must not reuse (nonce, key).
	assert.NotEqual(t, em1.Nonce, em2.Nonce)
	assert.NotEqual(t, em1.Ciphertext, em2.Ciphertext)

	gen2, _ := store.SendGeneration()
	assert.EqualValues(t, 2, gen2)
}

func TestDecryptOwnEchoedMessage(t *testing.T) {
	// Regression test for the ratchet self-loop pitfall (spec §9): a
	// member must be able to decrypt its own echoed frame via its
	// receive chain, independent of its send chain's position.
	secret := testEpochSecret()
	members := map[uint64]uint32{7: 0}
	store := InitializeEpoch(secret, 7, members, 0)

	ad := []byte("frame-header-bytes")
	em, err := store.Encrypt([]byte("Hello, World!"), ad, randomBytes(16))
	require.NoError(t, err)

	plaintext, err := store.Decrypt(7, em.Generation, em.Nonce, em.Ciphertext, ad)
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", string(plaintext))
}

func TestDecryptUnknownSender(t *testing.T) {
	store := InitializeEpoch(testEpochSecret(), 1, map[uint64]uint32{1: 0}, 0)
	_, err := store.Decrypt(99, 0, [24]byte{}, []byte("ct"), []byte("ad"))
	assert.ErrorIs(t, err, ErrUnknownSender)
	assert.True(t, Fatal(err))
}

func TestReceiveChainSkipsAheadAndCaches(t *testing.T) {
	secret := testEpochSecret()
	members := map[uint64]uint32{1: 0, 2: 1}
	alice := InitializeEpoch(secret, 1, members, 0)
	bob := InitializeEpoch(secret, 2, members, 0)

	ad := []byte("ad")
	var msgs []EncryptedMessage
	for i := 0; i < 3; i++ {
		em, err := alice.Encrypt([]byte("msg"), ad, randomBytes(16))
		require.NoError(t, err)
		msgs = append(msgs, em)
	}

	// Bob receives generation 2 before 0 and 1: must fast-forward and cache.
	pt, err := bob.Decrypt(1, msgs[2].Generation, msgs[2].Nonce, msgs[2].Ciphertext, ad)
	require.NoError(t, err)
	assert.Equal(t, "msg", string(pt))

	pt0, err := bob.Decrypt(1, msgs[0].Generation, msgs[0].Nonce, msgs[0].Ciphertext, ad)
	require.NoError(t, err)
	assert.Equal(t, "msg", string(pt0))

	pt1, err := bob.Decrypt(1, msgs[1].Generation, msgs[1].Nonce, msgs[1].Ciphertext, ad)
	require.NoError(t, err)
	assert.Equal(t, "msg", string(pt1))

	// Reusing a consumed generation's key must fail: it was deleted.
	_, err = bob.Decrypt(1, msgs[0].Generation, msgs[0].Nonce, msgs[0].Ciphertext, ad)
	assert.Error(t, err)
}

func TestGenerationGapBeyondWindow(t *testing.T) {
	secret := testEpochSecret()
	members := map[uint64]uint32{1: 0, 2: 1}
	alice := InitializeEpoch(secret, 1, members, 4) // tiny window for the test
	bob := InitializeEpoch(secret, 2, members, 4)

	ad := []byte("ad")
	var last EncryptedMessage
	for i := 0; i < 10; i++ {
		em, err := alice.Encrypt([]byte("msg"), ad, randomBytes(16))
		require.NoError(t, err)
		last = em
	}
	_, err := bob.Decrypt(1, last.Generation, last.Nonce, last.Ciphertext, ad)
	assert.ErrorIs(t, err, ErrGenerationGap)
}

func TestTooOldGenerationAfterEviction(t *testing.T) {
	secret := testEpochSecret()
	members := map[uint64]uint32{1: 0, 2: 1}
	alice := InitializeEpoch(secret, 1, members, 2)
	bob := InitializeEpoch(secret, 2, members, 2)

	ad := []byte("ad")
	var msgs []EncryptedMessage
	for i := 0; i < 5; i++ {
		em, err := alice.Encrypt([]byte("msg"), ad, randomBytes(16))
		require.NoError(t, err)
		msgs = append(msgs, em)
	}
	// Deliver generation 2 and then 4 (each skip within the window of 2):
	// generations 0, 1 and 3 get cached, and generation 0 is evicted
	// before it's ever requested.
	_, err := bob.Decrypt(1, msgs[2].Generation, msgs[2].Nonce, msgs[2].Ciphertext, ad)
	require.NoError(t, err)
	_, err = bob.Decrypt(1, msgs[4].Generation, msgs[4].Nonce, msgs[4].Ciphertext, ad)
	require.NoError(t, err)

	_, err = bob.Decrypt(1, msgs[0].Generation, msgs[0].Nonce, msgs[0].Ciphertext, ad)
	assert.ErrorIs(t, err, ErrTooOldGeneration)
}

func TestAeadFailsOnTamperedCiphertext(t *testing.T) {
	secret := testEpochSecret()
	members := map[uint64]uint32{1: 0}
	store := InitializeEpoch(secret, 1, members, 0)
	ad := []byte("ad")
	em, err := store.Encrypt([]byte("msg"), ad, randomBytes(16))
	require.NoError(t, err)

	tampered := append([]byte(nil), em.Ciphertext...)
	tampered[0] ^= 0xff
	_, err = store.Decrypt(1, em.Generation, em.Nonce, tampered, ad)
	assert.ErrorIs(t, err, ErrAeadFailed)
	assert.True(t, Fatal(err))
}
