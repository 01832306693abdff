package verify

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iriartelabs/survivalcomm/crypto"
)

func TestFingerprintDeterministic(t *testing.T) {
	key := []byte("some-public-key-material")

	fp1 := Fingerprint(key)
	fp2 := Fingerprint(key)
	assert.Equal(t, fp1, fp2)

	// 32 hash bytes -> 32 hex pairs joined by colons.
	parts := strings.Split(fp1, ":")
	assert.Len(t, parts, 32)
	for _, p := range parts {
		assert.Len(t, p, 2)
	}

	assert.NotEqual(t, fp1, Fingerprint([]byte("different-key-material")))
}

func TestSafetyNumberSymmetric(t *testing.T) {
	a := []byte("alice-public-key")
	b := []byte("bob-public-key")

	sn := SafetyNumber(a, b)
	assert.Equal(t, sn, SafetyNumber(b, a))

	// 25 digits in 5 blocks of 5.
	blocks := strings.Split(sn, " ")
	require.Len(t, blocks, 5)
	for _, block := range blocks {
		assert.Len(t, block, 5)
		for _, r := range block {
			assert.True(t, r >= '0' && r <= '9', "non-digit %q in safety number", r)
		}
	}

	assert.NotEqual(t, sn, SafetyNumber(a, []byte("mallory-public-key")))
}

func TestVerificationWordsSymmetric(t *testing.T) {
	a := []byte("alice-public-key")
	b := []byte("bob-public-key")

	words := VerificationWords(a, b)
	assert.Equal(t, words, VerificationWords(b, a))
	assert.Len(t, strings.Fields(words), 6)

	for _, w := range strings.Fields(words) {
		assert.Contains(t, wordList, w)
	}
}

func TestQRPayloadRoundTrip(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	p, err := NewQRPayload("peer-1", "Alice", id)
	require.NoError(t, err)

	data, err := p.Encode()
	require.NoError(t, err)

	got, err := VerifyQRPayload(data, "peer-1", id)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, Fingerprint(id.PublicKey()), got.Fingerprint)
}

func TestQRPayloadFingerprintMismatchRejected(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	other, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	p, err := NewQRPayload("peer-1", "Alice", id)
	require.NoError(t, err)

	// Substitute the public key; the embedded fingerprint no longer matches.
	p.PublicKey = other.PublicKey()
	data, err := p.Encode()
	require.NoError(t, err)

	_, err = VerifyQRPayload(data, "peer-1", id)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestQRPayloadWrongContactRejected(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	p, err := NewQRPayload("peer-1", "Alice", id)
	require.NoError(t, err)
	data, err := p.Encode()
	require.NoError(t, err)

	_, err = VerifyQRPayload(data, "peer-2", id)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestChallengeResponseSuccess(t *testing.T) {
	verifier, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ch := NewChallenger(verifier)
	s, err := ch.Begin("peer-1", Fingerprint(peer.PublicKey()))
	require.NoError(t, err)
	assert.Equal(t, StatePending, s.State)
	assert.GreaterOrEqual(t, len(s.Nonce), NonceSize)

	sig, err := Respond(s.Nonce, peer)
	require.NoError(t, err)

	state, err := ch.Complete(s.ID, sig, peer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, StateVerified, state)
}

func TestChallengeResponseWrongKeyFails(t *testing.T) {
	verifier, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	impostor, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ch := NewChallenger(verifier)
	s, err := ch.Begin("peer-1", Fingerprint(peer.PublicKey()))
	require.NoError(t, err)

	// The impostor signs correctly with its own key, but the
	// fingerprint cross-check catches the substitution.
	sig, err := Respond(s.Nonce, impostor)
	require.NoError(t, err)

	state, err := ch.Complete(s.ID, sig, impostor.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestChallengeRetryAfterFailure(t *testing.T) {
	verifier, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ch := NewChallenger(verifier)
	s, err := ch.Begin("peer-1", Fingerprint(peer.PublicKey()))
	require.NoError(t, err)

	_, err = ch.Complete(s.ID, []byte("garbage"), peer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, ch.Session(s.ID).State)

	oldNonce := append([]byte(nil), s.Nonce...)
	retried, err := ch.Retry(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, retried.State)
	assert.NotEqual(t, oldNonce, retried.Nonce)

	sig, err := Respond(retried.Nonce, peer)
	require.NoError(t, err)
	state, err := ch.Complete(s.ID, sig, peer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, StateVerified, state)
}

func TestChallengeUnknownSession(t *testing.T) {
	verifier, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ch := NewChallenger(verifier)
	_, err = ch.Complete("nope", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSessionAccessorsReturnCopies(t *testing.T) {
	local, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ch := NewChallenger(local)
	s, err := ch.Begin("peer-1", Fingerprint(peer.PublicKey()))
	require.NoError(t, err)

	// Mutating what Begin or Session hand out must not touch the
	// tracked state.
	s.State = StateVerified
	s.Nonce[0] ^= 0xff

	got := ch.Session(s.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatePending, got.State)
	assert.NotEqual(t, s.Nonce[0], got.Nonce[0])

	got.State = StateFailed
	assert.Equal(t, StatePending, ch.Session(s.ID).State)
}

func TestChallengerConcurrentAccess(t *testing.T) {
	local, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	ch := NewChallenger(local)
	s, err := ch.Begin("peer-1", Fingerprint(peer.PublicKey()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if sess := ch.Session(s.ID); sess != nil {
					_ = sess.State
					_, _ = ch.Retry(sess.ID)
				}
			}
		}()
	}

	sig, err := Respond(s.Nonce, peer)
	require.NoError(t, err)
	state, err := ch.Complete(s.ID, sig, peer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, StateVerified, state)

	wg.Wait()
	assert.Equal(t, StateVerified, ch.Session(s.ID).State)
}
