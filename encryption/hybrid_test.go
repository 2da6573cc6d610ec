package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"evote-backend/apperr"
	"evote-backend/models"

	"github.com/stretchr/testify/require"
)

func TestHybrid_RoundTrip(t *testing.T) {
	priv, pubPEM := makeKey(t)

	payload, err := NewVotePayload("cand-1", "election-1", "voter-1")
	require.NoError(t, err)
	require.Len(t, payload.Nonce, nonceSize)
	require.NotZero(t, payload.Timestamp)

	ballot, err := EncryptBallot(payload, pubPEM)
	require.NoError(t, err)
	require.Equal(t, AlgorithmID, ballot.AlgorithmID)
	require.Equal(t, "election-1", ballot.ElectionID)
	require.Len(t, ballot.IV, ivSize)
	require.NotContains(t, string(ballot.Ciphertext), "cand-1")

	decrypted, err := DecryptBallot(ballot, priv)
	require.NoError(t, err)
	require.Equal(t, payload, decrypted)
}

func TestHybrid_FreshKeyPerBallot(t *testing.T) {
	_, pubPEM := makeKey(t)

	payload, err := NewVotePayload("cand-1", "election-1", "voter-1")
	require.NoError(t, err)

	first, err := EncryptBallot(payload, pubPEM)
	require.NoError(t, err)
	second, err := EncryptBallot(payload, pubPEM)
	require.NoError(t, err)

	require.NotEqual(t, first.Ciphertext, second.Ciphertext)
	require.NotEqual(t, first.WrappedKey, second.WrappedKey)
	require.NotEqual(t, first.IV, second.IV)
}

func TestHybrid_TamperFailsIntegrity(t *testing.T) {
	priv, pubPEM := makeKey(t)

	payload, err := NewVotePayload("cand-1", "election-1", "voter-1")
	require.NoError(t, err)

	ballot, err := EncryptBallot(payload, pubPEM)
	require.NoError(t, err)

	for _, i := range []int{0, len(ballot.Ciphertext) / 2, len(ballot.Ciphertext) - 1} {
		tampered := copyBallot(ballot)
		tampered.Ciphertext[i] ^= 0x01

		_, err := DecryptBallot(tampered, priv)
		require.ErrorIs(t, err, apperr.ErrIntegrity)
	}

	for _, i := range []int{0, len(ballot.WrappedKey) / 2, len(ballot.WrappedKey) - 1} {
		tampered := copyBallot(ballot)
		tampered.WrappedKey[i] ^= 0x01

		_, err := DecryptBallot(tampered, priv)
		require.ErrorIs(t, err, apperr.ErrIntegrity)
	}

	tampered := copyBallot(ballot)
	tampered.IV[0] ^= 0x01
	_, err = DecryptBallot(tampered, priv)
	require.ErrorIs(t, err, apperr.ErrIntegrity)

	other, _ := makeKey(t)
	_, err = DecryptBallot(ballot, other)
	require.ErrorIs(t, err, apperr.ErrIntegrity)
}

func TestHybrid_ElectionSwapFailsIntegrity(t *testing.T) {
	priv, pubPEM := makeKey(t)

	payload, err := NewVotePayload("cand-1", "election-1", "voter-1")
	require.NoError(t, err)

	ballot, err := EncryptBallot(payload, pubPEM)
	require.NoError(t, err)

	ballot.ElectionID = "election-2"
	_, err = DecryptBallot(ballot, priv)
	require.ErrorIs(t, err, apperr.ErrIntegrity)
}

func TestHybrid_InvalidPEM(t *testing.T) {
	payload, err := NewVotePayload("cand-1", "election-1", "voter-1")
	require.NoError(t, err)

	_, err = EncryptBallot(payload, "not a pem")
	require.ErrorIs(t, err, apperr.ErrKeyFormat)
	require.Equal(t, apperr.KindKeyFormat, apperr.KindOf(err))

	_, err = ParsePublicKeyPEM("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")
	require.ErrorIs(t, err, apperr.ErrKeyFormat)
}

func TestHybrid_EmptyFields(t *testing.T) {
	_, pubPEM := makeKey(t)

	_, err := EncryptBallot(models.VotePayload{ElectionID: "e"}, pubPEM)
	require.ErrorIs(t, err, apperr.ErrEncoding)
}

func TestCheckShape(t *testing.T) {
	valid := models.EncryptedBallot{
		ElectionID:  "e",
		Ciphertext:  make([]byte, 32),
		WrappedKey:  make([]byte, 256),
		IV:          make([]byte, ivSize),
		AlgorithmID: AlgorithmID,
	}
	require.NoError(t, CheckShape(valid))

	invalid := []func(b *models.EncryptedBallot){
		func(b *models.EncryptedBallot) { b.AlgorithmID = "RSA1_5" },
		func(b *models.EncryptedBallot) { b.ElectionID = "" },
		func(b *models.EncryptedBallot) { b.IV = make([]byte, 16) },
		func(b *models.EncryptedBallot) { b.Ciphertext = make([]byte, gcmTagSize) },
		func(b *models.EncryptedBallot) { b.WrappedKey = nil },
	}

	for _, mutate := range invalid {
		ballot := copyBallot(valid)
		mutate(&ballot)
		require.ErrorIs(t, CheckShape(ballot), apperr.ErrEncoding)
	}
}

func TestSealOpen(t *testing.T) {
	key := make([]byte, aesKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, nonce, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	data, err := Open(key, nonce, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), data)

	sealed[0] ^= 0x01
	_, err = Open(key, nonce, sealed)
	require.ErrorIs(t, err, apperr.ErrIntegrity)

	_, err = Open(key, nonce[:4], sealed)
	require.ErrorIs(t, err, apperr.ErrIntegrity)
}

func TestMarshalPublicKeyPEM(t *testing.T) {
	priv, pubPEM := makeKey(t)

	pub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	require.True(t, priv.PublicKey.Equal(pub))

	again, fingerprint, err := MarshalPublicKeyPEM(pub)
	require.NoError(t, err)
	require.Equal(t, pubPEM, again)
	require.Len(t, fingerprint, 64)
}

// -----------------------------------------------------------------------------
// Utility functions

func makeKey(t *testing.T) (*rsa.PrivateKey, string) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubPEM, _, err := MarshalPublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)

	return priv, pubPEM
}

func copyBallot(b models.EncryptedBallot) models.EncryptedBallot {
	c := b
	c.Ciphertext = append([]byte{}, b.Ciphertext...)
	c.WrappedKey = append([]byte{}, b.WrappedKey...)
	c.IV = append([]byte{}, b.IV...)
	return c
}
