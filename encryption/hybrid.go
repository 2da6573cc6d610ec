// Package encryption implements the hybrid ballot cipher and the signing
// helpers of the ledger authority.
//
// A ballot is sealed with a fresh AES-256-GCM key, and that key is wrapped
// with the RSA-OAEP-SHA256 public key of the election. Only the holder of the
// election private key can recover the payload.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"time"

	"evote-backend/apperr"
	"evote-backend/models"

	"golang.org/x/xerrors"
)

// AlgorithmID identifies the only supported ballot scheme.
const AlgorithmID = "RSA-OAEP-256+A256GCM"

const (
	aesKeySize   = 32
	ivSize       = 12
	nonceSize    = 16
	gcmTagSize   = 16
	pemBlockType = "PUBLIC KEY"
)

// NewVotePayload returns the payload of a vote, stamped with the current time
// and a random nonce.
func NewVotePayload(candidateID, electionID, voterID string) (models.VotePayload, error) {
	nonce := make([]byte, nonceSize)
	_, err := rand.Read(nonce)
	if err != nil {
		return models.VotePayload{}, xerrors.Errorf("failed to read nonce: %v", err)
	}

	return models.VotePayload{
		CandidateID: candidateID,
		ElectionID:  electionID,
		VoterID:     voterID,
		Timestamp:   time.Now().UnixMilli(),
		Nonce:       nonce,
	}, nil
}

// EncryptBallot seals the payload for the owner of the public key.
func EncryptBallot(payload models.VotePayload, publicKeyPEM string) (models.EncryptedBallot, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return models.EncryptedBallot{}, err
	}

	if payload.CandidateID == "" || payload.ElectionID == "" || payload.VoterID == "" {
		return models.EncryptedBallot{}, xerrors.Errorf("payload has empty fields: %w", apperr.ErrEncoding)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return models.EncryptedBallot{}, xerrors.Errorf("failed to encode payload: %w", apperr.ErrEncoding)
	}

	key := make([]byte, aesKeySize)
	iv := make([]byte, ivSize)

	_, err = rand.Read(key)
	if err != nil {
		return models.EncryptedBallot{}, xerrors.Errorf("failed to generate key: %v", err)
	}
	_, err = rand.Read(iv)
	if err != nil {
		return models.EncryptedBallot{}, xerrors.Errorf("failed to generate iv: %v", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return models.EncryptedBallot{}, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return models.EncryptedBallot{}, xerrors.Errorf("failed to wrap key: %w", apperr.ErrKeyFormat)
	}

	return models.EncryptedBallot{
		ElectionID:  payload.ElectionID,
		VoterID:     payload.VoterID,
		Ciphertext:  gcm.Seal(nil, iv, plaintext, nil),
		WrappedKey:  wrapped,
		IV:          iv,
		AlgorithmID: AlgorithmID,
	}, nil
}

// DecryptBallot recovers the payload of the ballot. Any authentication failure
// is reported as an integrity error and no plaintext is returned.
func DecryptBallot(ballot models.EncryptedBallot, priv *rsa.PrivateKey) (models.VotePayload, error) {
	err := CheckShape(ballot)
	if err != nil {
		return models.VotePayload{}, err
	}

	if priv == nil {
		return models.VotePayload{}, xerrors.Errorf("missing private key: %w", apperr.ErrAccessDenied)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ballot.WrappedKey, nil)
	if err != nil || len(key) != aesKeySize {
		return models.VotePayload{}, xerrors.Errorf("failed to unwrap key: %w", apperr.ErrIntegrity)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return models.VotePayload{}, err
	}

	plaintext, err := gcm.Open(nil, ballot.IV, ballot.Ciphertext, nil)
	if err != nil {
		return models.VotePayload{}, xerrors.Errorf("failed to open ciphertext: %w", apperr.ErrIntegrity)
	}

	var payload models.VotePayload
	err = json.Unmarshal(plaintext, &payload)
	if err != nil {
		return models.VotePayload{}, xerrors.Errorf("failed to decode payload: %w", apperr.ErrEncoding)
	}

	if payload.ElectionID != ballot.ElectionID {
		return models.VotePayload{}, xerrors.Errorf("payload bound to election '%s': %w",
			payload.ElectionID, apperr.ErrIntegrity)
	}

	return payload, nil
}

// CheckShape verifies the structure of a ballot without any key material.
func CheckShape(ballot models.EncryptedBallot) error {
	switch {
	case ballot.AlgorithmID != AlgorithmID:
		return xerrors.Errorf("unsupported algorithm '%s': %w", ballot.AlgorithmID, apperr.ErrEncoding)
	case ballot.ElectionID == "":
		return xerrors.Errorf("missing election: %w", apperr.ErrEncoding)
	case len(ballot.IV) != ivSize:
		return xerrors.Errorf("iv must be %d bytes: %w", ivSize, apperr.ErrEncoding)
	case len(ballot.Ciphertext) <= gcmTagSize:
		return xerrors.Errorf("ciphertext too short: %w", apperr.ErrEncoding)
	case len(ballot.WrappedKey) == 0:
		return xerrors.Errorf("missing wrapped key: %w", apperr.ErrEncoding)
	}

	return nil
}

// ParsePublicKeyPEM decodes a PKIX RSA public key.
func ParsePublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != pemBlockType {
		return nil, xerrors.Errorf("no public key block: %w", apperr.ErrKeyFormat)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse public key: %w", apperr.ErrKeyFormat)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, xerrors.Errorf("invalid key type %T: %w", key, apperr.ErrKeyFormat)
	}

	return pub, nil
}

// MarshalPublicKeyPEM encodes the public key and returns its fingerprint, the
// hex SHA-256 of its DER form.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) (string, string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", xerrors.Errorf("failed to marshal public key: %v", err)
	}

	sum := sha256.Sum256(der)
	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})

	return string(data), hex.EncodeToString(sum[:]), nil
}

// Seal encrypts data with AES-256-GCM under key and returns the ciphertext and
// the nonce.
func Seal(key, data []byte) ([]byte, []byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to read nonce: %v", err)
	}

	return gcm.Seal(nil, nonce, data, nil), nonce, nil
}

// Open is the inverse of Seal.
func Open(key, nonce, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, xerrors.Errorf("invalid nonce size: %w", apperr.ErrIntegrity)
	}

	data, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to open: %w", apperr.ErrIntegrity)
	}

	return data, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("failed to create cipher: %v", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Errorf("failed to create gcm: %v", err)
	}

	return gcm, nil
}
