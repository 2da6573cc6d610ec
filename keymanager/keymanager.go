// Package keymanager owns the RSA keypair of every election. The public key is
// handed out for client-side encryption; the private key is sealed at rest and
// only released to the decryption path.
package keymanager

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"io"
	"sync"
	"time"

	"evote-backend/apperr"
	"evote-backend/encryption"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/storage"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

var bucketName = []byte("election_keys")

// Anchor publishes the fingerprint of an election key and returns the
// reference of the record.
type Anchor interface {
	AnchorKey(ctx context.Context, electionID, fingerprint string) (string, error)
}

// PublicKey is the public view of an election keypair.
type PublicKey struct {
	ElectionID   string `json:"electionId"`
	PublicKeyPEM string `json:"publicKey"`
	Fingerprint  string `json:"fingerprint"`
	AnchorTxRef  string `json:"anchorTxRef,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// Manager generates, stores and releases election keys.
type Manager struct {
	sync.Mutex

	db     storage.DB
	secret []byte
	bits   int
	anchor Anchor
	logger zerolog.Logger
}

// Option changes the default behaviour of the manager.
type Option func(*Manager)

// WithAnchor publishes the fingerprint of every generated key.
func WithAnchor(anchor Anchor) Option {
	return func(m *Manager) {
		m.anchor = anchor
	}
}

// WithKeySize sets the size of the generated RSA keys.
func WithKeySize(bits int) Option {
	return func(m *Manager) {
		m.bits = bits
	}
}

// NewManager returns a manager sealing the private keys with keys derived from
// the master secret.
func NewManager(db storage.DB, masterSecret []byte, opts ...Option) (*Manager, error) {
	if len(masterSecret) < 32 {
		return nil, xerrors.New("master secret must be at least 32 bytes")
	}

	m := &Manager{
		db:     db,
		secret: masterSecret,
		bits:   3072,
		logger: logging.Component("keymanager"),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.bits < 2048 {
		return nil, xerrors.Errorf("rsa key size %d below 2048", m.bits)
	}

	return m, nil
}

// GenerateElectionKeys creates the keypair of the election. An existing
// keypair is never replaced.
func (m *Manager) GenerateElectionKeys(ctx context.Context, electionID string) (PublicKey, error) {
	if electionID == "" {
		return PublicKey{}, xerrors.Errorf("missing election id: %w", apperr.ErrEncoding)
	}

	m.Lock()
	defer m.Unlock()

	_, found, err := m.load(electionID)
	if err != nil {
		return PublicKey{}, err
	}
	if found {
		return PublicKey{}, xerrors.Errorf("keys of election '%s': %w", electionID, apperr.ErrAlreadyExists)
	}

	priv, err := rsa.GenerateKey(rand.Reader, m.bits)
	if err != nil {
		return PublicKey{}, xerrors.Errorf("failed to generate key: %v", err)
	}

	pubPEM, fingerprint, err := encryption.MarshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return PublicKey{}, err
	}

	sealKey, err := m.sealKey(electionID)
	if err != nil {
		return PublicKey{}, err
	}

	sealed, nonce, err := encryption.Seal(sealKey, x509.MarshalPKCS1PrivateKey(priv))
	if err != nil {
		return PublicKey{}, xerrors.Errorf("failed to seal private key: %v", err)
	}

	pair := models.ElectionKeyPair{
		ElectionID:       electionID,
		PublicKeyPEM:     pubPEM,
		SealedPrivateKey: sealed,
		SealNonce:        nonce,
		Fingerprint:      fingerprint,
		CreatedAt:        time.Now().Unix(),
	}

	err = m.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(bucketName)
		if err != nil {
			return err
		}

		if bucket.Get([]byte(electionID)) != nil {
			return xerrors.Errorf("keys of election '%s': %w", electionID, apperr.ErrAlreadyExists)
		}

		return storage.SetJSON(bucket, []byte(electionID), pair)
	})
	if err != nil {
		return PublicKey{}, xerrors.Errorf("failed to store keys: %w", err)
	}

	m.logger.Info().
		Str("election", electionID).
		Str("fingerprint", fingerprint).
		Int("bits", m.bits).
		Msg("election keys generated")

	if m.anchor != nil {
		pair, err = m.publish(ctx, pair)
		if err != nil {
			// the keypair stays valid, Anchor or AnchorPending publishes it later
			m.logger.Warn().Err(err).Str("election", electionID).Msg("failed to anchor key")
		}
	}

	return publicView(pair), nil
}

// Anchor publishes the fingerprint of an election key that has not been
// anchored yet. A key already anchored is returned as it is.
func (m *Manager) Anchor(ctx context.Context, electionID string) (PublicKey, error) {
	if m.anchor == nil {
		return PublicKey{}, xerrors.New("no ledger to anchor keys")
	}

	m.Lock()
	defer m.Unlock()

	pair, found, err := m.load(electionID)
	if err != nil {
		return PublicKey{}, err
	}
	if !found {
		return PublicKey{}, xerrors.Errorf("keys of election '%s': %w", electionID, apperr.ErrNotFound)
	}

	if pair.AnchorTxRef == "" {
		pair, err = m.publish(ctx, pair)
		if err != nil {
			return PublicKey{}, err
		}
	}

	return publicView(pair), nil
}

// AnchorPending publishes every fingerprint missing from the ledger and
// returns the number of keys anchored.
func (m *Manager) AnchorPending(ctx context.Context) (int, error) {
	if m.anchor == nil {
		return 0, nil
	}

	keys, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, key := range keys {
		if key.AnchorTxRef != "" {
			continue
		}

		_, err = m.Anchor(ctx, key.ElectionID)
		if err != nil {
			return count, xerrors.Errorf("failed to anchor election '%s': %w", key.ElectionID, err)
		}

		count++
	}

	return count, nil
}

// publish anchors the fingerprint and stores the reference. The caller holds
// the lock.
func (m *Manager) publish(ctx context.Context, pair models.ElectionKeyPair) (models.ElectionKeyPair, error) {
	ref, err := m.anchor.AnchorKey(ctx, pair.ElectionID, pair.Fingerprint)
	if errors.Is(err, apperr.ErrAlreadyExists) {
		return pair, xerrors.Errorf("ledger holds another fingerprint for '%s': %w",
			pair.ElectionID, apperr.ErrIntegrity)
	}
	if err != nil {
		return pair, err
	}

	anchored := pair
	anchored.AnchorTxRef = ref

	err = m.store(anchored)
	if err != nil {
		return pair, err
	}

	m.logger.Info().
		Str("election", pair.ElectionID).
		Str("tx", ref).
		Msg("election key anchored")

	return anchored, nil
}

// GetPublicKey returns the public key of the election.
func (m *Manager) GetPublicKey(ctx context.Context, electionID string) (PublicKey, error) {
	pair, found, err := m.load(electionID)
	if err != nil {
		return PublicKey{}, err
	}
	if !found {
		return PublicKey{}, xerrors.Errorf("keys of election '%s': %w", electionID, apperr.ErrNotFound)
	}

	return publicView(pair), nil
}

// PrivateKey unseals the private key of the election. It must only be reached
// from the decryption path.
func (m *Manager) PrivateKey(ctx context.Context, electionID string) (*rsa.PrivateKey, error) {
	pair, found, err := m.load(electionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.Errorf("keys of election '%s': %w", electionID, apperr.ErrNotFound)
	}

	sealKey, err := m.sealKey(electionID)
	if err != nil {
		return nil, err
	}

	der, err := encryption.Open(sealKey, pair.SealNonce, pair.SealedPrivateKey)
	if err != nil {
		m.logger.Warn().Str("election", electionID).Msg("private key cannot be unsealed")
		return nil, xerrors.Errorf("failed to unseal key: %w", apperr.ErrAccessDenied)
	}

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse key: %w", apperr.ErrAccessDenied)
	}

	return priv, nil
}

// List returns the public view of every election keypair.
func (m *Manager) List(ctx context.Context) ([]PublicKey, error) {
	var keys []PublicKey

	err := m.db.View(func(tx storage.ReadableTx) error {
		bucket := tx.GetBucket(bucketName)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var pair models.ElectionKeyPair
			_, err := storage.GetJSON(bucket, k, &pair)
			if err != nil {
				return err
			}

			keys = append(keys, publicView(pair))
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list keys: %v", err)
	}

	return keys, nil
}

func (m *Manager) load(electionID string) (models.ElectionKeyPair, bool, error) {
	var pair models.ElectionKeyPair
	var found bool

	err := m.db.View(func(tx storage.ReadableTx) error {
		var err error
		found, err = storage.GetJSON(tx.GetBucket(bucketName), []byte(electionID), &pair)
		return err
	})
	if err != nil {
		return pair, false, xerrors.Errorf("failed to read keys: %v", err)
	}

	return pair, found, nil
}

func (m *Manager) store(pair models.ElectionKeyPair) error {
	err := m.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(bucketName)
		if err != nil {
			return err
		}

		return storage.SetJSON(bucket, []byte(pair.ElectionID), pair)
	})
	if err != nil {
		return xerrors.Errorf("failed to store keys: %v", err)
	}

	return nil
}

// sealKey derives the AES key protecting the private key of the election.
func (m *Manager) sealKey(electionID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, m.secret, []byte(electionID), []byte("election-key-seal"))

	key := make([]byte, 32)
	_, err := io.ReadFull(kdf, key)
	if err != nil {
		return nil, xerrors.Errorf("failed to derive seal key: %v", err)
	}

	return key, nil
}

func publicView(pair models.ElectionKeyPair) PublicKey {
	return PublicKey{
		ElectionID:   pair.ElectionID,
		PublicKeyPEM: pair.PublicKeyPEM,
		Fingerprint:  pair.Fingerprint,
		AnchorTxRef:  pair.AnchorTxRef,
		CreatedAt:    pair.CreatedAt,
	}
}
