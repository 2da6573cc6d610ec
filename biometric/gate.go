// Package biometric implements the face descriptor gate that authorizes a
// vote. Enrolled descriptors are encrypted at rest with a per-user key, and
// the comparison itself is a pure function that can run on either side.
package biometric

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
	"time"

	"evote-backend/apperr"
	"evote-backend/encryption"
	"evote-backend/logging"
	"evote-backend/metrics"
	"evote-backend/models"
	"evote-backend/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

var (
	profileBucket = []byte("biometric_profiles")
	passBucket    = []byte("biometric_passes")
)

const saltSize = 16

var promVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "evote_biometric_verifications_total",
	Help: "server-side biometric verifications, by result",
}, []string{"result"})

func init() {
	metrics.PromCollectors = append(metrics.PromCollectors, promVerifications)
}

// Gate stores the enrolled descriptors and records the verification passes.
type Gate struct {
	db      storage.DB
	secret  []byte
	matcher Matcher
	passTTL time.Duration
	clock   func() time.Time
	logger  zerolog.Logger
}

// GateParams are the parameters of the gate.
type GateParams struct {
	Secret    []byte
	Threshold float64
	PassTTL   time.Duration
	Clock     func() time.Time
}

// NewGate returns a gate using the database.
func NewGate(db storage.DB, params GateParams) (*Gate, error) {
	if len(params.Secret) < 32 {
		return nil, xerrors.New("biometric secret must be at least 32 bytes")
	}

	if params.PassTTL <= 0 {
		params.PassTTL = 5 * time.Minute
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}

	return &Gate{
		db:      db,
		secret:  params.Secret,
		matcher: NewMatcher(params.Threshold),
		passTTL: params.PassTTL,
		clock:   params.Clock,
		logger:  logging.Component("biometric"),
	}, nil
}

// Matcher returns the matcher of the gate.
func (g *Gate) Matcher() Matcher {
	return g.matcher
}

// Enroll stores the descriptor of the user. A user is enrolled only once.
func (g *Gate) Enroll(ctx context.Context, userID string, descriptor []float64) error {
	if userID == "" {
		return xerrors.Errorf("missing user: %w", apperr.ErrEncoding)
	}

	err := Validate(descriptor)
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	_, err = rand.Read(salt)
	if err != nil {
		return xerrors.Errorf("failed to read salt: %v", err)
	}

	key, err := g.userKey(userID, salt)
	if err != nil {
		return err
	}

	sealed, nonce, err := encryption.Seal(key, encodeDescriptor(descriptor))
	if err != nil {
		return xerrors.Errorf("failed to encrypt descriptor: %v", err)
	}

	profile := models.BiometricProfile{
		UserID:              userID,
		EncryptedDescriptor: sealed,
		Nonce:               nonce,
		MatchingHash:        g.matchingHash(descriptor),
		Salt:                salt,
		CreatedAt:           g.clock().Unix(),
	}

	err = g.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(profileBucket)
		if err != nil {
			return err
		}

		if bucket.Get([]byte(userID)) != nil {
			return xerrors.Errorf("profile of '%s': %w", userID, apperr.ErrAlreadyExists)
		}

		return storage.SetJSON(bucket, []byte(userID), profile)
	})
	if err != nil {
		return xerrors.Errorf("failed to enroll: %w", err)
	}

	g.logger.Info().Str("user", userID).Msg("biometric profile enrolled")

	return nil
}

// Status reports whether the user is enrolled.
func (g *Gate) Status(ctx context.Context, userID string) (bool, error) {
	_, found, err := g.profile(userID)
	return found, err
}

// StoredDescriptor returns the decrypted descriptor of the user, for a
// comparison made by the client.
func (g *Gate) StoredDescriptor(ctx context.Context, userID string) ([]float64, error) {
	profile, found, err := g.profile(userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, xerrors.Errorf("profile of '%s': %w", userID, apperr.ErrNotFound)
	}

	return g.decrypt(profile)
}

// Verify compares a fresh descriptor with the enrolled one. On a match, a pass
// valid for the pass TTL is recorded for the user. A stored descriptor that
// cannot be decrypted never matches.
func (g *Gate) Verify(ctx context.Context, userID string, fresh []float64) (Comparison, error) {
	err := Validate(fresh)
	if err != nil {
		return Comparison{}, err
	}

	profile, found, err := g.profile(userID)
	if err != nil {
		return Comparison{}, err
	}
	if !found {
		return Comparison{}, xerrors.Errorf("profile of '%s': %w", userID, apperr.ErrNotFound)
	}

	stored, err := g.decrypt(profile)
	if err != nil {
		g.logger.Warn().Err(err).Str("user", userID).Msg("stored descriptor unreadable")
		stored = nil
	}

	res := g.matcher.Compare(stored, fresh)
	if !res.Matched {
		promVerifications.WithLabelValues("rejected").Inc()
		g.logger.Info().Str("user", userID).Float64("distance", res.Distance).Msg("biometric mismatch")
		return res, nil
	}

	pass := models.BiometricPass{
		UserID:    userID,
		Distance:  res.Distance,
		ExpiresAt: g.clock().Add(g.passTTL).Unix(),
	}

	err = g.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(passBucket)
		if err != nil {
			return err
		}

		return storage.SetJSON(bucket, []byte(userID), pass)
	})
	if err != nil {
		return Comparison{}, xerrors.Errorf("failed to record pass: %v", err)
	}

	promVerifications.WithLabelValues("matched").Inc()

	return res, nil
}

// ConsumePass removes the pass of the user. It fails when there is no pass or
// when it expired.
func (g *Gate) ConsumePass(ctx context.Context, userID string) error {
	now := g.clock().Unix()

	return g.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(passBucket)
		if err != nil {
			return err
		}

		var pass models.BiometricPass
		found, err := storage.GetJSON(bucket, []byte(userID), &pass)
		if err != nil {
			return err
		}
		if !found {
			return xerrors.Errorf("no pass for '%s': %w", userID, apperr.ErrBiometricRequired)
		}

		if pass.ExpiresAt <= now {
			return xerrors.Errorf("pass of '%s' expired: %w", userID, apperr.ErrBiometricRequired)
		}

		err = bucket.Delete([]byte(userID))
		if err != nil {
			return xerrors.Errorf("failed to delete pass: %v", err)
		}

		return nil
	})
}

// HasPass reports whether the user holds a valid pass.
func (g *Gate) HasPass(ctx context.Context, userID string) (bool, error) {
	var pass models.BiometricPass
	var found bool

	err := g.db.View(func(tx storage.ReadableTx) error {
		var err error
		found, err = storage.GetJSON(tx.GetBucket(passBucket), []byte(userID), &pass)
		return err
	})
	if err != nil {
		return false, xerrors.Errorf("failed to read pass: %v", err)
	}

	return found && pass.ExpiresAt > g.clock().Unix(), nil
}

func (g *Gate) profile(userID string) (models.BiometricProfile, bool, error) {
	var profile models.BiometricProfile
	var found bool

	err := g.db.View(func(tx storage.ReadableTx) error {
		var err error
		found, err = storage.GetJSON(tx.GetBucket(profileBucket), []byte(userID), &profile)
		return err
	})
	if err != nil {
		return profile, false, xerrors.Errorf("failed to read profile: %v", err)
	}

	return profile, found, nil
}

func (g *Gate) decrypt(profile models.BiometricProfile) ([]float64, error) {
	key, err := g.userKey(profile.UserID, profile.Salt)
	if err != nil {
		return nil, err
	}

	data, err := encryption.Open(key, profile.Nonce, profile.EncryptedDescriptor)
	if err != nil {
		return nil, xerrors.Errorf("failed to decrypt descriptor: %w", err)
	}

	descriptor, err := decodeDescriptor(data)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal([]byte(g.matchingHash(descriptor)), []byte(profile.MatchingHash)) {
		return nil, xerrors.Errorf("descriptor does not match its hash: %w", apperr.ErrIntegrity)
	}

	return descriptor, nil
}

// userKey derives the key of the descriptor of a user.
func (g *Gate) userKey(userID string, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, g.secret, salt, []byte("biometric:"+userID))

	key := make([]byte, 32)
	_, err := io.ReadFull(kdf, key)
	if err != nil {
		return nil, xerrors.Errorf("failed to derive key: %v", err)
	}

	return key, nil
}

// matchingHash is a keyed hash of the descriptor quantised to 1e-4.
func (g *Gate) matchingHash(descriptor []float64) string {
	mac := hmac.New(sha256.New, g.secret)

	buf := make([]byte, 8)
	for _, v := range descriptor {
		binary.BigEndian.PutUint64(buf, uint64(int64(math.Round(v*1e4))))
		mac.Write(buf)
	}

	return hex.EncodeToString(mac.Sum(nil))
}

func encodeDescriptor(descriptor []float64) []byte {
	buf := make([]byte, 8*len(descriptor))
	for i, v := range descriptor {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeDescriptor(data []byte) ([]float64, error) {
	if len(data) != 8*Dimension {
		return nil, xerrors.Errorf("descriptor of %d bytes: %w", len(data), apperr.ErrIntegrity)
	}

	descriptor := make([]float64, Dimension)
	for i := range descriptor {
		descriptor[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}

	return descriptor, nil
}
