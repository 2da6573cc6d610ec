// Package receipt derives the vote receipts and verifies them. A receipt hash
// binds the ciphertext, the voter, the election and a random salt, so that it
// proves participation without revealing the choice.
package receipt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"evote-backend/apperr"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/storage"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// SaltSize is the size in bytes of the receipt salt.
const SaltSize = 32

// BucketName is the bucket holding the receipts indexed by their hash.
var BucketName = []byte("receipts")

// Receipt is the output of the generator.
type Receipt struct {
	Hash string
	Salt []byte
}

// MakeReceipt derives a receipt with a fresh salt.
func MakeReceipt(ciphertext []byte, voterID, electionID string) (Receipt, error) {
	salt := make([]byte, SaltSize)
	_, err := rand.Read(salt)
	if err != nil {
		return Receipt{}, xerrors.Errorf("failed to read salt: %v", err)
	}

	return Receipt{
		Hash: Derive(ciphertext, voterID, electionID, salt),
		Salt: salt,
	}, nil
}

// Derive returns the hex SHA-256 of ciphertext, voterID, electionID and salt.
// It is deterministic so that a receipt can be derived again after a crash.
func Derive(ciphertext []byte, voterID, electionID string, salt []byte) string {
	h := sha256.New()
	h.Write(ciphertext)
	h.Write([]byte(voterID))
	h.Write([]byte(electionID))
	h.Write(salt)

	return hex.EncodeToString(h.Sum(nil))
}

// Put stores the receipt in the transaction. A receipt is immutable: storing
// a different receipt under an existing hash fails.
func Put(tx storage.WritableTx, r models.VoteReceipt) error {
	bucket, err := tx.GetBucketOrCreate(BucketName)
	if err != nil {
		return err
	}

	var existing models.VoteReceipt
	found, err := storage.GetJSON(bucket, []byte(r.ReceiptHash), &existing)
	if err != nil {
		return err
	}
	if found {
		if existing.BallotID == r.BallotID && existing.LedgerTxRef == r.LedgerTxRef {
			return nil
		}
		return xerrors.Errorf("receipt %s: %w", r.ReceiptHash, apperr.ErrAlreadyExists)
	}

	return storage.SetJSON(bucket, []byte(r.ReceiptHash), r)
}

// Get reads the receipt of the given hash.
func Get(tx storage.ReadableTx, hash string) (models.VoteReceipt, bool, error) {
	var r models.VoteReceipt
	found, err := storage.GetJSON(tx.GetBucket(BucketName), []byte(hash), &r)
	return r, found, err
}

// Elections gives the title of an election.
type Elections interface {
	Title(electionID string) (string, bool)
}

// TxStatusReader reads the status of a ledger transaction.
type TxStatusReader interface {
	TxStatus(ctx context.Context, txRef string) (models.TxStatus, error)
}

// VerificationResult is what a voter learns from a receipt. It never includes
// the candidate.
type VerificationResult struct {
	ReceiptHash     string `json:"receiptHash"`
	ElectionID      string `json:"electionId"`
	ElectionTitle   string `json:"electionTitle"`
	Timestamp       int64  `json:"timestamp"`
	LedgerTxRef     string `json:"ledgerTxRef,omitempty"`
	LedgerConfirmed bool   `json:"ledgerConfirmed"`
}

// Verifier looks up receipts. It only reads.
type Verifier struct {
	db        storage.DB
	elections Elections
	ledger    TxStatusReader
	logger    zerolog.Logger
}

// NewVerifier returns a verifier. The ledger is optional and enables the
// confirmation check of the transaction.
func NewVerifier(db storage.DB, elections Elections, ledger TxStatusReader) *Verifier {
	return &Verifier{
		db:        db,
		elections: elections,
		ledger:    ledger,
		logger:    logging.Component("receipt"),
	}
}

// VerifyReceipt returns the public information of the receipt. A hash that is
// malformed or unknown is reported as not found.
func (v *Verifier) VerifyReceipt(ctx context.Context, hash string) (VerificationResult, error) {
	if !wellFormed(hash) {
		return VerificationResult{}, xerrors.Errorf("receipt: %w", apperr.ErrNotFound)
	}

	var r models.VoteReceipt
	var found bool

	err := v.db.View(func(tx storage.ReadableTx) error {
		var err error
		r, found, err = Get(tx, hash)
		return err
	})
	if err != nil {
		return VerificationResult{}, xerrors.Errorf("failed to read receipt: %v", err)
	}
	if !found {
		return VerificationResult{}, xerrors.Errorf("receipt: %w", apperr.ErrNotFound)
	}

	res := VerificationResult{
		ReceiptHash: r.ReceiptHash,
		ElectionID:  r.ElectionID,
		Timestamp:   r.Timestamp,
		LedgerTxRef: r.LedgerTxRef,
	}

	if v.elections != nil {
		res.ElectionTitle, _ = v.elections.Title(r.ElectionID)
	}

	if v.ledger != nil && r.LedgerTxRef != "" {
		status, err := v.ledger.TxStatus(ctx, r.LedgerTxRef)
		if err != nil {
			v.logger.Warn().Err(err).Str("tx", r.LedgerTxRef).Msg("ledger check failed")
		} else {
			res.LedgerConfirmed = status == models.TxConfirmed
		}
	}

	return res, nil
}

func wellFormed(hash string) bool {
	if len(hash) != 2*sha256.Size {
		return false
	}

	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}

	return true
}
