// Package service implements the vote ingress. It drives every submission
// through the state machine NOT_VOTED, ENCRYPTING, LEDGER_PENDING, then
// RECORDED or REJECTED, and it is the only writer of the ballots and the
// receipts.
//
// The ledger is the authority on duplicates. The local unique submission
// record is a second guard and the reconciliation brings both back in line
// after a failure between the ledger write and the local write.
package service

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"time"

	"evote-backend/apperr"
	"evote-backend/encryption"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/receipt"
	"evote-backend/registry"
	"evote-backend/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

var (
	submissionBucket = []byte("submissions")
	ballotBucket     = []byte("ballots")
	voterIndexBucket = []byte("voter_index")
	txIndexBucket    = []byte("tx_index")
)

// Elections is the directory of elections.
type Elections interface {
	CheckOpen(electionID string, now time.Time) (registry.Election, error)
}

// Recorder writes the votes on the ledger and reads them back.
type Recorder interface {
	Record(ctx context.Context, electionID, candidateID, voterAddress string) (string, error)
	HasVoted(ctx context.Context, electionID, voterAddress string) (bool, error)
	TxStatus(ctx context.Context, txRef string) (models.TxStatus, error)
	FindVote(ctx context.Context, electionID, voterAddress string) (models.LedgerVoteRecord, bool, error)
}

// PassChecker consumes the biometric pass of a user.
type PassChecker interface {
	ConsumePass(ctx context.Context, userID string) error
}

// KeyStore releases the private key of an election.
type KeyStore interface {
	PrivateKey(ctx context.Context, electionID string) (*rsa.PrivateKey, error)
}

type queue interface {
	Enqueue(electionID, voterID string) bool
}

// Params are the dependencies and settings of the voting service.
type Params struct {
	DB        storage.DB
	Elections Elections
	Recorder  Recorder
	Keys      KeyStore
	Passes    PassChecker

	RequireBiometricPass bool
	// StaleAfter is the age after which a submission unknown to the ledger is
	// abandoned by the reconciliation.
	StaleAfter time.Duration
	Clock      func() time.Time
}

// VotingService is the vote ingress.
type VotingService struct {
	db          storage.DB
	elections   Elections
	recorder    Recorder
	keys        KeyStore
	passes      PassChecker
	requirePass bool
	staleAfter  time.Duration
	clock       func() time.Time
	locks       *keyedMutex
	queue       queue
	logger      zerolog.Logger
}

// Status is the view of a voter on its submission.
type Status struct {
	ElectionID       string           `json:"electionId"`
	State            models.VoteState `json:"state"`
	LedgerTxRef      string           `json:"ledgerTxRef,omitempty"`
	ReceiptHash      string           `json:"receiptHash,omitempty"`
	HasVotedOnLedger bool             `json:"hasVotedOnLedger"`
}

// NewVotingService returns a voting service.
func NewVotingService(params Params) (*VotingService, error) {
	if params.DB == nil || params.Elections == nil || params.Recorder == nil {
		return nil, xerrors.New("db, elections and recorder are required")
	}

	if params.StaleAfter <= 0 {
		params.StaleAfter = 5 * time.Minute
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}

	return &VotingService{
		db:          params.DB,
		elections:   params.Elections,
		recorder:    params.Recorder,
		keys:        params.Keys,
		passes:      params.Passes,
		requirePass: params.RequireBiometricPass,
		staleAfter:  params.StaleAfter,
		clock:       params.Clock,
		locks:       newKeyedMutex(),
		logger:      logging.Component("ingress"),
	}, nil
}

// SubmitEncryptedVote records the ballot of the voter and returns the receipt.
// No receipt exists before the ledger confirmed the vote.
func (s *VotingService) SubmitEncryptedVote(ctx context.Context, voter models.VoterContext,
	electionID, candidateID string, ballot models.EncryptedBallot) (models.VoteReceipt, error) {

	start := s.clock()

	r, err := s.submit(ctx, voter, electionID, candidateID, ballot)

	promSubmitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		promVotes.WithLabelValues(string(apperr.KindOf(err))).Inc()
	} else {
		promVotes.WithLabelValues("RECORDED").Inc()
	}

	return r, err
}

func (s *VotingService) submit(ctx context.Context, voter models.VoterContext,
	electionID, candidateID string, ballot models.EncryptedBallot) (models.VoteReceipt, error) {

	req, err := s.verifyRequest(voter, electionID, candidateID, ballot, s.clock())
	if err != nil {
		return models.VoteReceipt{}, err
	}

	logger := s.logger.With().
		Str("election", electionID).
		Str("voter", req.voter.VoterID).
		Logger()

	unlock := s.locks.Lock(lockKey(electionID, req.voter.VoterID))
	defer unlock()

	sub, found, err := s.loadSubmission(electionID, req.voter.VoterID)
	if err != nil {
		return models.VoteReceipt{}, err
	}

	if found {
		switch sub.State {
		case models.StateRecorded:
			return models.VoteReceipt{}, xerrors.Errorf("voter already recorded: %w", apperr.ErrDuplicateVote)
		case models.StateEncrypting, models.StateLedgerPending:
			state, err := s.reconcileLocked(ctx, sub)
			if err != nil {
				return models.VoteReceipt{}, err
			}

			switch state {
			case models.StateRecorded:
				return models.VoteReceipt{}, xerrors.Errorf("voter already recorded: %w", apperr.ErrDuplicateVote)
			case models.StateRejected:
				// abandoned by the reconciliation, the voter may try again
			default:
				return models.VoteReceipt{}, xerrors.Errorf("previous submission %s: %w",
					sub.LedgerTxRef, apperr.ErrLedgerPending)
			}
		}
	}

	voted, err := s.recorder.HasVoted(ctx, electionID, req.voter.VoterAddress)
	if err != nil {
		return models.VoteReceipt{}, err
	}
	if voted {
		logger.Warn().Msg("address already voted on the ledger")
		s.reject(models.Submission{
			VoterID:      req.voter.VoterID,
			ElectionID:   electionID,
			VoterAddress: req.voter.VoterAddress,
			CreatedAt:    s.clock().Unix(),
		})
		return models.VoteReceipt{}, xerrors.Errorf("address on the ledger: %w", apperr.ErrDuplicateVote)
	}

	err = s.checkBiometricPass(ctx, req.voter.UserID)
	if err != nil {
		return models.VoteReceipt{}, err
	}

	sub, err = s.insertSubmission(req)
	if err != nil {
		return models.VoteReceipt{}, err
	}

	txRef, err := s.recorder.Record(ctx, electionID, candidateID, req.voter.VoterAddress)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrDuplicateVote):
		logger.Warn().Msg("ledger refused a duplicate vote")
		s.reject(sub)
		return models.VoteReceipt{}, err
	case errors.Is(err, apperr.ErrLedgerPending):
		s.markPending(sub, txRef)
		s.enqueue(sub)
		return models.VoteReceipt{}, err
	default:
		// the ledger may or may not have the vote, the reconciliation finds out
		logger.Warn().Err(err).Msg("ledger failure, submission kept for reconciliation")
		s.enqueue(sub)
		return models.VoteReceipt{}, err
	}

	sub = s.markPending(sub, txRef)

	r, err := s.finalize(sub, txRef)
	if err != nil {
		logger.Err(err).Str("tx", txRef).Msg("failed to finalize a confirmed vote")
		s.enqueue(sub)
		return models.VoteReceipt{}, err
	}

	logger.Info().Str("tx", txRef).Msg("vote recorded")

	return r, nil
}

// VoteStatus returns the local state of the submission together with the
// ledger view. A client must check it before retrying a failed submission.
func (s *VotingService) VoteStatus(ctx context.Context, voter models.VoterContext, electionID string) (Status, error) {
	if voter.VoterID == "" || electionID == "" {
		return Status{}, xerrors.Errorf("missing voter or election: %w", apperr.ErrEncoding)
	}

	status := Status{
		ElectionID: electionID,
		State:      models.StateNotVoted,
	}

	sub, found, err := s.loadSubmission(electionID, voter.VoterID)
	if err != nil {
		return Status{}, err
	}
	if found {
		status.State = sub.State
		status.LedgerTxRef = sub.LedgerTxRef
		if sub.State == models.StateRecorded {
			status.ReceiptHash = sub.ReceiptHash
		}
	}

	addr := sub.VoterAddress
	if voter.VoterAddress != "" {
		addr, err = encryption.NormalizeAddress(voter.VoterAddress)
		if err != nil {
			return Status{}, err
		}
	}
	if addr == "" {
		return status, nil
	}

	status.HasVotedOnLedger, err = s.recorder.HasVoted(ctx, electionID, addr)
	if err != nil {
		return Status{}, err
	}

	return status, nil
}

func (s *VotingService) insertSubmission(req ballotRequest) (models.Submission, error) {
	generated, err := receipt.MakeReceipt(req.ballot.Ciphertext, req.voter.VoterID, req.electionID)
	if err != nil {
		return models.Submission{}, err
	}

	now := s.clock().Unix()

	ballot := req.ballot
	ballot.ID = uuid.New().String()
	ballot.VoterID = req.voter.VoterID
	ballot.CreatedAt = now

	sub := models.Submission{
		VoterID:      req.voter.VoterID,
		ElectionID:   req.electionID,
		VoterAddress: req.voter.VoterAddress,
		State:        models.StateEncrypting,
		Ballot:       ballot,
		Salt:         generated.Salt,
		ReceiptHash:  generated.Hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	key := storage.CompositeKey(req.electionID, req.voter.VoterID)

	err = s.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(submissionBucket)
		if err != nil {
			return err
		}

		var existing models.Submission
		found, err := storage.GetJSON(bucket, key, &existing)
		if err != nil {
			return err
		}
		if found && existing.State != models.StateRejected {
			return xerrors.Errorf("submission in state %s: %w", existing.State, apperr.ErrDuplicateVote)
		}

		return storage.SetJSON(bucket, key, sub)
	})
	if err != nil {
		return models.Submission{}, xerrors.Errorf("failed to insert submission: %w", err)
	}

	return sub, nil
}

func (s *VotingService) loadSubmission(electionID, voterID string) (models.Submission, bool, error) {
	var sub models.Submission
	var found bool

	err := s.db.View(func(tx storage.ReadableTx) error {
		var err error
		found, err = storage.GetJSON(tx.GetBucket(submissionBucket), storage.CompositeKey(electionID, voterID), &sub)
		return err
	})
	if err != nil {
		return sub, false, xerrors.Errorf("failed to read submission: %v", err)
	}

	return sub, found, nil
}

func (s *VotingService) saveSubmission(sub models.Submission) error {
	sub.UpdatedAt = s.clock().Unix()

	err := s.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(submissionBucket)
		if err != nil {
			return err
		}

		return storage.SetJSON(bucket, storage.CompositeKey(sub.ElectionID, sub.VoterID), sub)
	})
	if err != nil {
		return xerrors.Errorf("failed to save submission: %v", err)
	}

	return nil
}

func (s *VotingService) deleteSubmission(sub models.Submission) error {
	err := s.db.Update(func(tx storage.WritableTx) error {
		bucket, err := tx.GetBucketOrCreate(submissionBucket)
		if err != nil {
			return err
		}

		return bucket.Delete(storage.CompositeKey(sub.ElectionID, sub.VoterID))
	})
	if err != nil {
		return xerrors.Errorf("failed to delete submission: %v", err)
	}

	return nil
}

func (s *VotingService) markPending(sub models.Submission, txRef string) models.Submission {
	sub.State = models.StateLedgerPending
	sub.LedgerTxRef = txRef

	err := s.saveSubmission(sub)
	if err != nil {
		s.logger.Err(err).Str("tx", txRef).Msg("failed to persist the ledger reference")
	}

	return sub
}

// reject marks the submission as refused. The ballot is not kept.
func (s *VotingService) reject(sub models.Submission) {
	sub.State = models.StateRejected
	sub.Ballot = models.EncryptedBallot{}
	sub.Salt = nil
	sub.ReceiptHash = ""

	err := s.saveSubmission(sub)
	if err != nil {
		s.logger.Err(err).Msg("failed to persist the rejection")
	}
}

func (s *VotingService) enqueue(sub models.Submission) {
	if s.queue == nil {
		return
	}

	s.queue.Enqueue(sub.ElectionID, sub.VoterID)
}

// finalize writes the ballot, the receipt and the indexes, and marks the
// submission as recorded, in a single transaction. It is idempotent for a
// given ledger transaction.
func (s *VotingService) finalize(sub models.Submission, txRef string) (models.VoteReceipt, error) {
	var r models.VoteReceipt

	err := s.db.Update(func(tx storage.WritableTx) error {
		txIndex, err := tx.GetBucketOrCreate(txIndexBucket)
		if err != nil {
			return err
		}

		existingHash := txIndex.Get([]byte(txRef))
		if existingHash != nil {
			var found bool
			r, found, err = receipt.Get(tx, string(existingHash))
			if err != nil {
				return err
			}
			if !found {
				return xerrors.Errorf("tx %s indexes a missing receipt", txRef)
			}
			if r.ElectionID != sub.ElectionID {
				return xerrors.Errorf("tx %s belongs to another election: %w", txRef, apperr.ErrIntegrity)
			}

			voterIndex := tx.GetBucket(voterIndexBucket)
			if voterIndex == nil || !bytes.Equal(voterIndex.Get(storage.CompositeKey(sub.ElectionID, sub.VoterID)), existingHash) {
				return xerrors.Errorf("tx %s was recorded for another voter: %w", txRef, apperr.ErrDuplicateVote)
			}
		} else {
			r = models.VoteReceipt{
				ReceiptHash: receipt.Derive(sub.Ballot.Ciphertext, sub.VoterID, sub.ElectionID, sub.Salt),
				ElectionID:  sub.ElectionID,
				BallotID:    sub.Ballot.ID,
				Salt:        sub.Salt,
				Timestamp:   s.clock().Unix(),
				LedgerTxRef: txRef,
			}

			ballots, err := tx.GetBucketOrCreate(ballotBucket)
			if err != nil {
				return err
			}

			err = storage.SetJSON(ballots, storage.CompositeKey(sub.ElectionID, sub.Ballot.ID), sub.Ballot)
			if err != nil {
				return err
			}

			err = receipt.Put(tx, r)
			if err != nil {
				return err
			}

			voterIndex, err := tx.GetBucketOrCreate(voterIndexBucket)
			if err != nil {
				return err
			}

			voterKey := storage.CompositeKey(sub.ElectionID, sub.VoterID)
			if voterIndex.Get(voterKey) != nil {
				return xerrors.Errorf("voter already has a receipt: %w", apperr.ErrDuplicateVote)
			}

			err = voterIndex.Set(voterKey, []byte(r.ReceiptHash))
			if err != nil {
				return err
			}

			err = txIndex.Set([]byte(txRef), []byte(r.ReceiptHash))
			if err != nil {
				return err
			}
		}

		submissions, err := tx.GetBucketOrCreate(submissionBucket)
		if err != nil {
			return err
		}

		sub.State = models.StateRecorded
		sub.LedgerTxRef = txRef
		sub.ReceiptHash = r.ReceiptHash
		sub.UpdatedAt = s.clock().Unix()

		return storage.SetJSON(submissions, storage.CompositeKey(sub.ElectionID, sub.VoterID), sub)
	})
	if err != nil {
		return models.VoteReceipt{}, xerrors.Errorf("failed to finalize vote: %w", err)
	}

	return r, nil
}

func lockKey(electionID, voterID string) string {
	return string(storage.CompositeKey(electionID, voterID))
}
