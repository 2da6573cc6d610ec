package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"evote-backend/apperr"
	"evote-backend/models"
	"evote-backend/storage"

	"golang.org/x/xerrors"
)

// ReconcileReport counts the outcome of a reconciliation pass.
type ReconcileReport struct {
	Recorded int `json:"recorded"`
	Rejected int `json:"rejected"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
}

// Reconcile resolves every unfinished submission against the ledger.
func (s *VotingService) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var keys []models.Submission

	err := s.db.View(func(tx storage.ReadableTx) error {
		bucket := tx.GetBucket(submissionBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var sub models.Submission
			_, err := storage.GetJSON(bucket, k, &sub)
			if err != nil {
				return err
			}

			if !sub.State.Terminal() {
				keys = append(keys, models.Submission{ElectionID: sub.ElectionID, VoterID: sub.VoterID})
			}
			return nil
		})
	})
	if err != nil {
		return ReconcileReport{}, xerrors.Errorf("failed to scan submissions: %v", err)
	}

	var report ReconcileReport

	for _, key := range keys {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		state, err := s.ReconcileOne(ctx, key.ElectionID, key.VoterID)
		if err != nil {
			report.Failed++
			s.logger.Warn().Err(err).
				Str("election", key.ElectionID).
				Str("voter", key.VoterID).
				Msg("reconciliation failed")
			continue
		}

		switch state {
		case models.StateRecorded:
			report.Recorded++
		case models.StateRejected:
			report.Rejected++
		default:
			report.Pending++
		}
	}

	if len(keys) > 0 {
		s.logger.Info().
			Int("recorded", report.Recorded).
			Int("rejected", report.Rejected).
			Int("pending", report.Pending).
			Int("failed", report.Failed).
			Msg("reconciliation pass done")
	}

	return report, nil
}

// ReconcileOne resolves the submission of the voter and returns its state. A
// submission that disappeared is reported as not voted.
func (s *VotingService) ReconcileOne(ctx context.Context, electionID, voterID string) (models.VoteState, error) {
	unlock := s.locks.Lock(lockKey(electionID, voterID))
	defer unlock()

	sub, found, err := s.loadSubmission(electionID, voterID)
	if err != nil {
		return "", err
	}
	if !found {
		return models.StateNotVoted, nil
	}
	if sub.State.Terminal() {
		return sub.State, nil
	}

	return s.reconcileLocked(ctx, sub)
}

// reconcileLocked moves an unfinished submission forward. The caller holds
// the lock of the submission.
//
// A confirmed transaction leads to RECORDED with the receipt derived from the
// stored ciphertext and salt. A transaction still pending leaves the
// submission as it is. When the ledger knows nothing about the vote and the
// submission is stale, it is deleted so that the voter can submit again. A
// ledger vote held by another voter id with the same address rejects the
// submission.
func (s *VotingService) reconcileLocked(ctx context.Context, sub models.Submission) (models.VoteState, error) {
	if sub.LedgerTxRef != "" {
		status, err := s.recorder.TxStatus(ctx, sub.LedgerTxRef)
		if err != nil {
			return sub.State, err
		}

		switch status {
		case models.TxConfirmed:
			return s.recordReconciled(sub, sub.LedgerTxRef)
		case models.TxPending:
			return models.StateLedgerPending, nil
		}
	}

	record, found, err := s.recorder.FindVote(ctx, sub.ElectionID, sub.VoterAddress)
	if err != nil {
		return sub.State, err
	}

	if found {
		if sub.LedgerTxRef != "" && record.TxRef != sub.LedgerTxRef {
			// the address voted through another transaction
			s.reject(sub)
			promReconciled.WithLabelValues(string(models.StateRejected)).Inc()
			return models.StateRejected, nil
		}

		if sub.LedgerTxRef == "" {
			claimed, err := s.claimedByOther(sub, record.TxRef)
			if err != nil {
				return sub.State, err
			}
			if claimed {
				// the address voted for another voter id
				s.reject(sub)
				promReconciled.WithLabelValues(string(models.StateRejected)).Inc()
				return models.StateRejected, nil
			}
		}

		if record.BlockRef == "" {
			if sub.LedgerTxRef == "" {
				s.markPending(sub, record.TxRef)
			}
			return models.StateLedgerPending, nil
		}

		return s.recordReconciled(sub, record.TxRef)
	}

	age := s.clock().Sub(time.Unix(sub.CreatedAt, 0))
	if age < s.staleAfter {
		return sub.State, nil
	}

	err = s.deleteSubmission(sub)
	if err != nil {
		return sub.State, err
	}

	s.logger.Info().
		Str("election", sub.ElectionID).
		Str("voter", sub.VoterID).
		Dur("age", age).
		Msg("abandoned a submission unknown to the ledger")

	promReconciled.WithLabelValues(string(models.StateRejected)).Inc()

	return models.StateRejected, nil
}

func (s *VotingService) recordReconciled(sub models.Submission, txRef string) (models.VoteState, error) {
	_, err := s.finalize(sub, txRef)
	if errors.Is(err, apperr.ErrDuplicateVote) {
		s.logger.Warn().
			Str("election", sub.ElectionID).
			Str("voter", sub.VoterID).
			Str("tx", txRef).
			Msg("ledger vote belongs to another voter")

		s.reject(sub)
		promReconciled.WithLabelValues(string(models.StateRejected)).Inc()
		return models.StateRejected, nil
	}
	if err != nil {
		return sub.State, err
	}

	s.logger.Info().
		Str("election", sub.ElectionID).
		Str("voter", sub.VoterID).
		Str("tx", txRef).
		Msg("reconciled a confirmed vote")

	promReconciled.WithLabelValues(string(models.StateRecorded)).Inc()

	return models.StateRecorded, nil
}

// claimedByOther returns true when the transaction is already held by the
// submission or the receipt of another voter of the election.
func (s *VotingService) claimedByOther(sub models.Submission, txRef string) (bool, error) {
	claimed := false

	err := s.db.View(func(tx storage.ReadableTx) error {
		var indexed, own []byte

		txIndex := tx.GetBucket(txIndexBucket)
		if txIndex != nil {
			indexed = txIndex.Get([]byte(txRef))
		}

		voterIndex := tx.GetBucket(voterIndexBucket)
		if voterIndex != nil {
			own = voterIndex.Get(storage.CompositeKey(sub.ElectionID, sub.VoterID))
		}

		if indexed != nil && !bytes.Equal(indexed, own) {
			claimed = true
			return nil
		}

		submissions := tx.GetBucket(submissionBucket)
		if submissions == nil {
			return nil
		}

		return submissions.Scan(storage.CompositeKey(sub.ElectionID, ""), func(k, v []byte) error {
			var other models.Submission
			err := json.Unmarshal(v, &other)
			if err != nil {
				return err
			}

			if other.VoterID != sub.VoterID && other.LedgerTxRef == txRef {
				claimed = true
			}
			return nil
		})
	})
	if err != nil {
		return false, xerrors.Errorf("failed to look up tx %s: %v", txRef, err)
	}

	return claimed, nil
}
