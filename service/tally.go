package service

import (
	"context"

	"evote-backend/anonymizer"
	"evote-backend/encryption"
	"evote-backend/models"
	"evote-backend/storage"

	"golang.org/x/xerrors"
)

// DecryptElection decrypts every recorded ballot of the election for the
// tally. The ballots are shuffled and stripped of the voter before
// decryption, and the voter fields of the payloads are cleared. A ballot that
// fails to decrypt fails the whole export.
func (s *VotingService) DecryptElection(ctx context.Context, electionID string) ([]models.VotePayload, error) {
	if s.keys == nil {
		return nil, xerrors.New("no key store")
	}

	priv, err := s.keys.PrivateKey(ctx, electionID)
	if err != nil {
		return nil, err
	}

	ballots, err := s.ballots(electionID)
	if err != nil {
		return nil, err
	}

	ballots, err = anonymizer.Anonymize(ballots)
	if err != nil {
		return nil, err
	}

	payloads := make([]models.VotePayload, 0, len(ballots))

	for i, ballot := range ballots {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		payload, err := encryption.DecryptBallot(ballot, priv)
		if err != nil {
			return nil, xerrors.Errorf("ballot %d of %d: %w", i+1, len(ballots), err)
		}

		payloads = append(payloads, models.VotePayload{
			CandidateID: payload.CandidateID,
			ElectionID:  payload.ElectionID,
		})
	}

	s.logger.Info().Str("election", electionID).Int("ballots", len(payloads)).Msg("election decrypted")

	return payloads, nil
}

// CountBallots returns the number of recorded ballots of the election.
func (s *VotingService) CountBallots(electionID string) (int, error) {
	ballots, err := s.ballots(electionID)
	return len(ballots), err
}

func (s *VotingService) ballots(electionID string) ([]models.EncryptedBallot, error) {
	var ballots []models.EncryptedBallot

	err := s.db.View(func(tx storage.ReadableTx) error {
		bucket := tx.GetBucket(ballotBucket)
		if bucket == nil {
			return nil
		}

		return bucket.Scan(storage.CompositeKey(electionID, ""), func(k, v []byte) error {
			var ballot models.EncryptedBallot
			_, err := storage.GetJSON(bucket, k, &ballot)
			if err != nil {
				return err
			}

			ballots = append(ballots, ballot)
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read ballots: %v", err)
	}

	return ballots, nil
}
