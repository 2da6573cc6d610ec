// Package anonymizer detaches the recorded ballots from their voters before
// the tally decrypts them.
package anonymizer

import (
	"crypto/rand"
	"math/big"

	"evote-backend/models"

	"golang.org/x/xerrors"
)

// Anonymize returns the ballots stripped of their voter in a random order.
// The input is left untouched.
func Anonymize(ballots []models.EncryptedBallot) ([]models.EncryptedBallot, error) {
	shuffled, err := Shuffle(ballots)
	if err != nil {
		return nil, err
	}

	for i := range shuffled {
		shuffled[i] = Strip(shuffled[i])
	}

	return shuffled, nil
}

// Shuffle returns a copy of the ballots in a random order (Fisher-Yates).
func Shuffle(ballots []models.EncryptedBallot) ([]models.EncryptedBallot, error) {
	shuffled := make([]models.EncryptedBallot, len(ballots))
	copy(shuffled, ballots)

	for i := len(shuffled) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, xerrors.Errorf("failed to shuffle: %v", err)
		}

		shuffled[i], shuffled[j.Int64()] = shuffled[j.Int64()], shuffled[i]
	}

	return shuffled, nil
}

// Strip clears the fields linking a ballot to its voter or to the time of its
// submission.
func Strip(ballot models.EncryptedBallot) models.EncryptedBallot {
	ballot.ID = ""
	ballot.VoterID = ""
	ballot.CreatedAt = 0
	return ballot
}
