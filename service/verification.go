package service

import (
	"context"
	"time"

	"evote-backend/apperr"
	"evote-backend/encryption"
	"evote-backend/models"
	"evote-backend/registry"

	"golang.org/x/xerrors"
)

// ballotRequest is a vote submission once checked against the directory and
// the ballot format.
type ballotRequest struct {
	voter      models.VoterContext
	electionID string
	election   registry.Election
	ballot     models.EncryptedBallot
}

// verifyRequest runs every check that does not need the submission lock. The
// voter address is returned in its checksummed form.
func (s *VotingService) verifyRequest(voter models.VoterContext, electionID, candidateID string,
	ballot models.EncryptedBallot, now time.Time) (ballotRequest, error) {

	if voter.UserID == "" || voter.VoterID == "" {
		return ballotRequest{}, xerrors.Errorf("missing voter identity: %w", apperr.ErrAccessDenied)
	}

	addr, err := encryption.NormalizeAddress(voter.VoterAddress)
	if err != nil {
		return ballotRequest{}, err
	}
	voter.VoterAddress = addr

	if electionID == "" || candidateID == "" {
		return ballotRequest{}, xerrors.Errorf("missing election or candidate: %w", apperr.ErrEncoding)
	}

	err = encryption.CheckShape(ballot)
	if err != nil {
		return ballotRequest{}, err
	}

	if ballot.ElectionID != electionID {
		return ballotRequest{}, xerrors.Errorf("ballot of election '%s' submitted to '%s': %w",
			ballot.ElectionID, electionID, apperr.ErrEncoding)
	}

	election, err := s.elections.CheckOpen(electionID, now)
	if err != nil {
		return ballotRequest{}, err
	}

	if !election.HasCandidate(candidateID) {
		return ballotRequest{}, xerrors.Errorf("candidate '%s' in election '%s': %w",
			candidateID, electionID, apperr.ErrNotFound)
	}

	return ballotRequest{
		voter:      voter,
		electionID: electionID,
		election:   election,
		ballot:     ballot,
	}, nil
}

// checkBiometricPass consumes the pass of the user when the service requires
// one.
func (s *VotingService) checkBiometricPass(ctx context.Context, userID string) error {
	if !s.requirePass {
		return nil
	}

	if s.passes == nil {
		return xerrors.Errorf("no biometric gate: %w", apperr.ErrBiometricRequired)
	}

	return s.passes.ConsumePass(ctx, userID)
}
