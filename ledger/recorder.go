package ledger

import (
	"context"
	"errors"
	"time"

	"evote-backend/apperr"
	"evote-backend/logging"
	"evote-backend/models"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Recorder submits votes to a ledger and waits for their confirmation within
// bounded delays. It never retries a submission: the caller decides what to do
// with a pending or failed one after checking the ledger.
type Recorder struct {
	ledger         Ledger
	submitTimeout  time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         zerolog.Logger
}

// RecorderParams are the parameters of a recorder.
type RecorderParams struct {
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// NewRecorder returns a recorder in front of the ledger.
func NewRecorder(ledger Ledger, params RecorderParams) *Recorder {
	if params.PollInterval <= 0 {
		params.PollInterval = 200 * time.Millisecond
	}

	return &Recorder{
		ledger:         ledger,
		submitTimeout:  params.SubmitTimeout,
		confirmTimeout: params.ConfirmTimeout,
		pollInterval:   params.PollInterval,
		logger:         logging.Component("recorder"),
	}
}

// Record submits the vote and returns the transaction reference once it is
// confirmed. When the confirmation does not arrive in time, it returns the
// reference together with a pending ledger error.
func (r *Recorder) Record(ctx context.Context, electionID, candidateID, voterAddress string) (string, error) {
	start := time.Now()

	submitCtx, cancel := r.withTimeout(ctx, r.submitTimeout)
	res, err := r.ledger.SubmitVote(submitCtx, electionID, candidateID, voterAddress)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrDuplicateVote):
			promSubmissions.WithLabelValues("duplicate").Inc()
			return "", err
		case errors.Is(err, apperr.ErrEncoding):
			promSubmissions.WithLabelValues("rejected").Inc()
			return "", err
		default:
			promSubmissions.WithLabelValues("failed").Inc()
			r.logger.Warn().Err(err).Str("election", electionID).Msg("ledger submission failed")
			return "", ledgerError("failed to submit vote", err)
		}
	}

	if res.Confirmed {
		promSubmissions.WithLabelValues("confirmed").Inc()
		promConfirmDelay.Observe(time.Since(start).Seconds())
		return res.TxRef, nil
	}

	err = r.WaitConfirmed(ctx, res.TxRef)
	if err != nil {
		if errors.Is(err, apperr.ErrLedgerPending) {
			promSubmissions.WithLabelValues("pending").Inc()
		} else {
			promSubmissions.WithLabelValues("failed").Inc()
		}
		return res.TxRef, err
	}

	promSubmissions.WithLabelValues("confirmed").Inc()
	promConfirmDelay.Observe(time.Since(start).Seconds())

	return res.TxRef, nil
}

// WaitConfirmed polls the status of the transaction until it is confirmed or
// the confirm timeout is reached.
func (r *Recorder) WaitConfirmed(ctx context.Context, txRef string) error {
	waitCtx, cancel := r.withTimeout(ctx, r.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		status, err := r.ledger.TxStatus(waitCtx, txRef)
		if err != nil {
			return ledgerError("failed to read status", err)
		}

		switch status {
		case models.TxConfirmed:
			return nil
		case models.TxUnknown:
			return xerrors.Errorf("transaction %s is unknown: %w", txRef, apperr.ErrLedger)
		}

		select {
		case <-waitCtx.Done():
			r.logger.Info().Str("tx", txRef).Msg("transaction still pending")
			return xerrors.Errorf("transaction %s: %w", txRef, apperr.ErrLedgerPending)
		case <-ticker.C:
		}
	}
}

// HasVoted asks the ledger whether the address has a vote record.
func (r *Recorder) HasVoted(ctx context.Context, electionID, voterAddress string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx, r.submitTimeout)
	defer cancel()

	voted, err := r.ledger.HasVoted(ctx, electionID, voterAddress)
	if err != nil {
		return false, ledgerError("failed to read vote", err)
	}

	return voted, nil
}

// FindVote returns the vote record of the address.
func (r *Recorder) FindVote(ctx context.Context, electionID, voterAddress string) (models.LedgerVoteRecord, bool, error) {
	ctx, cancel := r.withTimeout(ctx, r.submitTimeout)
	defer cancel()

	record, found, err := r.ledger.FindVote(ctx, electionID, voterAddress)
	if err != nil {
		return record, false, ledgerError("failed to read vote", err)
	}

	return record, found, nil
}

// TxStatus returns the confirmation status of the transaction.
func (r *Recorder) TxStatus(ctx context.Context, txRef string) (models.TxStatus, error) {
	ctx, cancel := r.withTimeout(ctx, r.submitTimeout)
	defer cancel()

	status, err := r.ledger.TxStatus(ctx, txRef)
	if err != nil {
		return models.TxUnknown, ledgerError("failed to read status", err)
	}

	return status, nil
}

// AnchorKey implements keymanager.Anchor.
func (r *Recorder) AnchorKey(ctx context.Context, electionID, fingerprint string) (string, error) {
	ctx, cancel := r.withTimeout(ctx, r.submitTimeout)
	defer cancel()

	ref, err := r.ledger.AnchorKey(ctx, electionID, fingerprint)
	if err != nil {
		return "", ledgerError("failed to anchor key", err)
	}

	return ref, nil
}

func (r *Recorder) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ledgerError keeps the kind of an error already classified, and turns any
// other failure into a ledger error.
func ledgerError(msg string, err error) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return xerrors.Errorf("%s: %w", msg, err)
	}

	return xerrors.Errorf("%s: %v: %w", msg, err, apperr.ErrLedger)
}
