// Package ledger implements the append-only record of the votes. The ledger is
// the authority on duplicate votes: it keeps at most one vote per election and
// voter address, whatever the callers do.
package ledger

import (
	"context"

	"evote-backend/metrics"
	"evote-backend/models"

	"github.com/prometheus/client_golang/prometheus"
)

// SubmitResult is the outcome of a vote submission.
type SubmitResult struct {
	TxRef     string
	Confirmed bool
}

// Ledger is the interface of the external ledger recording the votes.
type Ledger interface {
	// SubmitVote records that the address voted for the candidate. It returns
	// a duplicate vote error when the address already has a record for the
	// election, sealed or pending.
	SubmitVote(ctx context.Context, electionID, candidateID, voterAddress string) (SubmitResult, error)

	// HasVoted reports whether a record exists for the address.
	HasVoted(ctx context.Context, electionID, voterAddress string) (bool, error)

	// TxStatus returns the confirmation status of the transaction.
	TxStatus(ctx context.Context, txRef string) (models.TxStatus, error)

	// FindVote returns the record of the address, if any.
	FindVote(ctx context.Context, electionID, voterAddress string) (models.LedgerVoteRecord, bool, error)

	// AnchorKey publishes the fingerprint of an election key.
	AnchorKey(ctx context.Context, electionID, fingerprint string) (string, error)
}

var (
	promHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "evote_ledger_height",
		Help: "number of sealed blocks",
	})

	promPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "evote_ledger_pending_txs",
		Help: "number of transactions waiting to be sealed",
	})

	promSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evote_ledger_submissions_total",
		Help: "vote submissions made by the recorder, by outcome",
	}, []string{"outcome"})

	promConfirmDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "evote_ledger_confirm_seconds",
		Help:    "delay between a submission and its confirmation",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	metrics.PromCollectors = append(metrics.PromCollectors, promHeight, promPending,
		promSubmissions, promConfirmDelay)
}
