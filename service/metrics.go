package service

import (
	"evote-backend/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promVotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evote_votes_total",
		Help: "vote submissions received by the ingress, by outcome kind",
	}, []string{"outcome"})

	promSubmitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "evote_vote_submit_seconds",
		Help:    "time to process a vote submission",
		Buckets: prometheus.DefBuckets,
	})

	promReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evote_reconciled_total",
		Help: "submissions resolved by the reconciliation, by final state",
	}, []string{"state"})

	promQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evote_reconcile_queue_dropped_total",
		Help: "reconciliation requests dropped because the queue was full",
	})
)

func init() {
	metrics.PromCollectors = append(metrics.PromCollectors, promVotes,
		promSubmitDuration, promReconciled, promQueueDropped)
}
