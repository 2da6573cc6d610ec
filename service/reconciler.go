package service

import (
	"context"
	"sync"
	"time"

	"evote-backend/logging"

	"github.com/rs/zerolog"
)

// Reconciler runs the reconciliation in the background: a full pass on every
// interval, and single submissions queued by the ingress when the ledger did
// not answer in time.
type Reconciler struct {
	service    *VotingService
	interval   time.Duration
	retryDelay time.Duration
	workers    int

	requestCh    chan reconcileRequest
	shutdownCh   chan struct{}
	processingWg sync.WaitGroup
	startOnce    sync.Once
	stopOnce     sync.Once
	logger       zerolog.Logger
}

type reconcileRequest struct {
	electionID string
	voterID    string
	notBefore  time.Time
}

// ReconcilerParams are the settings of the reconciler.
type ReconcilerParams struct {
	Interval   time.Duration
	RetryDelay time.Duration
	Workers    int
	QueueSize  int
}

// NewReconciler creates a reconciler and attaches it to the service so that
// unfinished submissions are queued.
func NewReconciler(service *VotingService, params ReconcilerParams) *Reconciler {
	if params.Interval <= 0 {
		params.Interval = time.Minute
	}
	if params.RetryDelay <= 0 {
		params.RetryDelay = time.Second
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	if params.QueueSize < 1 {
		params.QueueSize = 256
	}

	r := &Reconciler{
		service:    service,
		interval:   params.Interval,
		retryDelay: params.RetryDelay,
		workers:    params.Workers,
		requestCh:  make(chan reconcileRequest, params.QueueSize),
		shutdownCh: make(chan struct{}),
		logger:     logging.Component("reconciler"),
	}

	service.queue = r

	return r
}

// Start launches the periodic pass and the workers.
func (r *Reconciler) Start() {
	r.startOnce.Do(func() {
		r.processingWg.Add(1)
		go r.periodicWorker()

		for i := 0; i < r.workers; i++ {
			r.processingWg.Add(1)
			go r.queueWorker()
		}
	})
}

// Stop stops the workers and waits for them. Queued requests are left to the
// next periodic pass.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdownCh)
		r.processingWg.Wait()
	})
}

// Enqueue asks for the reconciliation of a submission after the retry delay.
// It never blocks and returns false when the queue is full.
func (r *Reconciler) Enqueue(electionID, voterID string) bool {
	req := reconcileRequest{
		electionID: electionID,
		voterID:    voterID,
		notBefore:  time.Now().Add(r.retryDelay),
	}

	select {
	case r.requestCh <- req:
		return true
	default:
		promQueueDropped.Inc()
		r.logger.Warn().Str("election", electionID).Str("voter", voterID).
			Msg("reconcile queue is full, request dropped")
		return false
	}
}

func (r *Reconciler) periodicWorker() {
	defer r.processingWg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return
		case <-ticker.C:
			ctx, cancel := r.context()
			_, err := r.service.Reconcile(ctx)
			cancel()

			if err != nil {
				r.logger.Warn().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

func (r *Reconciler) queueWorker() {
	defer r.processingWg.Done()

	for {
		select {
		case <-r.shutdownCh:
			return
		case req := <-r.requestCh:
			wait := time.Until(req.notBefore)
			if wait > 0 {
				select {
				case <-r.shutdownCh:
					return
				case <-time.After(wait):
				}
			}

			ctx, cancel := r.context()
			state, err := r.service.ReconcileOne(ctx, req.electionID, req.voterID)
			cancel()

			if err != nil {
				r.logger.Warn().Err(err).Str("election", req.electionID).Msg("reconciliation failed")
				continue
			}

			r.logger.Debug().Str("election", req.electionID).Str("state", string(state)).Msg("reconciled")
		}
	}
}

// context returns a context cancelled on shutdown.
func (r *Reconciler) context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)

	go func() {
		select {
		case <-r.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
