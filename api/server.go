// Package api exposes the ballot protocol over HTTP. The identity of the
// caller comes from headers set by the trusted session layer in front of the
// server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"evote-backend/apperr"
	"evote-backend/biometric"
	"evote-backend/keymanager"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/receipt"
	"evote-backend/registry"
	"evote-backend/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const (
	headerUserID       = "X-User-Id"
	headerVoterID      = "X-Voter-Id"
	headerVoterAddress = "X-Voter-Address"
	headerRequestID    = "X-Request-Id"

	maxBodySize = 1 << 20
)

// Keys is the election key manager.
type Keys interface {
	GenerateElectionKeys(ctx context.Context, electionID string) (keymanager.PublicKey, error)
	GetPublicKey(ctx context.Context, electionID string) (keymanager.PublicKey, error)
}

// Votes is the vote ingress.
type Votes interface {
	SubmitEncryptedVote(ctx context.Context, voter models.VoterContext, electionID, candidateID string,
		ballot models.EncryptedBallot) (models.VoteReceipt, error)
	VoteStatus(ctx context.Context, voter models.VoterContext, electionID string) (service.Status, error)
}

// Receipts verifies receipts.
type Receipts interface {
	VerifyReceipt(ctx context.Context, hash string) (receipt.VerificationResult, error)
}

// Biometrics is the biometric gate.
type Biometrics interface {
	Enroll(ctx context.Context, userID string, descriptor []float64) error
	Status(ctx context.Context, userID string) (bool, error)
	StoredDescriptor(ctx context.Context, userID string) ([]float64, error)
	Verify(ctx context.Context, userID string, fresh []float64) (biometric.Comparison, error)
}

// Ledger is the view of the ledger offered to auditors.
type Ledger interface {
	Validate() error
	Height() int
	PendingCount() int
}

// Elections lists the elections.
type Elections interface {
	List() []registry.Election
}

// Params are the dependencies of the server.
type Params struct {
	Keys       Keys
	Votes      Votes
	Receipts   Receipts
	Biometrics Biometrics
	Ledger     Ledger
	Elections  Elections
	// Registry receives the collectors served on /metrics. No route is
	// registered when it is nil.
	Registry *prometheus.Registry
}

// Server is the HTTP front of the ballot server.
type Server struct {
	params Params
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger

	lock     sync.Mutex
	listener net.Listener
}

// NewServer returns a server listening on the address once started.
func NewServer(listenAddr string, params Params) *Server {
	s := &Server{
		params: params,
		mux:    http.NewServeMux(),
		logger: logging.Component("http"),
	}

	s.routes()

	s.server = &http.Server{
		Addr:              listenAddr,
		Handler:           tracing(s.logger)(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/elections", s.handleListElections)
	s.mux.HandleFunc("POST /api/elections/{id}/keys", s.handleGenerateKeys)
	s.mux.HandleFunc("GET /api/elections/{id}/public-key", s.handleGetPublicKey)

	s.mux.HandleFunc("POST /api/votes", s.handleSubmitVote)
	s.mux.HandleFunc("GET /api/votes/status", s.handleVoteStatus)
	s.mux.HandleFunc("GET /api/receipts/{hash}", s.handleVerifyReceipt)

	s.mux.HandleFunc("GET /api/biometric/{userId}/status", s.handleBiometricStatus)
	s.mux.HandleFunc("GET /api/biometric/{userId}/descriptor", s.handleStoredDescriptor)
	s.mux.HandleFunc("POST /api/biometric/{userId}/enroll", s.handleEnroll)
	s.mux.HandleFunc("POST /api/biometric/{userId}/verify", s.handleBiometricVerify)

	s.mux.HandleFunc("GET /api/ledger/validate", s.handleValidateLedger)

	if s.params.Registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.params.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler of the server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen serves the requests until the server is stopped. It returns nil on a
// graceful stop.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return xerrors.Errorf("failed to listen on %s: %v", s.server.Addr, err)
	}

	s.lock.Lock()
	s.listener = ln
	s.lock.Unlock()

	s.logger.Info().Msgf("server is ready to handle requests at %s", ln.Addr())

	err = s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("server failed: %v", err)
	}

	return nil
}

// Addr returns the address of the listener, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down and waits for the running requests within the
// context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("server is shutting down...")

	s.server.SetKeepAlivesEnabled(false)

	err := s.server.Shutdown(ctx)
	if err != nil {
		return xerrors.Errorf("could not gracefully shutdown the server: %v", err)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Elections and keys

func (s *Server) handleListElections(w http.ResponseWriter, r *http.Request) {
	type electionView struct {
		ID         string               `json:"id"`
		Title      string               `json:"title"`
		Candidates []registry.Candidate `json:"candidates"`
		OpensAt    time.Time            `json:"opensAt"`
		ClosesAt   time.Time            `json:"closesAt"`
		Open       bool                 `json:"open"`
	}

	now := time.Now()
	views := []electionView{}

	for _, e := range s.params.Elections.List() {
		views = append(views, electionView{
			ID:         e.ID,
			Title:      e.Title,
			Candidates: e.Candidates,
			OpensAt:    e.OpensAt,
			ClosesAt:   e.ClosesAt,
			Open:       e.IsOpen(now),
		})
	}

	s.writeJSON(w, http.StatusOK, struct {
		Elections []electionView `json:"elections"`
	}{views})
}

func (s *Server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(headerUserID) == "" {
		s.writeError(w, r, xerrors.Errorf("no session: %w", apperr.ErrAccessDenied))
		return
	}

	pub, err := s.params.Keys.GenerateElectionKeys(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, struct {
		Fingerprint string `json:"fingerprint"`
		AnchorTxRef string `json:"anchorTxRef,omitempty"`
	}{pub.Fingerprint, pub.AnchorTxRef})
}

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	pub, err := s.params.Keys.GetPublicKey(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, pub)
}

// -----------------------------------------------------------------------------
// Votes and receipts

// SubmitVoteRequest is the body of a vote submission.
type SubmitVoteRequest struct {
	ElectionID  string                 `json:"electionId"`
	CandidateID string                 `json:"candidateId"`
	Ballot      models.EncryptedBallot `json:"ballot"`
}

// SubmitVoteResponse is returned once the vote is recorded.
type SubmitVoteResponse struct {
	ReceiptHash string `json:"receiptHash"`
	ElectionID  string `json:"electionId"`
	Timestamp   int64  `json:"timestamp"`
	LedgerTxRef string `json:"ledgerTxRef"`
}

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req SubmitVoteRequest

	err := decodeBody(w, r, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	voter := voterContext(r)

	rcpt, err := s.params.Votes.SubmitEncryptedVote(r.Context(), voter, req.ElectionID, req.CandidateID, req.Ballot)
	if errors.Is(err, apperr.ErrLedgerPending) {
		// the voter must not retry, the status tells when the vote is in
		status, statusErr := s.params.Votes.VoteStatus(r.Context(), voter, req.ElectionID)
		if statusErr != nil {
			s.writeError(w, r, err)
			return
		}

		s.writeJSON(w, apperr.HTTPStatus(apperr.KindLedgerPending), struct {
			errorBody
			State       models.VoteState `json:"state"`
			LedgerTxRef string           `json:"ledgerTxRef,omitempty"`
		}{
			errorBody:   newErrorBody(apperr.KindLedgerPending),
			State:       status.State,
			LedgerTxRef: status.LedgerTxRef,
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, SubmitVoteResponse{
		ReceiptHash: rcpt.ReceiptHash,
		ElectionID:  rcpt.ElectionID,
		Timestamp:   rcpt.Timestamp,
		LedgerTxRef: rcpt.LedgerTxRef,
	})
}

func (s *Server) handleVoteStatus(w http.ResponseWriter, r *http.Request) {
	voter := voterContext(r)
	if voter.VoterID == "" {
		s.writeError(w, r, xerrors.Errorf("no voter: %w", apperr.ErrAccessDenied))
		return
	}

	status, err := s.params.Votes.VoteStatus(r.Context(), voter, r.URL.Query().Get("electionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	res, err := s.params.Receipts.VerifyReceipt(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

// -----------------------------------------------------------------------------
// Biometrics

type descriptorRequest struct {
	Descriptor []float64 `json:"descriptor"`
}

func (s *Server) handleBiometricStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := s.sameUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	registered, err := s.params.Biometrics.Status(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Registered bool `json:"registered"`
	}{registered})
}

func (s *Server) handleStoredDescriptor(w http.ResponseWriter, r *http.Request) {
	userID, err := s.sameUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	descriptor, err := s.params.Biometrics.StoredDescriptor(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		StoredDescriptor []float64 `json:"storedDescriptor"`
	}{descriptor})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	userID, err := s.sameUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req descriptorRequest

	err = decodeBody(w, r, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	err = s.params.Biometrics.Enroll(r.Context(), userID, req.Descriptor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, struct {
		Registered bool `json:"registered"`
	}{true})
}

func (s *Server) handleBiometricVerify(w http.ResponseWriter, r *http.Request) {
	userID, err := s.sameUser(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req descriptorRequest

	err = decodeBody(w, r, &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cmp, err := s.params.Biometrics.Verify(r.Context(), userID, req.Descriptor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// JSON has no infinity, an incomparable descriptor has no distance
	var distance *float64
	if !math.IsInf(cmp.Distance, 0) && !math.IsNaN(cmp.Distance) {
		distance = &cmp.Distance
	}

	s.writeJSON(w, http.StatusOK, struct {
		Matched  bool     `json:"matched"`
		Distance *float64 `json:"distance"`
		Score    float64  `json:"score"`
	}{cmp.Matched, distance, cmp.Score})
}

// sameUser returns the user of the path once checked against the session.
func (s *Server) sameUser(r *http.Request) (string, error) {
	userID := r.PathValue("userId")
	session := r.Header.Get(headerUserID)

	if session == "" || session != userID {
		return "", xerrors.Errorf("user '%s' is not the session user: %w", userID, apperr.ErrAccessDenied)
	}

	return userID, nil
}

// -----------------------------------------------------------------------------
// Ledger

func (s *Server) handleValidateLedger(w http.ResponseWriter, r *http.Request) {
	type validation struct {
		Valid   bool   `json:"valid"`
		Height  int    `json:"height"`
		Pending int    `json:"pending"`
		Error   string `json:"error,omitempty"`
	}

	res := validation{
		Valid:   true,
		Height:  s.params.Ledger.Height(),
		Pending: s.params.Ledger.PendingCount(),
	}

	err := s.params.Ledger.Validate()
	if err != nil {
		s.logger.Warn().Err(err).Msg("ledger validation failed")
		res.Valid = false
		res.Error = err.Error()
	}

	s.writeJSON(w, http.StatusOK, res)
}

// -----------------------------------------------------------------------------
// Utility functions

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

var messages = map[apperr.Kind]string{
	apperr.KindAlreadyExists:     "resource already exists",
	apperr.KindNotFound:          "resource not found",
	apperr.KindAccessDenied:      "access denied",
	apperr.KindKeyFormat:         "invalid key",
	apperr.KindEncoding:          "invalid request",
	apperr.KindIntegrity:         "integrity check failed",
	apperr.KindDuplicateVote:     "vote already cast",
	apperr.KindLedger:            "ledger unavailable, check the vote status before retrying",
	apperr.KindLedgerPending:     "vote submitted, waiting for ledger confirmation",
	apperr.KindCapture:           "invalid biometric capture",
	apperr.KindElectionClosed:    "election is not open",
	apperr.KindBiometricRequired: "biometric verification required",
}

func newErrorBody(kind apperr.Kind) errorBody {
	msg, found := messages[kind]
	if !found {
		msg = "internal error"
	}

	return errorBody{Error: msg, Kind: kind}
}

// writeError reports a generic message and the kind of the error. The details
// only go to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	event := s.logger.Info()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}

	event.Err(err).
		Str("requestID", requestID(r)).
		Str("kind", string(kind)).
		Int("status", status).
		Msg("request failed")

	s.writeJSON(w, status, newErrorBody(kind))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	if err != nil {
		return xerrors.Errorf("invalid body: %v: %w", err, apperr.ErrEncoding)
	}

	return nil
}

func voterContext(r *http.Request) models.VoterContext {
	return models.VoterContext{
		UserID:       r.Header.Get(headerUserID),
		VoterID:      r.Header.Get(headerVoterID),
		VoterAddress: r.Header.Get(headerVoterAddress),
	}
}
