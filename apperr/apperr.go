// Package apperr defines the error kinds surfaced by the ballot protocol. Each
// kind is a sentinel error; callers wrap it with context and the HTTP layer
// maps it back to a machine-readable kind and a status code.
package apperr

import (
	"errors"
	"net/http"

	"golang.org/x/xerrors"
)

// Kind is the machine-readable name of an error category.
type Kind string

const (
	KindAlreadyExists     Kind = "ALREADY_EXISTS"
	KindNotFound          Kind = "NOT_FOUND"
	KindAccessDenied      Kind = "ACCESS_DENIED"
	KindKeyFormat         Kind = "KEY_FORMAT"
	KindEncoding          Kind = "ENCODING"
	KindIntegrity         Kind = "INTEGRITY"
	KindDuplicateVote     Kind = "DUPLICATE_VOTE"
	KindLedger            Kind = "LEDGER_ERROR"
	KindLedgerPending     Kind = "LEDGER_PENDING"
	KindCapture           Kind = "CAPTURE_ERROR"
	KindElectionClosed    Kind = "ELECTION_CLOSED"
	KindBiometricRequired Kind = "BIOMETRIC_REQUIRED"
	KindInternal          Kind = "INTERNAL"
)

var (
	ErrAlreadyExists = xerrors.New("already exists")
	ErrNotFound      = xerrors.New("not found")
	ErrAccessDenied  = xerrors.New("access denied")
	ErrKeyFormat     = xerrors.New("invalid key format")
	ErrEncoding      = xerrors.New("encoding error")
	ErrIntegrity     = xerrors.New("integrity check failed")
	ErrDuplicateVote = xerrors.New("duplicate vote")
	ErrLedger        = xerrors.New("ledger error")
	// ErrLedgerPending is a ledger error: the transaction was accepted but is
	// not confirmed yet. The caller must check the vote status before retrying.
	ErrLedgerPending     = &pendingError{}
	ErrCapture           = xerrors.New("capture error")
	ErrElectionClosed    = xerrors.New("election is not open")
	ErrBiometricRequired = xerrors.New("biometric verification required")
)

type pendingError struct{}

func (pendingError) Error() string { return "ledger transaction pending" }

// Is makes a pending error also match ErrLedger.
func (pendingError) Is(target error) bool { return target == ErrLedger }

// order matters: the pending sentinel must be tested before the generic ledger one.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrNotFound, KindNotFound},
	{ErrAccessDenied, KindAccessDenied},
	{ErrKeyFormat, KindKeyFormat},
	{ErrEncoding, KindEncoding},
	{ErrIntegrity, KindIntegrity},
	{ErrDuplicateVote, KindDuplicateVote},
	{ErrLedgerPending, KindLedgerPending},
	{ErrLedger, KindLedger},
	{ErrCapture, KindCapture},
	{ErrElectionClosed, KindElectionClosed},
	{ErrBiometricRequired, KindBiometricRequired},
}

// KindOf returns the kind of the first sentinel found in the chain of err, or
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}

	return KindInternal
}

// HTTPStatus returns the status code used to report an error of the given kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAlreadyExists, KindDuplicateVote:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied, KindBiometricRequired, KindElectionClosed:
		return http.StatusForbidden
	case KindKeyFormat, KindEncoding, KindCapture:
		return http.StatusBadRequest
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindLedgerPending:
		return http.StatusAccepted
	case KindLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry after an error of the given
// kind. Ledger errors are retryable only after the vote status was checked.
func Retryable(kind Kind) bool {
	return kind == KindLedger || kind == KindLedgerPending
}
