package receipt

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"evote-backend/apperr"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/storage"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func init() {
	logging.SetOutput(nil)
}

func TestDerive_Deterministic(t *testing.T) {
	salt := make([]byte, SaltSize)

	first := Derive([]byte("ct"), "voter", "election", salt)
	second := Derive([]byte("ct"), "voter", "election", salt)

	require.Equal(t, first, second)
	require.Len(t, first, 64)
	require.Equal(t, strings.ToLower(first), first)
}

func TestMakeReceipt_SaltMakesUnlinkable(t *testing.T) {
	first, err := MakeReceipt([]byte("ct"), "voter", "election")
	require.NoError(t, err)
	second, err := MakeReceipt([]byte("ct"), "voter", "election")
	require.NoError(t, err)

	require.Len(t, first.Salt, SaltSize)
	require.NotEqual(t, first.Salt, second.Salt)
	require.NotEqual(t, first.Hash, second.Hash)

	require.Equal(t, first.Hash, Derive([]byte("ct"), "voter", "election", first.Salt))
}

func TestDerive_BindsEveryInput(t *testing.T) {
	salt := make([]byte, SaltSize)
	base := Derive([]byte("ct"), "voter", "election", salt)

	require.NotEqual(t, base, Derive([]byte("cu"), "voter", "election", salt))
	require.NotEqual(t, base, Derive([]byte("ct"), "voter2", "election", salt))
	require.NotEqual(t, base, Derive([]byte("ct"), "voter", "election2", salt))

	salt[0] = 1
	require.NotEqual(t, base, Derive([]byte("ct"), "voter", "election", salt))
}

func TestVerifier_VerifyReceipt(t *testing.T) {
	db := openDB(t)
	r := putReceipt(t, db, "0xtx")

	verifier := NewVerifier(db, fakeElections{"e1": "Board election"}, fakeStatus{status: models.TxConfirmed})

	res, err := verifier.VerifyReceipt(context.Background(), r.ReceiptHash)
	require.NoError(t, err)
	require.Equal(t, "Board election", res.ElectionTitle)
	require.Equal(t, "e1", res.ElectionID)
	require.Equal(t, "0xtx", res.LedgerTxRef)
	require.Equal(t, r.Timestamp, res.Timestamp)
	require.True(t, res.LedgerConfirmed)

	again, err := verifier.VerifyReceipt(context.Background(), r.ReceiptHash)
	require.NoError(t, err)
	require.Equal(t, res, again)
}

func TestVerifier_LedgerUnavailable(t *testing.T) {
	db := openDB(t)
	r := putReceipt(t, db, "0xtx")

	verifier := NewVerifier(db, nil, fakeStatus{err: xerrors.New("oops")})

	res, err := verifier.VerifyReceipt(context.Background(), r.ReceiptHash)
	require.NoError(t, err)
	require.False(t, res.LedgerConfirmed)
	require.Empty(t, res.ElectionTitle)
}

func TestVerifier_NotFound(t *testing.T) {
	verifier := NewVerifier(openDB(t), nil, nil)

	for _, hash := range []string{"", "abc", strings.Repeat("z", 64), strings.Repeat("A", 64), strings.Repeat("0", 64)} {
		_, err := verifier.VerifyReceipt(context.Background(), hash)
		require.ErrorIs(t, err, apperr.ErrNotFound)
	}
}

func TestPut_Immutable(t *testing.T) {
	db := openDB(t)
	r := putReceipt(t, db, "0xtx")

	// the same receipt can be written again by the reconciliation
	err := db.Update(func(tx storage.WritableTx) error {
		return Put(tx, r)
	})
	require.NoError(t, err)

	changed := r
	changed.LedgerTxRef = "0xother"

	err = db.Update(func(tx storage.WritableTx) error {
		return Put(tx, changed)
	})
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)
}

// -----------------------------------------------------------------------------
// Utility functions

func openDB(t *testing.T) storage.DB {
	db, err := storage.Open(filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func putReceipt(t *testing.T, db storage.DB, txRef string) models.VoteReceipt {
	generated, err := MakeReceipt([]byte("ct"), "voter", "e1")
	require.NoError(t, err)

	r := models.VoteReceipt{
		ReceiptHash: generated.Hash,
		ElectionID:  "e1",
		BallotID:    "ballot-1",
		Salt:        generated.Salt,
		Timestamp:   1700000000,
		LedgerTxRef: txRef,
	}

	err = db.Update(func(tx storage.WritableTx) error {
		return Put(tx, r)
	})
	require.NoError(t, err)

	return r
}

type fakeElections map[string]string

func (e fakeElections) Title(id string) (string, bool) {
	title, ok := e[id]
	return title, ok
}

type fakeStatus struct {
	status models.TxStatus
	err    error
}

func (s fakeStatus) TxStatus(ctx context.Context, txRef string) (models.TxStatus, error) {
	return s.status, s.err
}
