package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"evote-backend/apperr"
	"evote-backend/encryption"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/registry"
	"evote-backend/storage"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func init() {
	logging.SetOutput(nil)
}

const electionsJSON = `{
  "elections": [
    {
      "id": "e1",
      "title": "Board election",
      "candidates": [{"id": "c1", "name": "Alice"}, {"id": "c2", "name": "Bob"}],
      "opens_at": "2000-01-01T00:00:00Z",
      "closes_at": "2100-01-01T00:00:00Z"
    },
    {
      "id": "closed",
      "title": "Past election",
      "candidates": [{"id": "c1", "name": "Alice"}],
      "opens_at": "2000-01-01T00:00:00Z",
      "closes_at": "2000-01-02T00:00:00Z"
    }
  ]
}`

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
	testPEM string
)

func electionKey(t *testing.T) (*rsa.PrivateKey, string) {
	keyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}

		testPEM, _, err = encryption.MarshalPublicKeyPEM(&testKey.PublicKey)
		if err != nil {
			panic(err)
		}
	})

	return testKey, testPEM
}

func makeBallot(t *testing.T, electionID, candidateID, voterID string) models.EncryptedBallot {
	_, pem := electionKey(t)

	payload, err := encryption.NewVotePayload(candidateID, electionID, voterID)
	require.NoError(t, err)

	ballot, err := encryption.EncryptBallot(payload, pem)
	require.NoError(t, err)

	return ballot
}

func makeVoter(i int) models.VoterContext {
	return models.VoterContext{
		UserID:       fmt.Sprintf("user-%d", i),
		VoterID:      fmt.Sprintf("voter-%d", i),
		VoterAddress: fmt.Sprintf("0x%040x", 0xb0+i),
	}
}

type testEnv struct {
	db       storage.DB
	dir      *registry.Directory
	recorder *fakeRecorder
	passes   *fakePasses
	clock    *fakeClock
	service  *VotingService
}

type envOption func(*Params)

func withBiometric() envOption {
	return func(p *Params) {
		p.RequireBiometricPass = true
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	tmp := t.TempDir()

	db, err := storage.Open(filepath.Join(tmp, "evote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	path := filepath.Join(tmp, "elections.json")
	require.NoError(t, os.WriteFile(path, []byte(electionsJSON), 0644))

	dir, err := registry.NewDirectory(path)
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		dir:      dir,
		recorder: newFakeRecorder(),
		passes:   &fakePasses{passes: make(map[string]bool)},
		clock:    &fakeClock{now: time.Now()},
	}

	priv, _ := electionKey(t)

	params := Params{
		DB:         db,
		Elections:  dir,
		Recorder:   env.recorder,
		Keys:       fakeKeys{key: priv},
		Passes:     env.passes,
		StaleAfter: time.Minute,
		Clock:      env.clock.Now,
	}

	for _, opt := range opts {
		opt(&params)
	}

	env.service, err = NewVotingService(params)
	require.NoError(t, err)

	return env
}

func (env *testEnv) submit(t *testing.T, voter models.VoterContext, candidateID string) (models.VoteReceipt, error) {
	ballot := makeBallot(t, "e1", candidateID, voter.VoterID)
	return env.service.SubmitEncryptedVote(context.Background(), voter, "e1", candidateID, ballot)
}

// -----------------------------------------------------------------------------
// Fakes

type recordMode int

const (
	modeConfirm recordMode = iota
	modePending
	modeFail
	// modeLostAnswer writes the vote but reports a failure, as when the
	// connection drops after the ledger accepted the transaction.
	modeLostAnswer
)

type fakeRecorder struct {
	sync.Mutex

	mode    recordMode
	delay   time.Duration
	votes   map[string]models.LedgerVoteRecord
	status  map[string]models.TxStatus
	records int
	readErr error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		votes:  make(map[string]models.LedgerVoteRecord),
		status: make(map[string]models.TxStatus),
	}
}

func (r *fakeRecorder) setMode(mode recordMode) {
	r.Lock()
	r.mode = mode
	r.Unlock()
}

func (r *fakeRecorder) Record(ctx context.Context, electionID, candidateID, addr string) (string, error) {
	time.Sleep(r.delay)

	r.Lock()
	defer r.Unlock()

	r.records++

	key := electionID + "/" + addr
	if _, found := r.votes[key]; found {
		return "", xerrors.Errorf("address voted: %w", apperr.ErrDuplicateVote)
	}

	ref := fmt.Sprintf("0xtx%d", r.records)
	record := models.LedgerVoteRecord{
		ElectionID:   electionID,
		CandidateID:  candidateID,
		VoterAddress: addr,
		TxRef:        ref,
	}

	switch r.mode {
	case modeFail:
		return "", xerrors.Errorf("connection refused: %w", apperr.ErrLedger)
	case modePending:
		r.votes[key] = record
		r.status[ref] = models.TxPending
		return ref, xerrors.Errorf("transaction %s: %w", ref, apperr.ErrLedgerPending)
	case modeLostAnswer:
		record.BlockRef = "block"
		r.votes[key] = record
		r.status[ref] = models.TxConfirmed
		return "", xerrors.Errorf("connection reset: %w", apperr.ErrLedger)
	default:
		record.BlockRef = "block"
		r.votes[key] = record
		r.status[ref] = models.TxConfirmed
		return ref, nil
	}
}

func (r *fakeRecorder) confirmAll() {
	r.Lock()
	defer r.Unlock()

	for key, record := range r.votes {
		record.BlockRef = "block"
		r.votes[key] = record
		r.status[record.TxRef] = models.TxConfirmed
	}
}

func (r *fakeRecorder) recordCalls() int {
	r.Lock()
	defer r.Unlock()
	return r.records
}

func (r *fakeRecorder) HasVoted(ctx context.Context, electionID, addr string) (bool, error) {
	r.Lock()
	defer r.Unlock()

	if r.readErr != nil {
		return false, r.readErr
	}

	_, found := r.votes[electionID+"/"+addr]
	return found, nil
}

func (r *fakeRecorder) TxStatus(ctx context.Context, ref string) (models.TxStatus, error) {
	r.Lock()
	defer r.Unlock()

	if r.readErr != nil {
		return models.TxUnknown, r.readErr
	}

	status, found := r.status[ref]
	if !found {
		return models.TxUnknown, nil
	}
	return status, nil
}

func (r *fakeRecorder) FindVote(ctx context.Context, electionID, addr string) (models.LedgerVoteRecord, bool, error) {
	r.Lock()
	defer r.Unlock()

	if r.readErr != nil {
		return models.LedgerVoteRecord{}, false, r.readErr
	}

	record, found := r.votes[electionID+"/"+addr]
	return record, found, nil
}

type fakePasses struct {
	sync.Mutex
	passes map[string]bool
}

func (p *fakePasses) grant(userID string) {
	p.Lock()
	p.passes[userID] = true
	p.Unlock()
}

func (p *fakePasses) ConsumePass(ctx context.Context, userID string) error {
	p.Lock()
	defer p.Unlock()

	if !p.passes[userID] {
		return xerrors.Errorf("no pass: %w", apperr.ErrBiometricRequired)
	}

	delete(p.passes, userID)
	return nil
}

type fakeKeys struct {
	key *rsa.PrivateKey
	err error
}

func (k fakeKeys) PrivateKey(ctx context.Context, electionID string) (*rsa.PrivateKey, error) {
	return k.key, k.err
}

type fakeClock struct {
	sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	c.now = c.now.Add(d)
	c.Unlock()
}
