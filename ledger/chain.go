package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"evote-backend/apperr"
	"evote-backend/encryption"
	"evote-backend/logging"
	"evote-backend/models"
	"evote-backend/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Chain is a ledger made of hash-linked blocks signed by a single authority.
// Transactions wait in a pool until a block is sealed, either when the pool
// reaches the batch size or on every seal interval.
//
// - implements ledger.Ledger
type Chain struct {
	sync.RWMutex

	blocks  []*models.Block
	pending []models.LedgerTx
	// votes indexes the vote records per election and address, sealed or not.
	votes map[string]models.LedgerVoteRecord
	// txs maps a transaction reference to the hash of its block, empty while
	// the transaction is pending.
	txs     map[string]string
	anchors map[string]string
	seq     uint64

	store     *storage.ChainStore
	authority *encryption.Authority

	batchSize    int
	difficulty   uint8
	sealInterval time.Duration
	clock        func() time.Time
	logger       zerolog.Logger

	closing chan struct{}
	wg      sync.WaitGroup
}

// ChainOption changes the default parameters of the chain.
type ChainOption func(*Chain)

// WithBatchSize sets the number of pending transactions that triggers a seal.
func WithBatchSize(size int) ChainOption {
	return func(c *Chain) {
		c.batchSize = size
	}
}

// WithDifficulty sets the number of leading zero bytes of the block hashes.
func WithDifficulty(difficulty uint8) ChainOption {
	return func(c *Chain) {
		c.difficulty = difficulty
	}
}

// WithSealInterval sets the period of the background sealing.
func WithSealInterval(interval time.Duration) ChainOption {
	return func(c *Chain) {
		c.sealInterval = interval
	}
}

// WithClock sets the source of the block timestamps.
func WithClock(clock func() time.Time) ChainOption {
	return func(c *Chain) {
		c.clock = clock
	}
}

// NewChain loads the chain from the store, or creates the genesis block when
// the store is empty. A stored chain that fails the validation is refused.
func NewChain(store *storage.ChainStore, authority *encryption.Authority, opts ...ChainOption) (*Chain, error) {
	c := &Chain{
		votes:        make(map[string]models.LedgerVoteRecord),
		txs:          make(map[string]string),
		anchors:      make(map[string]string),
		store:        store,
		authority:    authority,
		batchSize:    1,
		difficulty:   1,
		sealInterval: 2 * time.Second,
		clock:        time.Now,
		logger:       logging.Component("ledger"),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.batchSize < 1 {
		c.batchSize = 1
	}

	blocks, err := store.Load()
	if err != nil {
		return nil, xerrors.Errorf("failed to load chain: %v", err)
	}

	if len(blocks) == 0 {
		genesis, err := c.newBlock(0, nil, nil, 0)
		if err != nil {
			return nil, xerrors.Errorf("failed to create genesis: %v", err)
		}

		err = store.Save([]*models.Block{genesis})
		if err != nil {
			return nil, xerrors.Errorf("failed to save genesis: %v", err)
		}

		blocks = []*models.Block{genesis}
		c.logger.Info().Str("authority", authority.Address().Hex()).Msg("created genesis block")
	}

	c.blocks = blocks

	err = c.validate()
	if err != nil {
		return nil, xerrors.Errorf("stored chain is invalid: %v", err)
	}

	for _, block := range blocks {
		c.index(block.Transactions, hex.EncodeToString(block.Hash))
	}

	promHeight.Set(float64(len(c.blocks)))

	return c, nil
}

// SubmitVote implements ledger.Ledger.
func (c *Chain) SubmitVote(ctx context.Context, electionID, candidateID, voterAddress string) (SubmitResult, error) {
	err := ctx.Err()
	if err != nil {
		return SubmitResult{}, xerrors.Errorf("submission cancelled: %w", apperr.ErrLedger)
	}

	if electionID == "" || candidateID == "" {
		return SubmitResult{}, xerrors.Errorf("missing election or candidate: %w", apperr.ErrEncoding)
	}

	addr, err := encryption.NormalizeAddress(voterAddress)
	if err != nil {
		return SubmitResult{}, err
	}

	c.Lock()
	defer c.Unlock()

	existing, found := c.votes[voteKey(electionID, addr)]
	if found {
		c.logger.Warn().
			Str("election", electionID).
			Str("address", addr).
			Str("tx", existing.TxRef).
			Msg("address already voted")

		return SubmitResult{}, xerrors.Errorf("address %s in election '%s': %w",
			addr, electionID, apperr.ErrDuplicateVote)
	}

	tx := c.newTx(models.LedgerTx{
		Kind:         models.TxVote,
		ElectionID:   electionID,
		CandidateID:  candidateID,
		VoterAddress: addr,
	})

	c.pending = append(c.pending, tx)
	c.index([]models.LedgerTx{tx}, "")
	promPending.Set(float64(len(c.pending)))

	confirmed := false
	if len(c.pending) >= c.batchSize {
		err = c.seal()
		if err != nil {
			// the transaction stays in the pool for the next seal
			c.logger.Err(err).Msg("failed to seal block")
		} else {
			confirmed = true
		}
	}

	return SubmitResult{TxRef: tx.Ref, Confirmed: confirmed}, nil
}

// HasVoted implements ledger.Ledger.
func (c *Chain) HasVoted(ctx context.Context, electionID, voterAddress string) (bool, error) {
	_, found, err := c.FindVote(ctx, electionID, voterAddress)
	return found, err
}

// FindVote implements ledger.Ledger.
func (c *Chain) FindVote(ctx context.Context, electionID, voterAddress string) (models.LedgerVoteRecord, bool, error) {
	addr, err := encryption.NormalizeAddress(voterAddress)
	if err != nil {
		return models.LedgerVoteRecord{}, false, err
	}

	c.RLock()
	defer c.RUnlock()

	record, found := c.votes[voteKey(electionID, addr)]
	return record, found, nil
}

// TxStatus implements ledger.Ledger.
func (c *Chain) TxStatus(ctx context.Context, txRef string) (models.TxStatus, error) {
	c.RLock()
	defer c.RUnlock()

	blockRef, found := c.txs[txRef]
	switch {
	case !found:
		return models.TxUnknown, nil
	case blockRef == "":
		return models.TxPending, nil
	default:
		return models.TxConfirmed, nil
	}
}

// AnchorKey implements ledger.Ledger. An election can be anchored only once.
// Anchoring the same fingerprint again returns the existing reference.
func (c *Chain) AnchorKey(ctx context.Context, electionID, fingerprint string) (string, error) {
	if electionID == "" || fingerprint == "" {
		return "", xerrors.Errorf("missing election or fingerprint: %w", apperr.ErrEncoding)
	}

	c.Lock()
	defer c.Unlock()

	ref, found := c.anchors[electionID]
	if found {
		if c.anchoredFingerprint(ref) == fingerprint {
			return ref, nil
		}
		return ref, xerrors.Errorf("anchor of election '%s': %w", electionID, apperr.ErrAlreadyExists)
	}

	tx := c.newTx(models.LedgerTx{
		Kind:        models.TxKeyAnchor,
		ElectionID:  electionID,
		Fingerprint: fingerprint,
	})

	c.pending = append(c.pending, tx)
	c.index([]models.LedgerTx{tx}, "")
	promPending.Set(float64(len(c.pending)))

	if len(c.pending) >= c.batchSize {
		err := c.seal()
		if err != nil {
			c.logger.Err(err).Msg("failed to seal block")
		}
	}

	return tx.Ref, nil
}

// Anchor returns the fingerprint anchored for the election.
func (c *Chain) Anchor(electionID string) (string, bool) {
	c.RLock()
	defer c.RUnlock()

	ref, found := c.anchors[electionID]
	if !found {
		return "", false
	}

	fingerprint := c.anchoredFingerprint(ref)

	return fingerprint, fingerprint != ""
}

// anchoredFingerprint returns the fingerprint of the anchor transaction. The
// caller holds the lock.
func (c *Chain) anchoredFingerprint(ref string) string {
	for _, block := range c.blocks {
		for _, tx := range block.Transactions {
			if tx.Ref == ref {
				return tx.Fingerprint
			}
		}
	}
	for _, tx := range c.pending {
		if tx.Ref == ref {
			return tx.Fingerprint
		}
	}

	return ""
}

// Seal seals the pending transactions into a new block. It does nothing when
// the pool is empty.
func (c *Chain) Seal() error {
	c.Lock()
	defer c.Unlock()

	return c.seal()
}

// Start seals the pool periodically until Stop is called.
func (c *Chain) Start() {
	c.Lock()
	if c.closing != nil {
		c.Unlock()
		return
	}
	c.closing = make(chan struct{})
	closing := c.closing
	c.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.sealInterval)
		defer ticker.Stop()

		for {
			select {
			case <-closing:
				return
			case <-ticker.C:
				err := c.Seal()
				if err != nil {
					c.logger.Err(err).Msg("periodic seal failed")
				}
			}
		}
	}()
}

// Stop stops the background sealing and seals what is left in the pool.
func (c *Chain) Stop() error {
	c.Lock()
	closing := c.closing
	c.closing = nil
	c.Unlock()

	if closing != nil {
		close(closing)
		c.wg.Wait()
	}

	return c.Seal()
}

// Validate checks the links, hashes, merkle roots and signatures of the whole
// chain.
func (c *Chain) Validate() error {
	c.RLock()
	defer c.RUnlock()

	return c.validate()
}

// Blocks returns the sealed blocks.
func (c *Chain) Blocks() []*models.Block {
	c.RLock()
	defer c.RUnlock()

	blocks := make([]*models.Block, len(c.blocks))
	copy(blocks, c.blocks)
	return blocks
}

// Height returns the number of sealed blocks.
func (c *Chain) Height() int {
	c.RLock()
	defer c.RUnlock()

	return len(c.blocks)
}

// Authority returns the address whose signature every block carries.
func (c *Chain) Authority() common.Address {
	return c.authority.Address()
}

// PendingCount returns the number of transactions in the pool.
func (c *Chain) PendingCount() int {
	c.RLock()
	defer c.RUnlock()

	return len(c.pending)
}

func (c *Chain) seal() error {
	if len(c.pending) == 0 {
		return nil
	}

	last := c.blocks[len(c.blocks)-1]

	block, err := c.newBlock(last.Index+1, c.pending, last.Hash, last.Timestamp)
	if err != nil {
		return err
	}

	blocks := make([]*models.Block, len(c.blocks), len(c.blocks)+1)
	copy(blocks, c.blocks)
	blocks = append(blocks, block)

	err = c.store.Save(blocks)
	if err != nil {
		return xerrors.Errorf("failed to persist block: %v", err)
	}

	c.blocks = blocks
	c.index(block.Transactions, hex.EncodeToString(block.Hash))
	c.pending = nil

	promHeight.Set(float64(len(c.blocks)))
	promPending.Set(0)

	c.logger.Info().
		Uint64("index", block.Index).
		Int("txs", len(block.Transactions)).
		Hex("hash", block.Hash).
		Msg("sealed block")

	return nil
}

// newBlock creates, mines and signs a block. Its timestamp is always after
// the one of the previous block.
func (c *Chain) newBlock(index uint64, txs []models.LedgerTx, prevHash []byte, prevTime int64) (*models.Block, error) {
	timestamp := c.clock().UnixMilli()
	if index > 0 && timestamp <= prevTime {
		timestamp = prevTime + 1
	}

	block, err := models.NewBlock(index, timestamp, txs, prevHash, c.difficulty)
	if err != nil {
		return nil, xerrors.Errorf("failed to create block: %v", err)
	}

	block.Signature, err = c.authority.Sign(block.Hash)
	if err != nil {
		return nil, err
	}

	return block, nil
}

func (c *Chain) newTx(tx models.LedgerTx) models.LedgerTx {
	c.seq++

	tx.Timestamp = c.clock().Unix()

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, c.seq)

	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(c.clock().UnixNano()))

	tx.Ref = encryption.Keccak256Hex(
		[]byte(tx.Kind),
		[]byte(tx.ElectionID),
		[]byte(tx.VoterAddress),
		[]byte(tx.CandidateID),
		[]byte(tx.Fingerprint),
		ts,
		seq,
	)

	return tx
}

func (c *Chain) index(txs []models.LedgerTx, blockRef string) {
	for _, tx := range txs {
		c.txs[tx.Ref] = blockRef

		switch tx.Kind {
		case models.TxVote:
			c.votes[voteKey(tx.ElectionID, tx.VoterAddress)] = models.LedgerVoteRecord{
				ElectionID:   tx.ElectionID,
				CandidateID:  tx.CandidateID,
				VoterAddress: tx.VoterAddress,
				TxRef:        tx.Ref,
				BlockRef:     blockRef,
			}
		case models.TxKeyAnchor:
			c.anchors[tx.ElectionID] = tx.Ref
		}
	}
}

func (c *Chain) validate() error {
	if len(c.blocks) == 0 {
		return xerrors.New("chain is empty")
	}

	if c.blocks[0].Index != 0 || len(c.blocks[0].PrevHash) != 0 {
		return xerrors.New("invalid genesis block")
	}

	err := models.ValidateChain(c.blocks)
	if err != nil {
		return err
	}

	addr := c.authority.Address()
	seen := make(map[string]struct{})

	for i, block := range c.blocks {
		if !encryption.VerifySignature(addr, block.Hash, block.Signature) {
			return xerrors.Errorf("block %d has invalid signature", i)
		}

		for _, tx := range block.Transactions {
			if tx.Kind != models.TxVote {
				continue
			}

			key := voteKey(tx.ElectionID, tx.VoterAddress)
			if _, found := seen[key]; found {
				return xerrors.Errorf("block %d has a duplicate vote of %s", i, tx.VoterAddress)
			}
			seen[key] = struct{}{}
		}
	}

	return nil
}

func voteKey(electionID, addr string) string {
	return string(storage.CompositeKey(electionID, addr))
}
