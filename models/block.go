package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Block is a sealed batch of ledger transactions.
type Block struct {
	Index        uint64     `json:"index"`
	Timestamp    int64      `json:"timestamp"`
	Transactions []LedgerTx `json:"transactions"`
	MerkleRoot   []byte     `json:"merkle_root"`
	PrevHash     []byte     `json:"prev_hash"`
	Hash         []byte     `json:"hash"`
	Nonce        uint64     `json:"nonce"`
	Difficulty   uint8      `json:"difficulty"` // Number of leading zero bytes required
	Signature    []byte     `json:"signature,omitempty"`
}

// NewBlock creates and mines a block over the transactions.
func NewBlock(index uint64, timestamp int64, txs []LedgerTx, prevHash []byte, difficulty uint8) (*Block, error) {
	root, err := MerkleRoot(txs)
	if err != nil {
		return nil, err
	}

	block := &Block{
		Index:        index,
		Timestamp:    timestamp,
		Transactions: txs,
		MerkleRoot:   root,
		PrevHash:     prevHash,
		Difficulty:   difficulty,
	}

	block.Mine()
	return block, nil
}

// Mine searches the nonce giving a hash with Difficulty leading zero bytes.
func (b *Block) Mine() {
	target := make([]byte, b.Difficulty)
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.calculateHash()

		if bytes.HasPrefix(b.Hash, target) {
			return
		}

		nonce++
	}
}

func (b *Block) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	buffer.Write(b.MerkleRoot)
	buffer.Write(b.PrevHash)
	binary.Write(buffer, binary.BigEndian, b.Nonce)
	buffer.WriteByte(b.Difficulty)

	hash := sha256.Sum256(buffer.Bytes())
	return hash[:]
}

// Validate checks the hash, the proof of work and the merkle root. The
// signature is checked by the ledger that knows the authority key.
func (b *Block) Validate() bool {
	calculatedHash := b.calculateHash()
	if !bytes.Equal(calculatedHash, b.Hash) {
		return false
	}

	target := make([]byte, b.Difficulty)
	if !bytes.HasPrefix(calculatedHash, target) {
		return false
	}

	return sameRoot(b.Transactions, b.MerkleRoot)
}

// ValidateChain validates the links of the entire chain.
func ValidateChain(blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	if !blocks[0].Validate() {
		return xerrors.Errorf("genesis block invalid: hash %x", blocks[0].Hash)
	}

	for i := 1; i < len(blocks); i++ {
		currentBlock := blocks[i]
		previousBlock := blocks[i-1]

		if !currentBlock.Validate() {
			return xerrors.Errorf("block %d has invalid hash or merkle root", i)
		}

		if !bytes.Equal(currentBlock.PrevHash, previousBlock.Hash) {
			return xerrors.Errorf("block %d has invalid previous hash link", i)
		}

		if currentBlock.Index != previousBlock.Index+1 {
			return xerrors.Errorf("block %d has invalid index", i)
		}

		if currentBlock.Timestamp <= previousBlock.Timestamp {
			return xerrors.Errorf("block %d has invalid timestamp", i)
		}
	}

	return nil
}
