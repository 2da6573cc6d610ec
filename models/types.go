package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"

	"github.com/cbergoon/merkletree"
	"golang.org/x/xerrors"
)

// ElectionKeyPair is the RSA keypair of an election. The private key is only
// kept sealed and never leaves the key manager.
type ElectionKeyPair struct {
	ElectionID       string `json:"election_id"`
	PublicKeyPEM     string `json:"public_key_pem"`
	SealedPrivateKey []byte `json:"sealed_private_key"`
	SealNonce        []byte `json:"seal_nonce"`
	Fingerprint      string `json:"fingerprint"`
	AnchorTxRef      string `json:"anchor_tx_ref,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// TxKind is the type of a ledger transaction.
type TxKind string

const (
	TxVote      TxKind = "VOTE"
	TxKeyAnchor TxKind = "KEY_ANCHOR"
)

// LedgerTx is a transaction of the ledger.
//
// - implements merkletree.Content
type LedgerTx struct {
	Ref          string `json:"ref"`
	Kind         TxKind `json:"kind"`
	ElectionID   string `json:"election_id"`
	CandidateID  string `json:"candidate_id,omitempty"`
	VoterAddress string `json:"voter_address,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// CalculateHash implements merkletree.Content.
func (tx LedgerTx) CalculateHash() ([]byte, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal tx: %v", err)
	}

	h := sha256.Sum256(data)
	return h[:], nil
}

// Equals implements merkletree.Content.
func (tx LedgerTx) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(LedgerTx)
	if !ok {
		return false, xerrors.Errorf("invalid content type %T", other)
	}

	return tx.Ref == o.Ref, nil
}

// LedgerVoteRecord is the view of a vote transaction on the ledger. BlockRef
// is empty while the transaction is pending.
type LedgerVoteRecord struct {
	ElectionID   string `json:"election_id"`
	CandidateID  string `json:"candidate_id"`
	VoterAddress string `json:"voter_address"`
	TxRef        string `json:"tx_ref"`
	BlockRef     string `json:"block_ref,omitempty"`
}

// TxStatus is the confirmation status of a ledger transaction.
type TxStatus string

const (
	TxUnknown   TxStatus = "UNKNOWN"
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
)

// MerkleRoot computes the root over the transactions. An empty list has a
// zero root.
func MerkleRoot(txs []LedgerTx) ([]byte, error) {
	if len(txs) == 0 {
		return make([]byte, sha256.Size), nil
	}

	contents := make([]merkletree.Content, len(txs))
	for i, tx := range txs {
		contents[i] = tx
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, xerrors.Errorf("failed to build merkle tree: %v", err)
	}

	return tree.MerkleRoot(), nil
}

func sameRoot(txs []LedgerTx, root []byte) bool {
	computed, err := MerkleRoot(txs)
	if err != nil {
		return false
	}
	return bytes.Equal(computed, root)
}
