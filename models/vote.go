package models

// VotePayload is the plaintext ballot. It only exists in memory between the
// voter's selection and the encryption, and must never be stored or logged.
type VotePayload struct {
	CandidateID string `json:"candidate_id"`
	ElectionID  string `json:"election_id"`
	VoterID     string `json:"voter_id"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       []byte `json:"nonce"`
}

// EncryptedBallot is a VotePayload sealed with a one-time AES key, the key
// itself being wrapped with the election public key.
type EncryptedBallot struct {
	ID          string `json:"id,omitempty"`
	ElectionID  string `json:"election_id"`
	VoterID     string `json:"voter_id,omitempty"`
	Ciphertext  []byte `json:"ciphertext"`
	WrappedKey  []byte `json:"wrapped_key"`
	IV          []byte `json:"iv"`
	AlgorithmID string `json:"algorithm_id"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

// VoteReceipt is the only voter-facing proof of participation. It is written
// once the ledger confirmed the vote and is never modified afterwards.
type VoteReceipt struct {
	ReceiptHash string `json:"receipt_hash"`
	ElectionID  string `json:"election_id"`
	BallotID    string `json:"ballot_id"`
	Salt        []byte `json:"salt"`
	Timestamp   int64  `json:"timestamp"`
	LedgerTxRef string `json:"ledger_tx_ref,omitempty"`
}

// VoteState is the position of a (voter, election) pair in the submission
// state machine.
type VoteState string

const (
	StateNotVoted      VoteState = "NOT_VOTED"
	StateEncrypting    VoteState = "ENCRYPTING"
	StateLedgerPending VoteState = "LEDGER_PENDING"
	StateRecorded      VoteState = "RECORDED"
	StateRejected      VoteState = "REJECTED"
)

// Terminal reports whether no transition leaves the state.
func (s VoteState) Terminal() bool {
	return s == StateRecorded || s == StateRejected
}

// Submission is the in-flight record of a vote. It holds everything needed to
// re-derive the receipt once the ledger transaction is known to be confirmed,
// so that a crash between the ledger write and the receipt write can be
// recovered. The candidate is deliberately not part of it.
type Submission struct {
	VoterID      string          `json:"voter_id"`
	ElectionID   string          `json:"election_id"`
	VoterAddress string          `json:"voter_address"`
	State        VoteState       `json:"state"`
	Ballot       EncryptedBallot `json:"ballot"`
	Salt         []byte          `json:"salt"`
	LedgerTxRef  string          `json:"ledger_tx_ref,omitempty"`
	ReceiptHash  string          `json:"receipt_hash,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
}
