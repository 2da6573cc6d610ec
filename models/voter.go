package models

// VoterContext is supplied by the trusted session layer. The core never
// re-authenticates it.
type VoterContext struct {
	UserID       string `json:"user_id"`
	VoterID      string `json:"voter_id"`
	VoterAddress string `json:"voter_address"`
}

// BiometricProfile is the enrolled face descriptor of a user, encrypted at
// rest with a key derived from the server secret and the salt.
type BiometricProfile struct {
	UserID              string `json:"user_id"`
	EncryptedDescriptor []byte `json:"encrypted_descriptor"`
	Nonce               []byte `json:"nonce"`
	MatchingHash        string `json:"matching_hash"`
	Salt                []byte `json:"salt"`
	CreatedAt           int64  `json:"created_at"`
}

// BiometricPass records that a user passed a server-side biometric check.
type BiometricPass struct {
	UserID    string  `json:"user_id"`
	Distance  float64 `json:"distance"`
	ExpiresAt int64   `json:"expires_at"`
}
