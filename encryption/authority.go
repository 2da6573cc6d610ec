package encryption

import (
	"crypto/ecdsa"
	"encoding/json"
	"os"
	"strings"

	"evote-backend/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

// Authority is the secp256k1 identity that signs the ledger blocks.
type Authority struct {
	key *ecdsa.PrivateKey
}

type authorityCredentials struct {
	Address    string `json:"address"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// NewAuthority returns an authority using a fresh key.
func NewAuthority() (*Authority, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Errorf("failed to generate authority key: %v", err)
	}

	return &Authority{key: key}, nil
}

// LoadOrGenerateAuthority restores the authority from the credentials file, or
// creates a new one and saves it when the file does not exist.
func LoadOrGenerateAuthority(path string) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var creds authorityCredentials
		err = json.Unmarshal(data, &creds)
		if err != nil {
			return nil, xerrors.Errorf("failed to parse authority credentials: %v", err)
		}

		key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKey, "0x"))
		if err != nil {
			return nil, xerrors.Errorf("failed to restore authority key: %v", err)
		}

		return &Authority{key: key}, nil
	}

	if !os.IsNotExist(err) {
		return nil, xerrors.Errorf("failed to read authority credentials: %v", err)
	}

	authority, err := NewAuthority()
	if err != nil {
		return nil, err
	}

	creds := authorityCredentials{
		Address:    authority.Address().Hex(),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&authority.key.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(authority.key)),
	}

	data, err = json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal authority credentials: %v", err)
	}

	err = os.WriteFile(path, data, 0600)
	if err != nil {
		return nil, xerrors.Errorf("failed to save authority credentials: %v", err)
	}

	return authority, nil
}

// Address returns the Ethereum-style address of the authority.
func (a *Authority) Address() common.Address {
	return crypto.PubkeyToAddress(a.key.PublicKey)
}

// Sign signs the Keccak-256 hash of data.
func (a *Authority) Sign(data []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(data), a.key)
	if err != nil {
		return nil, xerrors.Errorf("failed to sign: %v", err)
	}

	return sig, nil
}

// VerifySignature reports whether the signature over data was produced by the
// key behind the address.
func VerifySignature(addr common.Address, data, signature []byte) bool {
	pub, err := crypto.SigToPub(crypto.Keccak256(data), signature)
	if err != nil {
		return false
	}

	return crypto.PubkeyToAddress(*pub) == addr
}

// Keccak256Hex returns the 0x-prefixed Keccak-256 hash of the concatenation
// of the inputs.
func Keccak256Hex(data ...[]byte) string {
	return crypto.Keccak256Hash(data...).Hex()
}

// NormalizeAddress validates a 0x-prefixed 20-byte hex address and returns it
// in its checksummed form.
func NormalizeAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return "", xerrors.Errorf("invalid voter address '%s': %w", addr, apperr.ErrEncoding)
	}

	return common.HexToAddress(addr).Hex(), nil
}
