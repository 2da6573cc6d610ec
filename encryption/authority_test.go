package encryption

import (
	"path/filepath"
	"testing"

	"evote-backend/apperr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestAuthority_SignVerify(t *testing.T) {
	authority, err := NewAuthority()
	require.NoError(t, err)

	sig, err := authority.Sign([]byte("block"))
	require.NoError(t, err)

	require.True(t, VerifySignature(authority.Address(), []byte("block"), sig))
	require.False(t, VerifySignature(authority.Address(), []byte("other"), sig))
	require.False(t, VerifySignature(common.Address{}, []byte("block"), sig))
	require.False(t, VerifySignature(authority.Address(), []byte("block"), []byte{1, 2}))
}

func TestLoadOrGenerateAuthority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authority.json")

	first, err := LoadOrGenerateAuthority(path)
	require.NoError(t, err)

	second, err := LoadOrGenerateAuthority(path)
	require.NoError(t, err)

	require.Equal(t, first.Address(), second.Address())
}

func TestNormalizeAddress(t *testing.T) {
	addr, err := NormalizeAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	require.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", addr)

	for _, bad := range []string{"", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x1234", "0xZZaeb6053f3e94c9b9a09f33669435e7ef1beaed"} {
		_, err := NormalizeAddress(bad)
		require.ErrorIs(t, err, apperr.ErrEncoding)
	}
}

func TestKeccak256Hex(t *testing.T) {
	require.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", Keccak256Hex())
	require.Len(t, Keccak256Hex([]byte("a"), []byte("b")), 66)
}
