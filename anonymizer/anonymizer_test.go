package anonymizer

import (
	"fmt"
	"testing"

	"evote-backend/models"

	"github.com/stretchr/testify/require"
)

func TestShuffle(t *testing.T) {
	ballots := makeBallots(20)

	shuffled, err := Shuffle(ballots)
	require.NoError(t, err)
	require.ElementsMatch(t, ballots, shuffled)

	// the input is left untouched
	require.Equal(t, "b0", ballots[0].ID)

	empty, err := Shuffle(nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestStrip(t *testing.T) {
	ballot := models.EncryptedBallot{
		ID:         "id",
		ElectionID: "e1",
		VoterID:    "voter",
		Ciphertext: []byte("ct"),
		CreatedAt:  42,
	}

	stripped := Strip(ballot)
	require.Empty(t, stripped.ID)
	require.Empty(t, stripped.VoterID)
	require.Zero(t, stripped.CreatedAt)
	require.Equal(t, "e1", stripped.ElectionID)
	require.Equal(t, []byte("ct"), stripped.Ciphertext)
}

func TestAnonymize(t *testing.T) {
	ballots := makeBallots(10)

	anon, err := Anonymize(ballots)
	require.NoError(t, err)
	require.Len(t, anon, 10)

	var ciphertexts []string
	for _, b := range anon {
		require.Empty(t, b.ID)
		require.Empty(t, b.VoterID)
		ciphertexts = append(ciphertexts, string(b.Ciphertext))
	}

	var expected []string
	for _, b := range ballots {
		expected = append(expected, string(b.Ciphertext))
	}
	require.ElementsMatch(t, expected, ciphertexts)

	require.Equal(t, "voter-0", ballots[0].VoterID)
}

func makeBallots(n int) []models.EncryptedBallot {
	ballots := make([]models.EncryptedBallot, n)
	for i := range ballots {
		ballots[i] = models.EncryptedBallot{
			ID:         fmt.Sprintf("b%d", i),
			ElectionID: "e1",
			VoterID:    fmt.Sprintf("voter-%d", i),
			Ciphertext: []byte(fmt.Sprintf("ct-%d", i)),
			CreatedAt:  int64(i),
		}
	}
	return ballots
}
