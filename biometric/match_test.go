package biometric

import (
	"context"
	"math"
	"testing"
	"time"

	"evote-backend/apperr"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestDistance(t *testing.T) {
	a := makeDescriptor(0.1)

	require.Equal(t, 0.0, Distance(a, a))

	b := shifted(a, 0.6)
	require.InDelta(t, 0.6, Distance(a, b), 1e-12)

	require.True(t, math.IsInf(Distance(a, a[:10]), 1))
	require.True(t, math.IsInf(Distance(nil, a), 1))

	withNaN := makeDescriptor(0.1)
	withNaN[3] = math.NaN()
	require.Equal(t, MaxDistance, Distance(a, withNaN))
}

func TestMatcher_Compare(t *testing.T) {
	m := NewMatcher(0)
	require.Equal(t, DefaultThreshold, m.Threshold)

	a := makeDescriptor(0.2)

	same := m.Compare(a, a)
	require.True(t, same.Matched)
	require.Equal(t, 0.0, same.Distance)
	require.Equal(t, 100.0, same.Score)

	close := m.Compare(a, shifted(a, 0.25))
	require.True(t, close.Matched)
	require.InDelta(t, 75.0, close.Score, 1e-9)

	broken := m.Compare(a, a[:127])
	require.False(t, broken.Matched)
	require.Equal(t, 0.0, broken.Score)
}

func TestMatcher_BoundaryIsExclusive(t *testing.T) {
	m := NewMatcher(DefaultThreshold)

	require.False(t, m.Match(0.6))
	require.True(t, m.Match(math.Nextafter(0.6, 0)))
	require.False(t, m.Match(MaxDistance))
}

func TestScore(t *testing.T) {
	require.Equal(t, 100.0, Score(0))
	require.InDelta(t, 40.0, Score(0.6), 1e-9)
	require.Equal(t, 0.0, Score(1.5))
	require.Equal(t, 0.0, Score(MaxDistance))
	require.Equal(t, 0.0, Score(math.NaN()))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(makeDescriptor(0)))

	err := Validate(make([]float64, 64))
	require.ErrorIs(t, err, apperr.ErrCapture)

	inf := makeDescriptor(0)
	inf[0] = math.Inf(-1)
	require.ErrorIs(t, Validate(inf), apperr.ErrCapture)
}

func TestCapture_RetriesUntilFace(t *testing.T) {
	c := &fakeCapturer{failures: 3}

	descriptor, err := Capture(context.Background(), c, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, descriptor, Dimension)
	require.Equal(t, 4, c.calls)
}

func TestCapture_GivesUp(t *testing.T) {
	c := &fakeCapturer{failures: 100}

	_, err := Capture(context.Background(), c, 10, time.Millisecond)
	require.ErrorIs(t, err, apperr.ErrCapture)
	require.Equal(t, 10, c.calls)
}

func TestCapture_WrongDimensionRetried(t *testing.T) {
	c := &fakeCapturer{short: 2}

	_, err := Capture(context.Background(), c, 0, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, c.calls)
}

func TestCapture_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &fakeCapturer{failures: 100}

	_, err := Capture(ctx, c, 10, time.Second)
	require.ErrorIs(t, err, apperr.ErrCapture)
	require.Equal(t, 1, c.calls)
}

// -----------------------------------------------------------------------------
// Utility functions

func makeDescriptor(base float64) []float64 {
	d := make([]float64, Dimension)
	for i := range d {
		d[i] = base + float64(i)/1000
	}
	return d
}

// shifted returns a copy of d at the given Euclidean distance.
func shifted(d []float64, distance float64) []float64 {
	out := make([]float64, len(d))
	copy(out, d)
	out[0] += distance
	return out
}

type fakeCapturer struct {
	failures int
	short    int
	calls    int
}

func (c *fakeCapturer) Capture(ctx context.Context) ([]float64, error) {
	c.calls++

	if c.calls <= c.failures {
		return nil, xerrors.New("no face detected")
	}
	if c.calls <= c.short {
		return make([]float64, 10), nil
	}

	return makeDescriptor(0.3), nil
}
