package biometric

import (
	"context"
	"math"
	"time"

	"evote-backend/apperr"

	"gonum.org/v1/gonum/floats"
	"golang.org/x/xerrors"
)

const (
	// Dimension is the length of a face descriptor.
	Dimension = 128

	// DefaultThreshold is the distance under which two descriptors are
	// considered the same face. The bound is exclusive.
	DefaultThreshold = 0.6

	// DefaultAttempts is the number of capture attempts before giving up.
	DefaultAttempts = 10
)

// MaxDistance is returned when a descriptor cannot be compared. It never
// matches.
var MaxDistance = math.Inf(1)

// Comparison is the outcome of a descriptor comparison.
type Comparison struct {
	Matched  bool    `json:"matched"`
	Distance float64 `json:"distance"`
	Score    float64 `json:"score"`
}

// Matcher compares descriptors under a threshold. It does no I/O.
type Matcher struct {
	Threshold float64
}

// NewMatcher returns a matcher with the given threshold, or the default one
// when it is not positive.
func NewMatcher(threshold float64) Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Match reports whether the distance is strictly below the threshold.
func (m Matcher) Match(d float64) bool {
	return d < m.Threshold
}

// Compare returns the distance between the descriptors, the decision and the
// display score.
func (m Matcher) Compare(a, b []float64) Comparison {
	d := Distance(a, b)

	return Comparison{
		Matched:  m.Match(d),
		Distance: d,
		Score:    Score(d),
	}
}

// Distance returns the Euclidean distance between two descriptors, or
// MaxDistance when one of them is malformed.
func Distance(a, b []float64) float64 {
	if Validate(a) != nil || Validate(b) != nil {
		return MaxDistance
	}

	return floats.Distance(a, b, 2)
}

// Score maps a distance to a 0-100 confidence for display. It plays no part
// in the decision.
func Score(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}

	return math.Max(0, 100-d*100)
}

// Validate checks the dimension and the values of a descriptor.
func Validate(descriptor []float64) error {
	if len(descriptor) != Dimension {
		return xerrors.Errorf("descriptor has %d values instead of %d: %w",
			len(descriptor), Dimension, apperr.ErrCapture)
	}

	if floats.HasNaN(descriptor) {
		return xerrors.Errorf("descriptor has NaN values: %w", apperr.ErrCapture)
	}

	for _, v := range descriptor {
		if math.IsInf(v, 0) {
			return xerrors.Errorf("descriptor has infinite values: %w", apperr.ErrCapture)
		}
	}

	return nil
}

// Capturer produces a descriptor from a live frame. A capture fails when no
// face is found.
type Capturer interface {
	Capture(ctx context.Context) ([]float64, error)
}

// Capture tries the capturer until it returns a valid descriptor, at most
// attempts times with the delay between two tries.
func Capture(ctx context.Context, c Capturer, attempts int, delay time.Duration) ([]float64, error) {
	if attempts < 1 {
		attempts = DefaultAttempts
	}

	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, xerrors.Errorf("capture interrupted: %v: %w", ctx.Err(), apperr.ErrCapture)
			case <-time.After(delay):
			}
		}

		descriptor, err := c.Capture(ctx)
		if err == nil {
			err = Validate(descriptor)
		}
		if err == nil {
			return descriptor, nil
		}

		lastErr = err
	}

	return nil, xerrors.Errorf("no descriptor after %d attempts: %v: %w", attempts, lastErr, apperr.ErrCapture)
}
