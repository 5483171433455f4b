package engine

import (
	"math"

	"github.com/example/faceverify/internal/capability"
)

// Default matching constants. Distance and confidence thresholds are tuned
// independently; a result must pass both.
const (
	// DefaultMaxDistance is the maximum meaningful descriptor distance.
	// Distances are normalized against it before the confidence transform,
	// and any distance above it is never a match.
	DefaultMaxDistance = 0.4

	// DefaultMinConfidence is the confidence floor a match must clear.
	DefaultMinConfidence = 0.6

	// confidenceExponent shapes the convex confidence curve: borderline
	// distances are penalized more than linear scaling would.
	confidenceExponent = 1.5
)

// MatchResult is the outcome of comparing one descriptor against a stored set.
type MatchResult struct {
	Distance   float64
	Confidence float64
	IsMatch    bool
	// Index of the selected stored descriptor, or -1 when stored was empty.
	Index int
}

// EuclideanDistance computes the L2 distance between two descriptors.
func EuclideanDistance(a, b capability.Descriptor) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ConfidenceFromDistance maps a raw distance into [0,1]. The distance is
// normalized by maxDistance, clamped, and passed through a power curve so
// confidence falls off faster than linearly as distance grows.
func ConfidenceFromDistance(distance, maxDistance float64) float64 {
	if maxDistance <= 0 {
		return 0
	}
	normalized := distance / maxDistance
	if normalized > 1 {
		normalized = 1
	}
	if normalized < 0 {
		normalized = 0
	}
	return math.Pow(1-normalized, confidenceExponent)
}

// Match compares current against every stored descriptor and selects the one
// with the smallest raw distance. Selection is by distance, not confidence,
// so tie-breaking stays deterministic (first stored descriptor wins a tie).
// Callers must not invoke Match with an empty stored set; they report the
// missing enrollment themselves.
func Match(current capability.Descriptor, stored []capability.Descriptor, maxDistance, minConfidence float64) MatchResult {
	best := MatchResult{Distance: math.Inf(1), Index: -1}
	for i, candidate := range stored {
		if d := EuclideanDistance(current, candidate); d < best.Distance {
			best.Distance = d
			best.Index = i
		}
	}
	if best.Index < 0 {
		return MatchResult{Index: -1}
	}

	best.Confidence = ConfidenceFromDistance(best.Distance, maxDistance)
	best.IsMatch = best.Distance <= maxDistance && best.Confidence >= minConfidence
	return best
}
