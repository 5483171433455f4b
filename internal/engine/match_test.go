package engine

import (
	"math"
	"testing"

	"github.com/example/faceverify/internal/capability"
)

func descriptorWithFirst(v float32) capability.Descriptor {
	var d capability.Descriptor
	d[0] = v
	return d
}

func TestMatchIdenticalDescriptors(t *testing.T) {
	d := descriptorWithFirst(0.3)
	result := Match(d, []capability.Descriptor{d}, DefaultMaxDistance, DefaultMinConfidence)

	if result.Distance != 0 {
		t.Fatalf("expected zero distance, got %f", result.Distance)
	}
	if !result.IsMatch {
		t.Fatal("expected identical descriptors to match")
	}
	if result.Confidence != 1 {
		t.Fatalf("expected confidence 1, got %f", result.Confidence)
	}
}

func TestMatchRejectsBeyondMaxDistance(t *testing.T) {
	current := descriptorWithFirst(0)
	for _, distance := range []float32{0.41, 0.5, 1, 10} {
		stored := descriptorWithFirst(distance)
		result := Match(current, []capability.Descriptor{stored}, DefaultMaxDistance, DefaultMinConfidence)
		if result.IsMatch {
			t.Fatalf("distance %f should never match", distance)
		}
	}
}

func TestMatchRequiresBothThresholds(t *testing.T) {
	current := descriptorWithFirst(0)

	// 0.2 is within the distance bound but its confidence (0.5^1.5) falls
	// below the confidence floor.
	result := Match(current, []capability.Descriptor{descriptorWithFirst(0.2)}, DefaultMaxDistance, DefaultMinConfidence)
	if result.Distance > DefaultMaxDistance {
		t.Fatalf("unexpected distance %f", result.Distance)
	}
	if result.IsMatch {
		t.Fatal("expected confidence floor to reject the match")
	}

	result = Match(current, []capability.Descriptor{descriptorWithFirst(0.1)}, DefaultMaxDistance, DefaultMinConfidence)
	if !result.IsMatch {
		t.Fatalf("expected match at distance 0.1, got confidence %f", result.Confidence)
	}
	if result.Confidence < DefaultMinConfidence {
		t.Fatalf("expected confidence >= %f, got %f", DefaultMinConfidence, result.Confidence)
	}
}

func TestConfidenceMonotonicallyNonIncreasing(t *testing.T) {
	previous := math.Inf(1)
	for d := 0.0; d <= DefaultMaxDistance+1e-9; d += 0.01 {
		c := ConfidenceFromDistance(d, DefaultMaxDistance)
		if c > previous {
			t.Fatalf("confidence increased from %f to %f at distance %f", previous, c, d)
		}
		if c < 0 || c > 1 {
			t.Fatalf("confidence %f out of range at distance %f", c, d)
		}
		previous = c
	}

	if c := ConfidenceFromDistance(2, DefaultMaxDistance); c != 0 {
		t.Fatalf("expected clamped confidence 0 beyond max distance, got %f", c)
	}
}

func TestMatchSelectsSmallestDistance(t *testing.T) {
	current := descriptorWithFirst(0)
	stored := []capability.Descriptor{
		descriptorWithFirst(0.3),
		descriptorWithFirst(0.05),
		descriptorWithFirst(0.2),
	}
	result := Match(current, stored, DefaultMaxDistance, DefaultMinConfidence)
	if result.Index != 1 {
		t.Fatalf("expected closest descriptor at index 1, got %d", result.Index)
	}
	if math.Abs(result.Distance-0.05) > 1e-6 {
		t.Fatalf("unexpected distance %f", result.Distance)
	}
}

func TestMatchTieBreaksOnFirstStored(t *testing.T) {
	current := descriptorWithFirst(0)
	same := descriptorWithFirst(0.1)
	result := Match(current, []capability.Descriptor{same, same}, DefaultMaxDistance, DefaultMinConfidence)
	if result.Index != 0 {
		t.Fatalf("expected deterministic tie-break to index 0, got %d", result.Index)
	}
}

func TestMatchEmptyStoredSet(t *testing.T) {
	result := Match(descriptorWithFirst(0), nil, DefaultMaxDistance, DefaultMinConfidence)
	if result.IsMatch || result.Index != -1 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}
