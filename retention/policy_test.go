package retention

import (
	"testing"
	"time"
)

func TestTimeBasedDeletion(t *testing.T) {
	p := TimeBased(24)

	if !p.ShouldDeleteSegment(25*time.Hour, 10, 0) {
		t.Fatalf("segment older than max age should be deletable")
	}
	if p.ShouldDeleteSegment(1*time.Hour, 10, 0) {
		t.Fatalf("fresh segment should not be deletable")
	}
}

func TestSizeBasedDeletion(t *testing.T) {
	p := SizeBased(5)

	for idx := 0; idx < 10; idx++ {
		got := p.ShouldDeleteSegment(0, 10, idx)
		want := idx < 5
		if got != want {
			t.Fatalf("idx %d: ShouldDeleteSegment = %v, want %v", idx, got, want)
		}
	}
}

func TestMinSegmentsFloor(t *testing.T) {
	p := TimeBased(1)

	// The sole remaining segment is never purged, no matter how old.
	if p.ShouldDeleteSegment(100*time.Hour, 1, 0) {
		t.Fatalf("sole segment must never be deleted")
	}

	// The newest of two is protected; the oldest is not.
	if p.ShouldDeleteSegment(100*time.Hour, 2, 1) {
		t.Fatalf("newest segment must be protected by the floor")
	}
	if !p.ShouldDeleteSegment(100*time.Hour, 2, 0) {
		t.Fatalf("oldest of two should be deletable past max age")
	}
}

func TestDefaultPolicyKeepsEverything(t *testing.T) {
	p := DefaultPolicy()
	if p.Enabled() {
		t.Fatalf("default policy should be disabled")
	}
	if p.ShouldDeleteSegment(1000*time.Hour, 10, 0) {
		t.Fatalf("disabled policy should never delete")
	}
}

func TestEnabled(t *testing.T) {
	if !TimeBased(1).Enabled() {
		t.Fatalf("time-based policy should be enabled")
	}
	if !SizeBased(1).Enabled() {
		t.Fatalf("size-based policy should be enabled")
	}
	if (Policy{MinSegmentsToKeep: 1}).Enabled() {
		t.Fatalf("policy with no limits should be disabled")
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		policy Policy
		want   string
	}{
		{DefaultPolicy(), "retention disabled"},
		{TimeBased(48), "max age 2 days, keep newest 1"},
		{TimeBased(24), "max age 1 day, keep newest 1"},
		{TimeBased(36), "max age 36 hours, keep newest 1"},
		{SizeBased(5), "max segments 5, keep newest 1"},
		{Policy{MaxAgeHours: 24, MaxSegments: 3, MinSegmentsToKeep: 2}, "max age 1 day, max segments 3, keep newest 2"},
	}
	for _, c := range cases {
		if got := c.policy.Describe(); got != c.want {
			t.Fatalf("Describe(%+v) = %q, want %q", c.policy, got, c.want)
		}
	}
}
