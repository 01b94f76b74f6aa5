// Package retention holds the per-topic purge rule applied to sealed
// segments. The policy is a pure decision function; the sweep pipeline that
// acts on its decisions lives in the controller package.
package retention

import (
	"fmt"
	"strings"
	"time"
)

// Policy decides whether a sealed segment may be purged, based on age and/or
// how many segments the topic keeps. A zero limit means the rule is
// disabled. The zero Policy keeps everything.
type Policy struct {
	// MaxAgeHours deletes segments older than this many hours. 0 = disabled.
	MaxAgeHours uint64 `json:"max_age_hours,omitempty"`
	// MaxSegments keeps only the newest MaxSegments segments. 0 = disabled.
	MaxSegments uint64 `json:"max_segments,omitempty"`
	// MinSegmentsToKeep refuses deletion when fewer than this many strictly
	// newer segments would remain. Note this protects recency, not the
	// absolute remaining count: deleting from the middle of a run can leave
	// fewer total segments than the floor suggests.
	MinSegmentsToKeep uint64 `json:"min_segments_to_keep"`
}

// DefaultPolicy retains everything but still protects the newest segment.
func DefaultPolicy() Policy {
	return Policy{MinSegmentsToKeep: 1}
}

// TimeBased deletes segments older than maxAgeHours.
func TimeBased(maxAgeHours uint64) Policy {
	return Policy{MaxAgeHours: maxAgeHours, MinSegmentsToKeep: 1}
}

// SizeBased keeps only the newest maxSegments segments.
func SizeBased(maxSegments uint64) Policy {
	return Policy{MaxSegments: maxSegments, MinSegmentsToKeep: 1}
}

// ShouldDeleteSegment reports whether the segment at segmentIndex (0-based,
// oldest to newest among the topic's currently-known segments) may be
// deleted. age is the time since the segment was created; totalSegments is
// the count of currently-known segments.
func (p Policy) ShouldDeleteSegment(age time.Duration, totalSegments, segmentIndex int) bool {
	newerRemaining := totalSegments - (segmentIndex + 1)
	if newerRemaining < int(p.MinSegmentsToKeep) {
		return false
	}
	if p.MaxAgeHours > 0 && age > time.Duration(p.MaxAgeHours)*time.Hour {
		return true
	}
	if p.MaxSegments > 0 && segmentIndex < totalSegments-int(p.MaxSegments) {
		return true
	}
	return false
}

// Enabled reports whether either limit is configured.
func (p Policy) Enabled() bool {
	return p.MaxAgeHours > 0 || p.MaxSegments > 0
}

// Describe renders a human-readable summary. Whole days collapse at the
// 24-hour boundary.
func (p Policy) Describe() string {
	if !p.Enabled() {
		return "retention disabled"
	}
	var parts []string
	if p.MaxAgeHours > 0 {
		if p.MaxAgeHours%24 == 0 {
			days := p.MaxAgeHours / 24
			unit := "days"
			if days == 1 {
				unit = "day"
			}
			parts = append(parts, fmt.Sprintf("max age %d %s", days, unit))
		} else {
			parts = append(parts, fmt.Sprintf("max age %d hours", p.MaxAgeHours))
		}
	}
	if p.MaxSegments > 0 {
		parts = append(parts, fmt.Sprintf("max segments %d", p.MaxSegments))
	}
	parts = append(parts, fmt.Sprintf("keep newest %d", p.MinSegmentsToKeep))
	return strings.Join(parts, ", ")
}
