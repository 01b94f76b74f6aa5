// Package metadata implements the replicated cluster-metadata state machine:
// the topic/segment lifecycle, the node directory, and the user directory,
// mutated only by commands committed through the consensus log and applied
// deterministically on every replica.
package metadata

import (
	"github.com/MEOFIXBUG/walrus/auth"
	"github.com/MEOFIXBUG/walrus/retention"
)

// NodeID identifies a cluster node.
type NodeID uint64

// ClusterState is the whole-cluster replicated document. It is owned
// exclusively by Metadata: created empty at node start, wholesale replaced
// on snapshot restore, and field-mutated only inside Apply.
type ClusterState struct {
	Topics map[string]*TopicState `json:"topics"`
	// Nodes maps node id to the advertised client/RPC address.
	Nodes map[NodeID]string `json:"nodes"`
	// Auth is the user directory.
	Auth *auth.Manager `json:"auth"`
}

func NewClusterState() *ClusterState {
	return &ClusterState{
		Topics: make(map[string]*TopicState),
		Nodes:  make(map[NodeID]string),
		Auth:   auth.NewManager(),
	}
}

// init fills nil maps after a JSON restore so lookups never panic.
func (s *ClusterState) init() {
	if s.Topics == nil {
		s.Topics = make(map[string]*TopicState)
	}
	if s.Nodes == nil {
		s.Nodes = make(map[NodeID]string)
	}
	if s.Auth == nil {
		s.Auth = auth.NewManager()
	}
	for _, ts := range s.Topics {
		ts.init()
	}
}

// TopicState is one topic's ownership and segment bookkeeping.
//
// CurrentSegment only increases, by exactly 1 per rollover, and is always
// present in SegmentLeaders. SegmentLeaders for a sealed segment is frozen
// at seal time even if the topic's live leader later changes.
type TopicState struct {
	CurrentSegment uint64 `json:"current_segment"`
	LeaderNode     NodeID `json:"leader_node"`
	// LastSealedEntryOffset is the cumulative number of entries in all
	// sealed segments; monotonically non-decreasing.
	LastSealedEntryOffset uint64 `json:"last_sealed_entry_offset"`
	// SealedSegments maps segment id to that sealed segment's entry count.
	SealedSegments map[uint64]uint64 `json:"sealed_segments"`
	// SegmentLeaders maps segment id to the leader responsible for it.
	SegmentLeaders map[uint64]NodeID `json:"segment_leaders"`
	// Retention is this topic's purge rule.
	Retention retention.Policy `json:"retention"`
	// SegmentCreatedAt maps segment id to its creation time (Unix seconds).
	// Recorded from the applying replica's clock; approximately synchronized
	// metadata, not consensus-critical.
	SegmentCreatedAt map[uint64]int64 `json:"segment_created_at"`
}

func (t *TopicState) init() {
	if t.SealedSegments == nil {
		t.SealedSegments = make(map[uint64]uint64)
	}
	if t.SegmentLeaders == nil {
		t.SegmentLeaders = make(map[uint64]NodeID)
	}
	if t.SegmentCreatedAt == nil {
		t.SegmentCreatedAt = make(map[uint64]int64)
	}
}

// clone deep-copies the topic state. Apply mutates a clone and swaps it in,
// so a failed command can never leave a topic half-updated.
func (t *TopicState) clone() *TopicState {
	next := &TopicState{
		CurrentSegment:        t.CurrentSegment,
		LeaderNode:            t.LeaderNode,
		LastSealedEntryOffset: t.LastSealedEntryOffset,
		Retention:             t.Retention,
		SealedSegments:        make(map[uint64]uint64, len(t.SealedSegments)),
		SegmentLeaders:        make(map[uint64]NodeID, len(t.SegmentLeaders)),
		SegmentCreatedAt:      make(map[uint64]int64, len(t.SegmentCreatedAt)),
	}
	for k, v := range t.SealedSegments {
		next.SealedSegments[k] = v
	}
	for k, v := range t.SegmentLeaders {
		next.SegmentLeaders[k] = v
	}
	for k, v := range t.SegmentCreatedAt {
		next.SegmentCreatedAt[k] = v
	}
	return next
}
