// Package controller is the node-local data path: it owns the topic logs on
// this node's disk, appends and reads records for topics this node leads,
// rolls segments over through the replicated metadata, and physically removes
// segments the sweeper has retired.
package controller

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MEOFIXBUG/walrus/errs"
	"github.com/MEOFIXBUG/walrus/metadata"
	"github.com/MEOFIXBUG/walrus/storage"
)

// DefaultSegmentMaxEntries is the record count at which the open segment is
// sealed and rolled.
const DefaultSegmentMaxEntries = 1024

// Submitter replicates metadata commands through the consensus log. Satisfied
// by *coordinator.Coordinator; tests supply a fake.
type Submitter interface {
	SubmitCreateTopic(name string, initialLeader metadata.NodeID) ([]byte, error)
	SubmitRollover(name string, newLeader metadata.NodeID, sealedEntryCount uint64) ([]byte, error)
	SubmitDeleteSegments(topic string, segmentIDs []uint64) ([]byte, error)
}

type NodeController struct {
	logger            *zap.Logger
	nodeID            metadata.NodeID
	dataDir           string
	md                *metadata.Metadata
	submitter         Submitter
	segmentMaxEntries uint64

	mu   sync.Mutex
	logs map[string]*storage.TopicLog

	puts      atomic.Uint64
	gets      atomic.Uint64
	registers atomic.Uint64
	rollovers atomic.Uint64
	swept     atomic.Uint64
}

func New(nodeID metadata.NodeID, dataDir string, md *metadata.Metadata, submitter Submitter, segmentMaxEntries uint64, logger *zap.Logger) *NodeController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if segmentMaxEntries == 0 {
		segmentMaxEntries = DefaultSegmentMaxEntries
	}
	return &NodeController{
		logger:            logger.Named("controller"),
		nodeID:            nodeID,
		dataDir:           dataDir,
		md:                md,
		submitter:         submitter,
		segmentMaxEntries: segmentMaxEntries,
		logs:              make(map[string]*storage.TopicLog),
	}
}

// EnsureTopic registers the topic if it does not exist, with this node as
// initial leader. Existing topics are accepted as-is (idempotent REGISTER).
func (c *NodeController) EnsureTopic(name string) error {
	c.registers.Add(1)
	if _, ok := c.md.TopicState(name); ok {
		return nil
	}
	resp, err := c.submitter.SubmitCreateTopic(name, c.nodeID)
	if err != nil {
		return err
	}
	c.logger.Info("topic registered", zap.String("topic", name), zap.ByteString("resp", resp))
	return nil
}

// AppendForTopic appends a record to the topic's open segment. Only the
// topic's leader accepts appends. When the open segment reaches the entry
// threshold, the controller commits a rollover and rolls the local log.
func (c *NodeController) AppendForTopic(name string, payload []byte) error {
	ts, ok := c.md.TopicState(name)
	if !ok {
		return errs.ErrTopicNotFound
	}
	if ts.LeaderNode != c.nodeID {
		return errs.ErrNotTopicLeaderf(name)
	}
	log, err := c.topicLog(name, ts.CurrentSegment)
	if err != nil {
		return err
	}
	if _, err := log.Append(payload); err != nil {
		return err
	}
	c.puts.Add(1)

	if log.ActiveEntries() >= c.segmentMaxEntries {
		if err := c.rollover(name, log); err != nil {
			// Rollover needs the Raft leader; the append itself succeeded.
			// The next over-threshold append retries.
			if errors.Is(err, errs.ErrNotRaftLeader) {
				c.logger.Debug("rollover deferred, not raft leader", zap.String("topic", name))
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *NodeController) rollover(name string, log *storage.TopicLog) error {
	sealed := log.ActiveEntries()
	if _, err := c.submitter.SubmitRollover(name, c.nodeID, sealed); err != nil {
		return err
	}
	ts, ok := c.md.TopicState(name)
	if !ok {
		return errs.ErrTopicNotFound
	}
	if err := log.SealAndRoll(ts.CurrentSegment); err != nil {
		return err
	}
	c.rollovers.Add(1)
	c.logger.Info("segment rolled",
		zap.String("topic", name),
		zap.Uint64("sealed_entries", sealed),
		zap.Uint64("new_segment", ts.CurrentSegment))
	return nil
}

// ReadOneForTopicShared returns the next record under the topic's shared read
// cursor, or ok=false when the topic is exhausted.
func (c *NodeController) ReadOneForTopicShared(name string) ([]byte, bool, error) {
	ts, ok := c.md.TopicState(name)
	if !ok {
		return nil, false, errs.ErrTopicNotFound
	}
	if ts.LeaderNode != c.nodeID {
		return nil, false, errs.ErrNotTopicLeaderf(name)
	}
	log, err := c.topicLog(name, ts.CurrentSegment)
	if err != nil {
		return nil, false, err
	}
	c.gets.Add(1)
	return log.ReadOneShared()
}

// topicSnapshot is the STATE response document.
type topicSnapshot struct {
	Topic                 string            `json:"topic"`
	CurrentSegment        uint64            `json:"current_segment"`
	LeaderNode            metadata.NodeID   `json:"leader_node"`
	LastSealedEntryOffset uint64            `json:"last_sealed_entry_offset"`
	SealedSegments        map[uint64]uint64 `json:"sealed_segments"`
	Retention             string            `json:"retention"`
	LocalSegments         []uint64          `json:"local_segments,omitempty"`
	LocalActiveEntries    uint64            `json:"local_active_entries"`
}

// TopicSnapshot returns the topic's replicated state plus this node's local
// log view, as a JSON document.
func (c *NodeController) TopicSnapshot(name string) (string, error) {
	ts, ok := c.md.TopicState(name)
	if !ok {
		return "", errs.ErrTopicNotFound
	}
	snap := topicSnapshot{
		Topic:                 name,
		CurrentSegment:        ts.CurrentSegment,
		LeaderNode:            ts.LeaderNode,
		LastSealedEntryOffset: ts.LastSealedEntryOffset,
		SealedSegments:        ts.SealedSegments,
		Retention:             ts.Retention.Describe(),
	}
	if log := c.openLog(name); log != nil {
		snap.LocalSegments = log.SegmentIDs()
		snap.LocalActiveEntries = log.ActiveEntries()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type nodeMetrics struct {
	NodeID        metadata.NodeID `json:"node_id"`
	TopicsLed     int             `json:"topics_led"`
	Puts          uint64          `json:"puts"`
	Gets          uint64          `json:"gets"`
	Registers     uint64          `json:"registers"`
	Rollovers     uint64          `json:"rollovers"`
	SegmentsSwept uint64          `json:"segments_swept"`
}

// Metrics returns this node's counters as a JSON document.
func (c *NodeController) Metrics() (string, error) {
	m := nodeMetrics{
		NodeID:        c.nodeID,
		TopicsLed:     len(c.md.OwnedTopics(c.nodeID)),
		Puts:          c.puts.Load(),
		Gets:          c.gets.Load(),
		Registers:     c.registers.Load(),
		Rollovers:     c.rollovers.Load(),
		SegmentsSwept: c.swept.Load(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeleteSegments removes the segments' bytes from this node's disk. The ids
// must already be deleted from metadata; the sweeper calls this after its
// DeleteSegments command commits.
func (c *NodeController) DeleteSegments(topic string, ids []uint64) error {
	log := c.openLog(topic)
	if log == nil {
		return errs.ErrTopicNotLocalf(topic)
	}
	if err := log.RemoveSegments(ids); err != nil {
		return err
	}
	c.swept.Add(uint64(len(ids)))
	return nil
}

// LocalSegmentIDs returns the sorted local segment ids for a topic, or nil
// when the topic has no log on this node.
func (c *NodeController) LocalSegmentIDs(topic string) []uint64 {
	log := c.openLog(topic)
	if log == nil {
		return nil
	}
	ids := log.SegmentIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *NodeController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, log := range c.logs {
		if err := log.Close(); err != nil {
			return err
		}
	}
	c.logs = make(map[string]*storage.TopicLog)
	return nil
}

// topicLog opens (or returns the already-open) local log for the topic.
func (c *NodeController) topicLog(name string, currentSegment uint64) (*storage.TopicLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if log, ok := c.logs[name]; ok {
		return log, nil
	}
	log, err := storage.OpenTopicLog(c.dataDir, name, currentSegment)
	if err != nil {
		return nil, err
	}
	c.logs[name] = log
	return log, nil
}

func (c *NodeController) openLog(name string) *storage.TopicLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs[name]
}
