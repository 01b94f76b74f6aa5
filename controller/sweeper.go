package controller

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/MEOFIXBUG/walrus/errs"
	"github.com/MEOFIXBUG/walrus/metadata"
)

// DefaultSweepInterval is how often the sweeper evaluates owned topics.
const DefaultSweepInterval = time.Hour

// Sweeper periodically evaluates each topic this node leads against its
// retention policy. Approved segment ids are first deleted from the
// replicated metadata, then their bytes are removed from disk; metadata is
// the source of truth, the files follow.
type Sweeper struct {
	logger    *zap.Logger
	md        *metadata.Metadata
	ctrl      *NodeController
	submitter Submitter
	nodeID    metadata.NodeID
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewSweeper(nodeID metadata.NodeID, md *metadata.Metadata, ctrl *NodeController, submitter Submitter, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		logger:    logger.Named("sweeper"),
		md:        md,
		ctrl:      ctrl,
		submitter: submitter,
		nodeID:    nodeID,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepOnce(time.Now())
		}
	}
}

// SweepOnce evaluates every owned topic once. Failures on one topic do not
// stop the sweep of the others.
func (s *Sweeper) SweepOnce(now time.Time) {
	for _, owned := range s.md.OwnedTopics(s.nodeID) {
		if err := s.sweepTopic(owned.Name, now); err != nil {
			// Only the Raft leader can commit deletions; followers pick the
			// work up again next tick.
			if errors.Is(err, errs.ErrNotRaftLeader) {
				s.logger.Debug("sweep deferred, not raft leader", zap.String("topic", owned.Name))
				continue
			}
			s.logger.Error("sweep failed", zap.Error(err), zap.String("topic", owned.Name))
		}
	}
}

func (s *Sweeper) sweepTopic(name string, now time.Time) error {
	ts, ok := s.md.TopicState(name)
	if !ok {
		return errs.ErrTopicNotFound
	}
	policy := ts.Retention
	if !policy.Enabled() {
		return nil
	}

	sealedIDs := make([]uint64, 0, len(ts.SealedSegments))
	for id := range ts.SealedSegments {
		sealedIDs = append(sealedIDs, id)
	}
	sort.Slice(sealedIDs, func(i, j int) bool { return sealedIDs[i] < sealedIDs[j] })

	// The open segment counts toward the total but is never evaluated.
	total := len(sealedIDs) + 1
	var deletable []uint64
	for i, id := range sealedIDs {
		var age time.Duration
		if createdAt, ok := ts.SegmentCreatedAt[id]; ok {
			age = now.Sub(time.Unix(createdAt, 0))
		}
		if policy.ShouldDeleteSegment(age, total, i) {
			deletable = append(deletable, id)
		}
	}
	if len(deletable) == 0 {
		return nil
	}

	if _, err := s.submitter.SubmitDeleteSegments(name, deletable); err != nil {
		return err
	}
	if err := s.ctrl.DeleteSegments(name, deletable); err != nil {
		// Metadata already dropped the ids; orphaned files are harmless and
		// this node may simply hold no bytes for them.
		if !errors.Is(err, errs.ErrTopicNotLocal) {
			return err
		}
	}
	s.logger.Info("segments swept",
		zap.String("topic", name),
		zap.Uint64s("segment_ids", deletable),
		zap.String("policy", policy.Describe()))
	return nil
}
