package metadata

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MEOFIXBUG/walrus/auth"
	"github.com/MEOFIXBUG/walrus/errs"
)

// Response tokens returned by Apply on success.
var (
	RespCreated         = []byte("CREATED")
	RespExists          = []byte("EXISTS")
	RespRolled          = []byte("ROLLED")
	RespNode            = []byte("NODE")
	RespUserAdded       = []byte("USER_ADDED")
	RespUserRemoved     = []byte("USER_REMOVED")
	RespRetentionSet    = []byte("RETENTION_SET")
	RespSegmentsDeleted = []byte("SEGMENTS_DELETED")
)

// Metadata is the replicated state machine over ClusterState. The consensus
// engine delivers commands to Apply in one global total order identical on
// every replica; the lock here provides mutual exclusion only, not ordering.
//
// Apply never mutates a TopicState in place: it builds the successor value
// and swaps it into the map, so a failed command leaves state untouched.
type Metadata struct {
	mu    sync.RWMutex
	state *ClusterState
}

func New() *Metadata {
	return &Metadata{state: NewClusterState()}
}

// Apply decodes one command, performs exactly one deterministic transition,
// and returns a short status token. Malformed command bytes are fatal to the
// call and must be escalated by the caller, never retried.
func (m *Metadata) Apply(command []byte) ([]byte, error) {
	cmd, err := decodeCmd(command)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Type {
	case CmdCreateTopic:
		c, err := decodePayload[CreateTopicCmd](cmd.Data)
		if err != nil {
			return nil, err
		}
		return m.applyCreateTopic(c)
	case CmdRolloverTopic:
		c, err := decodePayload[RolloverTopicCmd](cmd.Data)
		if err != nil {
			return nil, err
		}
		return m.applyRolloverTopic(c)
	case CmdUpsertNode:
		c, err := decodePayload[UpsertNodeCmd](cmd.Data)
		if err != nil {
			return nil, err
		}
		m.state.Nodes[c.NodeID] = c.Addr
		return RespNode, nil
	case CmdAddUser:
		c, err := decodePayload[AddUserCmd](cmd.Data)
		if err != nil {
			return nil, err
		}
		if err := m.state.Auth.AddUser(c.User); err != nil {
			return nil, err
		}
		return RespUserAdded, nil
	case CmdRemoveUser:
		c, err := decodePayload[RemoveUserCmd](cmd.Data)
		if err != nil {
			return nil, err
		}
		if err := m.state.Auth.RemoveUser(c.Username); err != nil {
			return nil, err
		}
		return RespUserRemoved, nil
	case CmdSetRetention:
		c, err := decodePayload[SetRetentionCmd](cmd.Data)
		if err != nil {
			return nil, err
		}
		ts, ok := m.state.Topics[c.Topic]
		if !ok {
			return nil, errs.ErrTopicNotFound
		}
		next := ts.clone()
		next.Retention = c.Policy
		m.state.Topics[c.Topic] = next
		return RespRetentionSet, nil
	case CmdDeleteSegments:
		c, err := decodePayload[DeleteSegmentsCmd](cmd.Data)
		if err != nil {
			return nil, err
		}
		ts, ok := m.state.Topics[c.Topic]
		if !ok {
			return nil, errs.ErrTopicNotFound
		}
		// LeaderNode and CurrentSegment stay untouched even if an id
		// matches the current segment.
		next := ts.clone()
		for _, id := range c.SegmentIDs {
			delete(next.SealedSegments, id)
			delete(next.SegmentLeaders, id)
			delete(next.SegmentCreatedAt, id)
		}
		m.state.Topics[c.Topic] = next
		return RespSegmentsDeleted, nil
	default:
		return nil, errs.ErrUnknownCommandf(uint8(cmd.Type))
	}
}

func (m *Metadata) applyCreateTopic(c CreateTopicCmd) ([]byte, error) {
	if _, ok := m.state.Topics[c.Name]; ok {
		return RespExists, nil
	}
	ts := &TopicState{
		CurrentSegment:   1,
		LeaderNode:       c.InitialLeader,
		SealedSegments:   make(map[uint64]uint64),
		SegmentLeaders:   map[uint64]NodeID{1: c.InitialLeader},
		SegmentCreatedAt: map[uint64]int64{1: time.Now().Unix()},
	}
	m.state.Topics[c.Name] = ts
	return RespCreated, nil
}

func (m *Metadata) applyRolloverTopic(c RolloverTopicCmd) ([]byte, error) {
	ts, ok := m.state.Topics[c.Name]
	if !ok {
		return nil, errs.ErrTopicNotFound
	}
	next := ts.clone()
	sealed := next.CurrentSegment
	next.SealedSegments[sealed] = c.SealedEntryCount
	// Freeze the sealing leader for the sealed segment before the live
	// leader changes.
	next.SegmentLeaders[sealed] = next.LeaderNode
	next.LastSealedEntryOffset += c.SealedEntryCount
	next.CurrentSegment++
	next.LeaderNode = c.NewLeader
	next.SegmentLeaders[next.CurrentSegment] = c.NewLeader
	next.SegmentCreatedAt[next.CurrentSegment] = time.Now().Unix()
	m.state.Topics[c.Name] = next
	return RespRolled, nil
}

// Snapshot serializes the entire ClusterState. Round trips with Restore.
func (m *Metadata) Snapshot() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := json.Marshal(m.state)
	if err != nil {
		return nil
	}
	return data
}

// Restore deserializes and atomically replaces ClusterState in full; it
// never partially applies.
func (m *Metadata) Restore(data []byte) error {
	recovered := &ClusterState{}
	if err := json.Unmarshal(data, recovered); err != nil {
		return errs.ErrDecodeSnapshotf(err)
	}
	recovered.init()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = recovered
	return nil
}

// TopicState returns a deep copy of the named topic's state.
func (m *Metadata) TopicState(topic string) (TopicState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.state.Topics[topic]
	if !ok {
		return TopicState{}, false
	}
	return *ts.clone(), true
}

// NodeAddr returns the advertised address of a node.
func (m *Metadata) NodeAddr(id NodeID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.state.Nodes[id]
	return addr, ok
}

// AllNodeAddrs returns a copy of the node directory.
func (m *Metadata) AllNodeAddrs() map[NodeID]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[NodeID]string, len(m.state.Nodes))
	for id, addr := range m.state.Nodes {
		out[id] = addr
	}
	return out
}

// OwnedTopic names a topic this node leads and its current segment.
type OwnedTopic struct {
	Name           string
	CurrentSegment uint64
}

// OwnedTopics lists topics whose live leader is the given node, sorted by
// name for deterministic iteration.
func (m *Metadata) OwnedTopics(id NodeID) []OwnedTopic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []OwnedTopic
	for name, ts := range m.state.Topics {
		if ts.LeaderNode == id {
			out = append(out, OwnedTopic{Name: name, CurrentSegment: ts.CurrentSegment})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SealedCount returns the entry count of a sealed segment.
func (m *Metadata) SealedCount(topic string, segment uint64) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.state.Topics[topic]
	if !ok {
		return 0, false
	}
	n, ok := ts.SealedSegments[segment]
	return n, ok
}

// SegmentLeader returns the explicit per-segment leader if recorded, else
// the topic's current leader. Sealed segments keep pointing at the node
// that wrote them; the open segment falls back to the live leader.
func (m *Metadata) SegmentLeader(topic string, segment uint64) (NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.state.Topics[topic]
	if !ok {
		return 0, false
	}
	if leader, ok := ts.SegmentLeaders[segment]; ok {
		return leader, true
	}
	return ts.LeaderNode, true
}

// Authenticate verifies a username/password pair.
func (m *Metadata) Authenticate(username, password string) (auth.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Auth.Authenticate(username, password)
}

// AuthenticateWithAPIKey looks up a user by API key. This is the one read
// path that takes the write lock: the underlying key index may need a lazy
// rebuild, which mutates the directory.
func (m *Metadata) AuthenticateWithAPIKey(apiKey string) (auth.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Auth.AuthenticateWithAPIKey(apiKey)
}

func (m *Metadata) UserExists(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Auth.UserExists(username)
}

func (m *Metadata) HasUsers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.state.Auth.IsEmpty()
}
