package coordinator

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/MEOFIXBUG/walrus/config"
	"github.com/MEOFIXBUG/walrus/errs"
	"github.com/MEOFIXBUG/walrus/metadata"
)

const (
	SnapshotThreshold   = 10000
	SnapshotInterval    = 10
	RetainSnapshotCount = 10

	applyTimeout = 5 * time.Second
)

// Coordinator runs this node's Raft instance over the metadata state machine
// and handles cluster membership (Join/Leave from gossip, Submit for
// commands). Topic data paths live in the controller; the coordinator only
// moves metadata.
type Coordinator struct {
	Logger   *zap.Logger
	Metadata *metadata.Metadata
	raft     *raft.Raft
	cfg      config.Config
}

// New creates a Coordinator from the given config, starting (and optionally
// bootstrapping) its Raft node.
func New(cfg config.Config, md *metadata.Metadata, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	raftNode, err := setupRaft(NewMetadataFSM(md), cfg.RaftConfig, cfg.NodeConfig.ID)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		Logger:   logger,
		Metadata: md,
		raft:     raftNode,
		cfg:      cfg,
	}
	c.Logger.Info("coordinator started",
		zap.Uint64("node_id", cfg.NodeConfig.ID),
		zap.String("raft_addr", cfg.RaftConfig.Address))
	return c, nil
}

// setupRaft creates the Raft node. BindAddress is the listen address (e.g.
// 0.0.0.0:9093); Address is what others use to reach this node.
func setupRaft(fsm raft.FSM, cfg config.RaftConfig, nodeID uint64) (*raft.Raft, error) {
	raftBindAddr := cfg.Address
	if cfg.BindAddress != "" {
		raftBindAddr = cfg.BindAddress
	}
	raftConfig := raft.DefaultConfig()
	raftConfig.SnapshotThreshold = uint64(SnapshotThreshold)
	raftConfig.SnapshotInterval = time.Duration(SnapshotInterval) * time.Second
	raftConfig.LocalID = raft.ServerID(strconv.FormatUint(nodeID, 10))
	raftConfig.LogLevel = cfg.LogLevel

	advertiseAddr, err := net.ResolveTCPAddr("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve Raft advertise address %s: %w", cfg.Address, err)
	}
	transport, err := raft.NewTCPTransport(raftBindAddr, advertiseAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to make TCP transport bind %s advertise %s: %w", raftBindAddr, cfg.Address, err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.Dir, RetainSnapshotCount, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", cfg.Dir, err)
	}
	boltDB, err := raftboltdb.NewBoltStore(filepath.Join(cfg.Dir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt store: %w", err)
	}
	ra, err := raft.NewRaft(raftConfig, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		return nil, errs.ErrNewRaft(err)
	}
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := ra.BootstrapCluster(configuration).Error(); err != nil {
			return nil, errs.ErrBootstrapCluster(err)
		}
	}
	return ra, nil
}

// EnsureSelfInMetadata records this node's client address in the metadata
// Nodes map (e.g. the bootstrap node, which never goes through Join).
func (c *Coordinator) EnsureSelfInMetadata() error {
	if !c.IsLeader() {
		return nil
	}
	clientAddr, err := c.cfg.ClientAddr()
	if err != nil {
		return err
	}
	_, err = c.SubmitUpsertNode(metadata.NodeID(c.cfg.NodeConfig.ID), clientAddr)
	return err
}

// Join adds a gossiped member as a Raft voter and records its client address
// in metadata. Name is the member's decimal node id.
func (c *Coordinator) Join(name, raftAddr, clientAddr string) error {
	if !c.IsLeader() {
		return raft.ErrNotLeader
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return fmt.Errorf("bad member name %q: %w", name, err)
	}
	c.Logger.Info("join requested",
		zap.Uint64("joining_node_id", id),
		zap.String("raft_addr", raftAddr),
		zap.String("client_addr", clientAddr))
	configFuture := c.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return err
	}
	serverID := raft.ServerID(name)
	serverAddr := raft.ServerAddress(raftAddr)
	for _, srv := range configFuture.Configuration().Servers {
		if srv.ID == serverID || srv.Address == serverAddr {
			if srv.ID == serverID && srv.Address == serverAddr {
				return nil
			}
			removeFuture := c.raft.RemoveServer(serverID, 0, 0)
			if err := removeFuture.Error(); err != nil {
				return err
			}
		}
	}
	addFuture := c.raft.AddVoter(serverID, serverAddr, 0, 0)
	if err := addFuture.Error(); err != nil {
		c.Logger.Error("raft add voter failed", zap.Error(err), zap.Uint64("node_id", id))
		return err
	}
	if _, err := c.SubmitUpsertNode(metadata.NodeID(id), clientAddr); err != nil {
		c.Logger.Error("failed to record joined node", zap.Error(err), zap.Uint64("node_id", id))
		return err
	}
	c.Logger.Info("node joined cluster", zap.Uint64("joined_node_id", id))
	return nil
}

// Leave removes a departed member from the Raft configuration. Its metadata
// entry stays: segment leadership records must keep resolving to an address
// even for dead nodes.
func (c *Coordinator) Leave(name string) error {
	if !c.IsLeader() {
		return raft.ErrNotLeader
	}
	c.Logger.Info("leave requested", zap.String("leaving_node", name))
	removeFuture := c.raft.RemoveServer(raft.ServerID(name), 0, 0)
	if err := removeFuture.Error(); err != nil {
		c.Logger.Error("raft remove server failed", zap.Error(err), zap.String("node", name))
		return err
	}
	c.Logger.Info("node left cluster", zap.String("left_node", name))
	return nil
}

func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// LeaderAddr returns the client address of the current Raft leader, looked up
// through the metadata Nodes map.
func (c *Coordinator) LeaderAddr() (string, error) {
	_, leaderID := c.raft.LeaderWithID()
	if leaderID == "" {
		return "", errs.ErrNoRaftLeader
	}
	id, err := strconv.ParseUint(string(leaderID), 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad leader id %q: %w", leaderID, err)
	}
	addr, ok := c.Metadata.NodeAddr(metadata.NodeID(id))
	if !ok {
		return "", errs.ErrNoRaftLeader
	}
	return addr, nil
}

func (c *Coordinator) WaitForLeader(timeout time.Duration) error {
	timeoutc := time.After(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-timeoutc:
			return fmt.Errorf("timed out waiting for raft leader")
		case <-ticker.C:
			c.Logger.Info("waiting for raft leader", zap.String("leader", string(c.raft.Leader())))
			if c.raft.Leader() != "" {
				return nil
			}
		}
	}
}

func (c *Coordinator) Shutdown() error {
	c.Logger.Info("coordinator shutting down")
	f := c.raft.Shutdown()
	return f.Error()
}
