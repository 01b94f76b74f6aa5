// Package discovery runs Serf gossip membership. Members advertise their
// Raft and client addresses as tags; join/leave events are forwarded to a
// Handler (the coordinator) which adjusts the Raft configuration.
package discovery

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
	"go.uber.org/zap"

	"github.com/MEOFIXBUG/walrus/config"
)

const retryInterval = 10 * time.Second

type Handler interface {
	Join(name, raftAddr, clientAddr string) error
	Leave(name string) error
}

type pendingJoinInfo struct {
	RaftAddr   string
	ClientAddr string
}

type Membership struct {
	config.Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
	logger  *zap.Logger
	// pendingJoin/pendingLeave hold events that arrived while no leader was
	// available; they are retried until a leader picks them up.
	pendingJoin  map[string]pendingJoinInfo
	pendingLeave map[string]struct{}
	pendingMu    sync.Mutex
	stopCh       chan struct{}
	leaveOnce    sync.Once
}

func New(handler Handler, cfg config.Config) (*Membership, error) {
	m := &Membership{
		Config:       cfg,
		handler:      handler,
		logger:       zap.L().Named("discovery"),
		pendingJoin:  make(map[string]pendingJoinInfo),
		pendingLeave: make(map[string]struct{}),
		stopCh:       make(chan struct{}),
	}
	if err := m.setupSerf(); err != nil {
		return nil, err
	}
	go m.retryPendingEvents()
	return m, nil
}

func (m *Membership) setupSerf() (err error) {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return err
	}
	cfg := serf.DefaultConfig()
	cfg.Init()
	cfg.MemberlistConfig.BindAddr = addr.IP.String()
	cfg.MemberlistConfig.BindPort = addr.Port
	m.events = make(chan serf.Event)
	cfg.EventCh = m.events
	clientAddr, err := m.Config.ClientAddr()
	if err != nil {
		return err
	}
	cfg.Tags = map[string]string{
		"client_addr": clientAddr,
		"raft_addr":   m.RaftConfig.Address,
	}
	// The member name is the node's decimal id; the handler parses it back.
	cfg.NodeName = strconv.FormatUint(m.NodeConfig.ID, 10)
	m.serf, err = serf.Create(cfg)
	if err != nil {
		return err
	}
	go m.eventHandler()
	if m.StartJoinAddrs != nil {
		if _, err := m.serf.Join(m.StartJoinAddrs, true); err != nil {
			m.logger.Error("serf join failed", zap.Error(err), zap.Strings("addrs", m.StartJoinAddrs))
		}
	}
	return nil
}

func (m *Membership) eventHandler() {
	for e := range m.events {
		switch e.EventType() {
		case serf.EventMemberJoin:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleJoin(member)
			}
		case serf.EventMemberLeave, serf.EventMemberFailed:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				m.handleLeave(member)
			}
		}
	}
}

func (m *Membership) handleJoin(member serf.Member) {
	raftAddr := member.Tags["raft_addr"]
	clientAddr := member.Tags["client_addr"]
	if err := m.handler.Join(member.Name, raftAddr, clientAddr); err != nil {
		if err == raft.ErrNotLeader {
			// Election in progress; queue until some node leads.
			m.pendingMu.Lock()
			m.pendingJoin[member.Name] = pendingJoinInfo{RaftAddr: raftAddr, ClientAddr: clientAddr}
			m.pendingMu.Unlock()
			m.logger.Debug("join deferred (not leader), will retry",
				zap.String("name", member.Name), zap.String("raft_addr", raftAddr))
			return
		}
		m.logError(err, "failed to join", member)
	}
}

func (m *Membership) handleLeave(member serf.Member) {
	if err := m.handler.Leave(member.Name); err != nil {
		if err == raft.ErrNotLeader {
			m.pendingMu.Lock()
			m.pendingLeave[member.Name] = struct{}{}
			m.pendingMu.Unlock()
			m.logger.Debug("leave deferred (not leader), will retry", zap.String("name", member.Name))
			return
		}
		m.logError(err, "failed to leave", member)
	}
}

// retryPendingEvents runs periodically so the eventual leader processes
// queued joins and leaves.
func (m *Membership) retryPendingEvents() {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pendingMu.Lock()
			joinSnap := make(map[string]pendingJoinInfo, len(m.pendingJoin))
			for name, info := range m.pendingJoin {
				joinSnap[name] = info
			}
			leaveNames := make([]string, 0, len(m.pendingLeave))
			for name := range m.pendingLeave {
				leaveNames = append(leaveNames, name)
			}
			m.pendingMu.Unlock()

			for name, info := range joinSnap {
				if err := m.handler.Join(name, info.RaftAddr, info.ClientAddr); err != nil {
					if err == raft.ErrNotLeader {
						continue
					}
					m.logger.Error("retry join failed", zap.Error(err), zap.String("name", name))
					continue
				}
				m.pendingMu.Lock()
				delete(m.pendingJoin, name)
				m.pendingMu.Unlock()
				m.logger.Info("join completed on retry", zap.String("name", name))
			}

			for _, name := range leaveNames {
				if err := m.handler.Leave(name); err != nil {
					if err == raft.ErrNotLeader {
						continue
					}
					m.logger.Error("retry leave failed", zap.Error(err), zap.String("name", name))
					continue
				}
				m.pendingMu.Lock()
				delete(m.pendingLeave, name)
				m.pendingMu.Unlock()
				m.logger.Info("leave completed on retry", zap.String("name", name))
			}
		}
	}
}

func (m *Membership) isLocal(member serf.Member) bool {
	return m.serf.LocalMember().Name == member.Name
}

func (m *Membership) Members() []serf.Member {
	return m.serf.Members()
}

func (m *Membership) Leave() error {
	m.leaveOnce.Do(func() { close(m.stopCh) })
	return m.serf.Leave()
}

func (m *Membership) logError(err error, msg string, member serf.Member) {
	log := m.logger.Error
	if err == raft.ErrNotLeader {
		log = m.logger.Debug
	}
	log(msg,
		zap.Error(err),
		zap.String("name", member.Name),
		zap.String("client_addr", member.Tags["client_addr"]),
	)
}
