package config

import (
	"fmt"
	"net"
	"time"
)

type Config struct {
	BindAddr       string
	AdvertiseAddr  string // optional; hostname others use to reach us (e.g. node1). When set, Serf/Raft/client advertise this; bind with 0.0.0.0 in Docker.
	NodeConfig     NodeConfig
	RaftConfig     RaftConfig
	Retention      RetentionConfig
	StartJoinAddrs []string
	APIKey         string // when set, clients must AUTH before any other command
}

type NodeConfig struct {
	ID         uint64
	ClientPort int
	DataDir    string
	// SegmentMaxEntries is the record count at which the open segment is
	// sealed and rolled (0 = use default).
	SegmentMaxEntries uint64
}

type RaftConfig struct {
	Address     string // address others use to reach this node's Raft (e.g. node1:9093)
	BindAddress string // optional; listen address (e.g. 0.0.0.0:9093). When empty, listen on Address.
	Dir         string
	Bootstrap   bool
	LogLevel    string
}

// RetentionConfig holds retention sweep settings.
type RetentionConfig struct {
	// SweepInterval is how often the sweeper evaluates owned topics
	// (0 = use default).
	SweepInterval time.Duration
}

// ClientAddr returns the address other processes use to reach this node's
// client protocol port.
func (c Config) ClientAddr() (string, error) {
	if c.AdvertiseAddr != "" {
		return fmt.Sprintf("%s:%d", c.AdvertiseAddr, c.NodeConfig.ClientPort), nil
	}
	host, _, err := net.SplitHostPort(c.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.NodeConfig.ClientPort), nil
}

// ClientListenAddr returns the address the client server should bind to. When
// AdvertiseAddr is set, bind 0.0.0.0 so other nodes can connect.
func (c Config) ClientListenAddr() (string, error) {
	if c.AdvertiseAddr != "" {
		return fmt.Sprintf("0.0.0.0:%d", c.NodeConfig.ClientPort), nil
	}
	return c.ClientAddr()
}
