// Package coordinator owns cluster-wide responsibility: the Raft node, the
// replicated metadata state machine behind it, and membership (Join/Leave
// driven by gossip). Commands enter through Submit on the Raft leader and
// come out of the FSM on every replica.
package coordinator

import (
	"io"

	"github.com/hashicorp/raft"

	"github.com/MEOFIXBUG/walrus/metadata"
)

var _ raft.FSM = (*MetadataFSM)(nil)

// MetadataFSM bridges Raft's log to the metadata state machine. The metadata
// store does its own locking; the FSM only routes bytes.
type MetadataFSM struct {
	Metadata *metadata.Metadata
}

func NewMetadataFSM(md *metadata.Metadata) *MetadataFSM {
	return &MetadataFSM{Metadata: md}
}

// ApplyResult is what raft.Apply's response future carries back to the
// submitter: the state machine's response token, or its domain error.
type ApplyResult struct {
	Resp []byte
	Err  error
}

func (f *MetadataFSM) Apply(l *raft.Log) interface{} {
	resp, err := f.Metadata.Apply(l.Data)
	return ApplyResult{Resp: resp, Err: err}
}

func (f *MetadataFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &metadataSnapshot{data: f.Metadata.Snapshot()}, nil
}

func (f *MetadataFSM) Restore(r io.ReadCloser) error {
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return f.Metadata.Restore(data)
}

var _ raft.FSMSnapshot = (*metadataSnapshot)(nil)

type metadataSnapshot struct {
	data []byte
}

func (s *metadataSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if _, err := sink.Write(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *metadataSnapshot) Release() {}
