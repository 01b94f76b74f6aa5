package coordinator

import (
	"fmt"

	"github.com/MEOFIXBUG/walrus/auth"
	"github.com/MEOFIXBUG/walrus/errs"
	"github.com/MEOFIXBUG/walrus/metadata"
	"github.com/MEOFIXBUG/walrus/retention"
)

// Submit replicates an encoded metadata command through Raft and returns the
// state machine's response token. Only the Raft leader accepts submissions;
// followers get errs.ErrNotRaftLeader and the caller redirects the client.
func (c *Coordinator) Submit(command []byte) ([]byte, error) {
	if !c.IsLeader() {
		return nil, errs.ErrNotRaftLeader
	}
	f := c.raft.Apply(command, applyTimeout)
	if err := f.Error(); err != nil {
		return nil, errs.ErrRaftApply(err)
	}
	res, ok := f.Response().(ApplyResult)
	if !ok {
		return nil, errs.ErrRaftApply(fmt.Errorf("unexpected apply response %T", f.Response()))
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Resp, nil
}

func (c *Coordinator) SubmitCreateTopic(name string, initialLeader metadata.NodeID) ([]byte, error) {
	cmd, err := metadata.EncodeCreateTopic(name, initialLeader)
	if err != nil {
		return nil, err
	}
	return c.Submit(cmd)
}

func (c *Coordinator) SubmitRollover(name string, newLeader metadata.NodeID, sealedEntryCount uint64) ([]byte, error) {
	cmd, err := metadata.EncodeRolloverTopic(name, newLeader, sealedEntryCount)
	if err != nil {
		return nil, err
	}
	return c.Submit(cmd)
}

func (c *Coordinator) SubmitUpsertNode(id metadata.NodeID, addr string) ([]byte, error) {
	cmd, err := metadata.EncodeUpsertNode(id, addr)
	if err != nil {
		return nil, err
	}
	return c.Submit(cmd)
}

func (c *Coordinator) SubmitAddUser(u auth.User) ([]byte, error) {
	cmd, err := metadata.EncodeAddUser(u)
	if err != nil {
		return nil, err
	}
	return c.Submit(cmd)
}

func (c *Coordinator) SubmitRemoveUser(username string) ([]byte, error) {
	cmd, err := metadata.EncodeRemoveUser(username)
	if err != nil {
		return nil, err
	}
	return c.Submit(cmd)
}

func (c *Coordinator) SubmitSetRetention(topic string, policy retention.Policy) ([]byte, error) {
	cmd, err := metadata.EncodeSetRetention(topic, policy)
	if err != nil {
		return nil, err
	}
	return c.Submit(cmd)
}

func (c *Coordinator) SubmitDeleteSegments(topic string, segmentIDs []uint64) ([]byte, error) {
	cmd, err := metadata.EncodeDeleteSegments(topic, segmentIDs)
	if err != nil {
		return nil, err
	}
	return c.Submit(cmd)
}
