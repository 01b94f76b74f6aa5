package metadata

import (
	"encoding/json"

	"github.com/MEOFIXBUG/walrus/auth"
	"github.com/MEOFIXBUG/walrus/errs"
	"github.com/MEOFIXBUG/walrus/retention"
)

// CmdType tags the single legal mutation instruction variants.
type CmdType uint8

const (
	CmdCreateTopic CmdType = iota + 1
	CmdRolloverTopic
	CmdUpsertNode
	CmdAddUser
	CmdRemoveUser
	CmdSetRetention
	CmdDeleteSegments
)

// Cmd is the envelope committed to the consensus log. Exactly one payload
// struct corresponds to each Type.
type Cmd struct {
	Type CmdType         `json:"type"`
	Data json.RawMessage `json:"data"`
}

type CreateTopicCmd struct {
	Name          string `json:"name"`
	InitialLeader NodeID `json:"initial_leader"`
}

type RolloverTopicCmd struct {
	Name             string `json:"name"`
	NewLeader        NodeID `json:"new_leader"`
	SealedEntryCount uint64 `json:"sealed_segment_entry_count"`
}

type UpsertNodeCmd struct {
	NodeID NodeID `json:"node_id"`
	Addr   string `json:"addr"`
}

type AddUserCmd struct {
	User auth.User `json:"user"`
}

type RemoveUserCmd struct {
	Username string `json:"username"`
}

type SetRetentionCmd struct {
	Topic  string           `json:"topic"`
	Policy retention.Policy `json:"policy"`
}

type DeleteSegmentsCmd struct {
	Topic      string   `json:"topic"`
	SegmentIDs []uint64 `json:"segment_ids"`
}

func encodeCmd(t CmdType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Cmd{Type: t, Data: data})
}

func EncodeCreateTopic(name string, initialLeader NodeID) ([]byte, error) {
	return encodeCmd(CmdCreateTopic, CreateTopicCmd{Name: name, InitialLeader: initialLeader})
}

func EncodeRolloverTopic(name string, newLeader NodeID, sealedEntryCount uint64) ([]byte, error) {
	return encodeCmd(CmdRolloverTopic, RolloverTopicCmd{
		Name:             name,
		NewLeader:        newLeader,
		SealedEntryCount: sealedEntryCount,
	})
}

func EncodeUpsertNode(nodeID NodeID, addr string) ([]byte, error) {
	return encodeCmd(CmdUpsertNode, UpsertNodeCmd{NodeID: nodeID, Addr: addr})
}

func EncodeAddUser(u auth.User) ([]byte, error) {
	return encodeCmd(CmdAddUser, AddUserCmd{User: u})
}

func EncodeRemoveUser(username string) ([]byte, error) {
	return encodeCmd(CmdRemoveUser, RemoveUserCmd{Username: username})
}

func EncodeSetRetention(topic string, policy retention.Policy) ([]byte, error) {
	return encodeCmd(CmdSetRetention, SetRetentionCmd{Topic: topic, Policy: policy})
}

func EncodeDeleteSegments(topic string, segmentIDs []uint64) ([]byte, error) {
	return encodeCmd(CmdDeleteSegments, DeleteSegmentsCmd{Topic: topic, SegmentIDs: segmentIDs})
}

func decodeCmd(command []byte) (*Cmd, error) {
	var cmd Cmd
	if err := json.Unmarshal(command, &cmd); err != nil {
		return nil, errs.ErrDecodeCommandf(err)
	}
	return &cmd, nil
}

func decodePayload[T any](data json.RawMessage) (T, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, errs.ErrDecodeCommandf(err)
	}
	return payload, nil
}
