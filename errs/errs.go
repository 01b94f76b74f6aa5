// Package errs provides shared errors for distributed-walrus, grouped by
// layer (metadata, auth, raft, storage, controller, transport).
// Check errors with errors.Is(err, errs.ErrX).
package errs

import (
	"errors"
	"fmt"
)

// Metadata state machine errors. Committed commands are assumed structurally
// valid; a decode failure signals version skew or corruption and must be
// escalated, never retried locally.

var (
	ErrTopicNotFound  = errors.New("Topic not found")
	ErrUnknownCommand = errors.New("metadata: unknown command type")
	ErrDecodeCommand  = errors.New("metadata: decode command")
	ErrDecodeSnapshot = errors.New("metadata: decode snapshot")
)

func ErrDecodeCommandf(err error) error {
	return fmt.Errorf("%w: %v", ErrDecodeCommand, err)
}

func ErrDecodeSnapshotf(err error) error {
	return fmt.Errorf("%w: %v", ErrDecodeSnapshot, err)
}

func ErrUnknownCommandf(t uint8) error {
	return fmt.Errorf("%w: %d", ErrUnknownCommand, t)
}

// Auth / user directory errors. The messages are the directory-specific
// responses surfaced verbatim to clients.

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

func ErrUserExistsf(username string) error {
	return fmt.Errorf("user %s: %w", username, ErrUserExists)
}

func ErrUserNotFoundf(username string) error {
	return fmt.Errorf("user %s: %w", username, ErrUserNotFound)
}

// Raft / coordinator errors.

var (
	ErrNotRaftLeader = errors.New("this node is not the raft leader")
	ErrNoRaftLeader  = errors.New("raft leader not found")
)

func ErrRaftApply(err error) error { return fmt.Errorf("raft apply: %w", err) }

func ErrNewRaft(err error) error { return fmt.Errorf("failed to create new raft: %w", err) }

func ErrBootstrapCluster(err error) error {
	return fmt.Errorf("failed to bootstrap cluster: %w", err)
}

// Storage errors (segment files and topic logs).

var (
	ErrSegmentNotFound = errors.New("storage: segment not found")
	ErrEntryOutOfRange = errors.New("storage: entry out of range")
	ErrIndexNotFound   = errors.New("storage: index entry not found")
)

func ErrEntryOutOfRangef(seq, entries uint64) error {
	return fmt.Errorf("entry %d out of range [0, %d): %w", seq, entries, ErrEntryOutOfRange)
}

func ErrSegmentNotFoundf(topic string, id uint64) error {
	return fmt.Errorf("topic %s segment %d: %w", topic, id, ErrSegmentNotFound)
}

func ErrSegmentRecover(err error) error { return fmt.Errorf("segment recover: %w", err) }

// Transport / client protocol errors. These are reported per-request as
// "ERR <text>"; the connection stays open.

var (
	ErrInvalidFrameLength = errors.New("invalid frame length")
	ErrInvalidUTF8        = errors.New("invalid utf-8")
	ErrUnknownOp          = errors.New("unknown command")
	ErrAuthRequired       = errors.New("authentication required: send AUTH <api_key> first")
	ErrInvalidAPIKey      = errors.New("invalid API key")
)

// Controller errors.

var (
	ErrNotTopicLeader = errors.New("this node is not leader for topic")
	ErrTopicNotLocal  = errors.New("topic has no local log on this node")
)

func ErrNotTopicLeaderf(topic string) error {
	return fmt.Errorf("topic %s: %w", topic, ErrNotTopicLeader)
}

func ErrTopicNotLocalf(topic string) error {
	return fmt.Errorf("topic %s: %w", topic, ErrTopicNotLocal)
}
