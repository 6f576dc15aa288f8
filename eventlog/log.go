// Package eventlog defines the partitioned log abstraction the pipeline
// runs on: named streams split into partitions, consumer groups with
// per-partition offsets, at-least-once redelivery and dead-letter routing.
// Any durable, partition-ordered log can satisfy the contract; MemoryLog is
// the reference implementation.
package eventlog

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"time"
)

// Record is one message as delivered to a consumer
type Record struct {
	Stream     string
	Partition  int
	Offset     int64
	Key        string
	Payload    []byte
	Deliveries int
	EnqueuedAt time.Time
}

// Log is the partitioned log contract. Ordering is guaranteed only within a
// partition for a single consumer; delivery to each consumer group is
// at-least-once.
type Log interface {
	// Publish appends a record; the partition is derived from the key
	Publish(ctx context.Context, stream, key string, payload []byte) (partition int, offset int64, err error)

	// Fetch returns up to max records for a group from one partition, in
	// offset order: first records due for redelivery, then undelivered ones
	Fetch(ctx context.Context, stream, group string, partition, max int) ([]Record, error)

	// Ack marks a delivered record as processed
	Ack(ctx context.Context, stream, group string, partition int, offset int64) error

	// Nack schedules a delivered record for redelivery; once the record has
	// exhausted MaxDeliveries it moves to the stream's dead-letter stream
	Nack(ctx context.Context, stream, group string, partition int, offset int64) error

	// ToDLQ dead-letters a delivered record immediately, bypassing retries.
	// Used for malformed payloads that can never succeed.
	ToDLQ(ctx context.Context, stream, group string, partition int, offset int64, reason string) error

	// Reset rewinds a group's cursor on one partition for replay
	Reset(ctx context.Context, stream, group string, partition int, offset int64) error

	// Replay republishes up to max dead-lettered records onto their source
	// stream and returns how many were replayed
	Replay(ctx context.Context, dlqStream string, max int) (int, error)

	// Partitions reports the partition count of a stream
	Partitions(stream string) int

	// Lag reports uncommitted records for a group on one partition
	Lag(stream, group string, partition int) int64
}

var (
	// ErrUnknownStream is returned for operations on a stream never published to
	ErrUnknownStream = errors.New("unknown stream")
	// ErrUnknownOffset is returned when acking or nacking an offset that is
	// not currently delivered to the group
	ErrUnknownOffset = errors.New("offset not delivered to group")
	// ErrInvalidPartition is returned for a partition outside the stream's range
	ErrInvalidPartition = errors.New("invalid partition")
)

// PartitionFor derives the partition for a key: hash(key) mod partitions.
// FNV-64a keeps the assignment stable across processes and restarts.
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(partitions))
}

// DLQName returns the dead-letter stream for a source stream
func DLQName(stream string) string {
	return stream + ".dlq"
}

// IsDLQ reports whether the stream is a dead-letter stream
func IsDLQ(stream string) bool {
	return strings.HasSuffix(stream, ".dlq")
}

// SourceOf returns the source stream of a dead-letter stream
func SourceOf(dlqStream string) string {
	return strings.TrimSuffix(dlqStream, ".dlq")
}
