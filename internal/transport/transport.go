// Package transport provides the dual-mode message transport for evermind:
// a durable, replayable stream with consumer groups and an ephemeral
// fan-out channel. The stream is the durability backbone; pub/sub adds
// low-latency delivery without persistence.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned for operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrNoGroup is returned when a consumer group does not exist.
	ErrNoGroup = errors.New("transport: consumer group does not exist")
)

// Message is one transport message: a stream entry or a pub/sub delivery.
// Stream messages carry the transport-assigned ID; pub/sub messages carry
// only the channel and payload.
type Message struct {
	ID      string
	Channel string
	Payload []byte
}

// PendingEntry describes a stream entry delivered to a consumer but not
// yet acknowledged.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Transport is the abstract message transport. One production adapter
// (Redis) and one in-memory fake share this contract so the coordination
// layers can be tested without a server.
//
// Stream reads with block <= 0 return immediately; a positive block waits
// up to that long for new entries. An elapsed block returns an empty slice,
// not an error. Transport I/O errors always propagate; a single malformed
// entry is logged and skipped without aborting the read.
type Transport interface {
	// Publish sends payload to every current subscriber of channel and
	// returns how many subscribers received it.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)

	// Subscribe registers an ephemeral listener on channel. Messages sent
	// while nobody listens are lost. The returned cancel func releases the
	// subscription and closes the channel.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)

	// StreamAppend appends payload to the stream at key, capping its length
	// approximately at maxLen when maxLen > 0. Returns the assigned entry ID.
	StreamAppend(ctx context.Context, key string, payload []byte, maxLen int64) (string, error)

	// StreamRead reads up to count entries after cursor ("0" for the start,
	// "$" for only new entries when blocking).
	StreamRead(ctx context.Context, key, cursor string, count int64, block time.Duration) ([]Message, error)

	// CreateGroup creates a consumer group on key starting at start ("0" or
	// "$"), creating the stream if needed. Creating an existing group is not
	// an error.
	CreateGroup(ctx context.Context, key, group, start string) error

	// StreamReadGroup reads up to count undelivered entries for consumer
	// within group.
	StreamReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack acknowledges delivered entries for group and returns how many
	// were newly acknowledged.
	Ack(ctx context.Context, key, group string, ids ...string) (int64, error)

	// Pending lists up to count unacknowledged entries for group.
	Pending(ctx context.Context, key, group string, count int64) ([]PendingEntry, error)

	// Claim transfers ownership of pending entries idle for at least minIdle
	// to consumer, scanning from start. Returns the claimed entries and the
	// cursor for the next scan.
	Claim(ctx context.Context, key, group, consumer string, minIdle time.Duration, start string, count int64) ([]Message, string, error)

	// Trim caps the stream at key to approximately maxLen entries and
	// returns how many were removed.
	Trim(ctx context.Context, key string, maxLen int64) (int64, error)

	// Len returns the number of entries in the stream at key.
	Len(ctx context.Context, key string) (int64, error)

	Close() error
}
