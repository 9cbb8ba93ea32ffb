package transport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Transport fake sharing the production contract.
// It backs unit tests and single-process deployments without Redis.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	nextSub int
	subs    map[string]map[int]chan Message
	streams map[string]*memStream
}

type memStream struct {
	entries []memEntry
	nextSeq int64
	groups  map[string]*memGroup
	notify  chan struct{} // closed and replaced on every append
}

type memEntry struct {
	id      string
	payload []byte
}

type memGroup struct {
	delivered int // number of entries handed out so far
	pending   map[string]*memPending
}

type memPending struct {
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		subs:    make(map[string]map[int]chan Message),
		streams: make(map[string]*memStream),
	}
}

// Close closes all subscriber channels and rejects further operations.
func (t *Memory) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, chans := range t.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	t.subs = make(map[string]map[int]chan Message)
	return nil
}

// Publish delivers payload to current subscribers. Subscribers with full
// buffers are skipped: ephemeral channel semantics allow drops.
func (t *Memory) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	var n int64
	for _, ch := range t.subs[channel] {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
			n++
		default:
		}
	}
	return n, nil
}

// Subscribe registers an ephemeral listener on channel.
func (t *Memory) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, ErrClosed
	}
	t.nextSub++
	id := t.nextSub
	ch := make(chan Message, 16)
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[int]chan Message)
	}
	t.subs[channel][id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[channel][id]; ok {
			delete(t.subs[channel], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// StreamAppend appends payload and wakes blocked readers.
func (t *Memory) StreamAppend(ctx context.Context, key string, payload []byte, maxLen int64) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}
	s := t.stream(key)
	s.nextSeq++
	id := fmt.Sprintf("%d-0", s.nextSeq)
	s.entries = append(s.entries, memEntry{id: id, payload: append([]byte(nil), payload...)})
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		t.trimStream(s, maxLen)
	}
	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// StreamRead reads entries after cursor, optionally blocking for new ones.
func (t *Memory) StreamRead(ctx context.Context, key, cursor string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		s := t.stream(key)
		if cursor == "$" {
			if len(s.entries) > 0 {
				cursor = s.entries[len(s.entries)-1].id
			} else {
				cursor = "0"
			}
		}
		msgs := t.readAfter(key, s, cursor, count)
		notify := s.notify
		t.mu.Unlock()

		if len(msgs) > 0 || block <= 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

// CreateGroup creates a consumer group; existing groups are left untouched.
func (t *Memory) CreateGroup(ctx context.Context, key, group, start string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	s := t.stream(key)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[string]*memPending)}
	if start == "$" {
		g.delivered = len(s.entries)
	}
	s.groups[group] = g
	return nil
}

// StreamReadGroup hands undelivered entries to consumer and tracks them
// as pending until acknowledged.
func (t *Memory) StreamReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		s, ok := t.streams[key]
		if !ok {
			t.mu.Unlock()
			return nil, ErrNoGroup
		}
		g, ok := s.groups[group]
		if !ok {
			t.mu.Unlock()
			return nil, ErrNoGroup
		}

		var msgs []Message
		now := time.Now()
		for g.delivered < len(s.entries) && (count <= 0 || int64(len(msgs)) < count) {
			e := s.entries[g.delivered]
			g.delivered++
			g.pending[e.id] = &memPending{consumer: consumer, deliveredAt: now, deliveryCount: 1}
			msgs = append(msgs, Message{ID: e.id, Channel: key, Payload: e.payload})
		}
		notify := s.notify
		t.mu.Unlock()

		if len(msgs) > 0 || block <= 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

// Ack removes entries from the pending list.
func (t *Memory) Ack(ctx context.Context, key, group string, ids ...string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	s, ok := t.streams[key]
	if !ok {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	return n, nil
}

// Pending lists unacknowledged entries, oldest first.
func (t *Memory) Pending(ctx context.Context, key, group string, count int64) ([]PendingEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s, ok := t.streams[key]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrNoGroup
	}
	now := time.Now()
	entries := make([]PendingEntry, 0, len(g.pending))
	for id, p := range g.pending {
		entries = append(entries, PendingEntry{
			ID:            id,
			Consumer:      p.consumer,
			Idle:          now.Sub(p.deliveredAt),
			DeliveryCount: p.deliveryCount,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entrySeq(entries[i].ID) < entrySeq(entries[j].ID) })
	if count > 0 && int64(len(entries)) > count {
		entries = entries[:count]
	}
	return entries, nil
}

// Claim reassigns stalled pending entries to consumer.
func (t *Memory) Claim(ctx context.Context, key, group, consumer string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, "", ErrClosed
	}
	s, ok := t.streams[key]
	if !ok {
		return nil, "0-0", nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, "", ErrNoGroup
	}

	startSeq := int64(0)
	if start != "" && start != "-" {
		startSeq = entrySeq(start)
	}
	now := time.Now()
	var msgs []Message
	for _, e := range s.entries {
		if entrySeq(e.id) < startSeq {
			continue
		}
		p, ok := g.pending[e.id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveryCount++
		msgs = append(msgs, Message{ID: e.id, Channel: key, Payload: e.payload})
		if count > 0 && int64(len(msgs)) >= count {
			break
		}
	}
	return msgs, "0-0", nil
}

// Trim caps the stream to maxLen entries.
func (t *Memory) Trim(ctx context.Context, key string, maxLen int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	s, ok := t.streams[key]
	if !ok {
		return 0, nil
	}
	return t.trimStream(s, maxLen), nil
}

// Len returns the stream length.
func (t *Memory) Len(ctx context.Context, key string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	s, ok := t.streams[key]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// stream returns the stream at key, creating it if absent. Caller holds mu.
func (t *Memory) stream(key string) *memStream {
	s, ok := t.streams[key]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		t.streams[key] = s
	}
	return s
}

// readAfter returns entries strictly after cursor. Caller holds mu.
func (t *Memory) readAfter(key string, s *memStream, cursor string, count int64) []Message {
	after := int64(0)
	if cursor != "0" && cursor != "" {
		after = entrySeq(cursor)
	}
	var msgs []Message
	for _, e := range s.entries {
		if entrySeq(e.id) <= after {
			continue
		}
		msgs = append(msgs, Message{ID: e.id, Channel: key, Payload: e.payload})
		if count > 0 && int64(len(msgs)) >= count {
			break
		}
	}
	return msgs
}

// trimStream drops the oldest entries beyond maxLen and fixes up group
// delivery offsets. Caller holds mu.
func (t *Memory) trimStream(s *memStream, maxLen int64) int64 {
	if maxLen < 0 || int64(len(s.entries)) <= maxLen {
		return 0
	}
	removed := int64(len(s.entries)) - maxLen
	s.entries = append([]memEntry(nil), s.entries[removed:]...)
	for _, g := range s.groups {
		g.delivered -= int(removed)
		if g.delivered < 0 {
			g.delivered = 0
		}
	}
	return removed
}

// entrySeq parses the monotonic part of an entry ID for ordering.
func entrySeq(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(head, 10, 64)
	return n
}

// Ensure Memory implements Transport.
var _ Transport = (*Memory)(nil)
