package events

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// BroadcasterSuite is a test suite for lifecycle event broadcasting.
type BroadcasterSuite struct {
	suite.Suite
	broadcaster *Broadcaster
}

func (s *BroadcasterSuite) SetupTest() {
	s.broadcaster = NewBroadcaster()
}

func TestBroadcasterSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterSuite))
}

// mockResponseWriter implements http.ResponseWriter and http.Flusher for testing.
type mockResponseWriter struct {
	header     http.Header
	body       []byte
	statusCode int
	mu         sync.Mutex
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}
}

func (m *mockResponseWriter) Header() http.Header {
	return m.header
}

func (m *mockResponseWriter) Write(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = append(m.body, data...)
	return len(data), nil
}

func (m *mockResponseWriter) WriteHeader(statusCode int) {
	m.statusCode = statusCode
}

func (m *mockResponseWriter) Flush() {}

func (m *mockResponseWriter) GetBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body
}

// TestAddRemoveClient tests connection bookkeeping and the Done channel.
func (s *BroadcasterSuite) TestAddRemoveClient() {
	w := newMockResponseWriter()

	client, err := s.broadcaster.AddClient(w)
	s.NoError(err)
	s.NotEmpty(client.ID)
	s.Equal(1, s.broadcaster.ClientCount())

	s.broadcaster.RemoveClient(client)
	s.Equal(0, s.broadcaster.ClientCount())

	select {
	case <-client.Done:
	default:
		s.Fail("Done channel should be closed")
	}
}

// TestPublishRequestEvent tests the serialized SSE frame.
func (s *BroadcasterSuite) TestPublishRequestEvent() {
	w := newMockResponseWriter()
	_, err := s.broadcaster.AddClient(w)
	s.NoError(err)

	s.broadcaster.Publish(Event{
		Type:        TypeRequestResolved,
		RequestID:   "req_1",
		RequestType: "decision",
		Response:    "yes",
	})

	time.Sleep(50 * time.Millisecond)

	body := string(w.GetBody())
	s.Contains(body, "data:")
	s.Contains(body, "request_resolved")
	s.Contains(body, "req_1")
	s.Contains(body, `"at_epoch"`)
}

// TestPublishNoClients tests that publishing into the void is safe.
func (s *BroadcasterSuite) TestPublishNoClients() {
	s.broadcaster.Publish(Event{Type: TypeSessionEvicted, SessionKey: "t:p:chat"})
}

// TestPublishMultipleClients tests fan-out.
func (s *BroadcasterSuite) TestPublishMultipleClients() {
	writers := make([]*mockResponseWriter, 3)
	for i := 0; i < 3; i++ {
		writers[i] = newMockResponseWriter()
		_, err := s.broadcaster.AddClient(writers[i])
		s.NoError(err)
	}

	s.broadcaster.Publish(Event{Type: TypeSessionCached, SessionKey: "t:p:chat"})

	time.Sleep(100 * time.Millisecond)

	for i, w := range writers {
		body := string(w.GetBody())
		s.Contains(body, "session_cached", "client %d should receive the event", i)
	}
}

// TestClientUniqueIDs tests that clients get unique IDs.
func TestClientUniqueIDs(t *testing.T) {
	b := NewBroadcaster()
	ids := make(map[string]bool)

	for i := 0; i < 100; i++ {
		w := newMockResponseWriter()
		client, err := b.AddClient(w)
		require.NoError(t, err)

		assert.False(t, ids[client.ID], "ID %s should be unique", client.ID)
		ids[client.ID] = true
	}
}

// TestConcurrentPublish tests concurrent publishing against a stable
// client set.
func TestConcurrentPublish(t *testing.T) {
	b := NewBroadcaster()

	for i := 0; i < 10; i++ {
		w := newMockResponseWriter()
		_, err := b.AddClient(w)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(Event{Type: TypeRequestRegistered, RequestID: "req_x"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, b.ClientCount())
}

// TestRemoveNonExistentClient tests removing a client that was never added.
func TestRemoveNonExistentClient(t *testing.T) {
	b := NewBroadcaster()

	client := &Client{
		ID:   "fake-client",
		Done: make(chan struct{}),
	}

	b.RemoveClient(client)

	select {
	case <-client.Done:
	default:
		t.Error("Done channel should be closed")
	}
}
