package sse

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

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

// mockResponseWriter implements http.ResponseWriter and http.Flusher.
type mockResponseWriter struct {
	mu      sync.Mutex
	headers http.Header
	body    []byte
	flushed bool
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{headers: make(http.Header)}
}

func (m *mockResponseWriter) Header() http.Header {
	return m.headers
}

func (m *mockResponseWriter) Write(data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.body = append(m.body, data...)
	return len(data), nil
}

func (m *mockResponseWriter) WriteHeader(int) {}

func (m *mockResponseWriter) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed = true
}

func (m *mockResponseWriter) GetBody() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.body)
}

func (s *BroadcasterSuite) TestAddClient() {
	w := newMockResponseWriter()

	client, err := s.broadcaster.AddClient(w)
	s.NoError(err)
	s.NotNil(client)
	s.NotEmpty(client.ID)
	s.NotNil(client.Done)
	s.Equal(1, s.broadcaster.ClientCount())
}

func (s *BroadcasterSuite) TestRemoveClient() {
	w := newMockResponseWriter()
	client, err := s.broadcaster.AddClient(w)
	s.Require().NoError(err)

	s.broadcaster.RemoveClient(client)
	s.Equal(0, s.broadcaster.ClientCount())

	select {
	case <-client.Done:
	default:
		s.Fail("Done channel should be closed")
	}
}

func (s *BroadcasterSuite) TestRemoveClientTwice() {
	w := newMockResponseWriter()
	client, err := s.broadcaster.AddClient(w)
	s.Require().NoError(err)

	// Stale-write cleanup and the handler's context branch can both remove
	// the same client; the second removal must be a no-op, not a panic.
	s.broadcaster.RemoveClient(client)
	s.NotPanics(func() { s.broadcaster.RemoveClient(client) })
	s.Equal(0, s.broadcaster.ClientCount())
}

func (s *BroadcasterSuite) TestConcurrentRemoveClient() {
	w := newMockResponseWriter()
	client, err := s.broadcaster.AddClient(w)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.broadcaster.RemoveClient(client)
		}()
	}
	wg.Wait()
	s.Equal(0, s.broadcaster.ClientCount())
}

func (s *BroadcasterSuite) TestBroadcastSkipsRemovedClient() {
	w := newMockResponseWriter()
	client, err := s.broadcaster.AddClient(w)
	s.Require().NoError(err)
	s.broadcaster.RemoveClient(client)

	// A removed client's ResponseWriter must never be written again even
	// if a stale reference is handed to the write path.
	s.False(s.broadcaster.write(client, "event: late\n\n"))
	s.Empty(w.GetBody())
}

func (s *BroadcasterSuite) TestBroadcast() {
	w := newMockResponseWriter()
	_, err := s.broadcaster.AddClient(w)
	s.Require().NoError(err)

	s.broadcaster.Broadcast("query_completed", map[string]any{"session_id": "sess-1"})

	body := w.GetBody()
	s.Contains(body, "event: query_completed")
	s.Contains(body, "data:")
	s.Contains(body, "sess-1")
}

func (s *BroadcasterSuite) TestBroadcastNoClients() {
	// Must not panic or block.
	s.broadcaster.Broadcast("query_completed", map[string]any{})
}

func (s *BroadcasterSuite) TestBroadcastMultipleClients() {
	writers := make([]*mockResponseWriter, 3)
	for i := range writers {
		writers[i] = newMockResponseWriter()
		_, err := s.broadcaster.AddClient(writers[i])
		s.Require().NoError(err)
	}

	s.broadcaster.Broadcast("stream_started", map[string]any{"session_id": "sess-1"})

	for i, w := range writers {
		s.Contains(w.GetBody(), "sess-1", "client %d should receive the event", i)
	}
}

func (s *BroadcasterSuite) TestClose() {
	w := newMockResponseWriter()
	client, err := s.broadcaster.AddClient(w)
	s.Require().NoError(err)

	s.broadcaster.Close()
	s.Equal(0, s.broadcaster.ClientCount())

	select {
	case <-client.Done:
	default:
		s.Fail("Close must release connected clients")
	}
}

func TestAddClientRequiresFlusher(t *testing.T) {
	b := NewBroadcaster()

	// A writer without Flush cannot stream.
	type plainWriter struct{ http.ResponseWriter }
	_, err := b.AddClient(plainWriter{})
	assert.Error(t, err)
}

func TestClientUniqueIDs(t *testing.T) {
	b := NewBroadcaster()
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		client, err := b.AddClient(newMockResponseWriter())
		assert.NoError(t, err)
		assert.False(t, seen[client.ID], "client IDs must be unique")
		seen[client.ID] = true
	}
}
