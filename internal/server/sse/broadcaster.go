// Package sse provides Server-Sent Events broadcasting for gateway
// activity monitoring.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	// Prevents blocking on stale connections.
	WriteTimeout = 2 * time.Second
)

// Client represents a connected SSE client. mu serializes writes against
// teardown: Done is only closed while no write is in flight, so a handler
// returning on Done never races a write to its ResponseWriter.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string

	mu     sync.Mutex
	closed bool
}

// shutdown closes Done exactly once, after any in-flight write finishes.
func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Done)
	}
	c.mu.Unlock()
}

// Broadcaster fans gateway activity events out to connected observers.
// Queries proceed regardless of observer count; a slow observer is dropped,
// never waited on.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient adds a new SSE client connection.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", id).
		Int("totalClients", clientCount).
		Msg("Monitor client connected")

	return client, nil
}

// RemoveClient removes a client connection. Safe to call more than once;
// the stale-write path and the handler's context branch can both reach it.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, exists := b.clients[client.ID]
	if exists {
		delete(b.clients, client.ID)
	}
	clientCount := len(b.clients)
	b.mu.Unlock()

	client.shutdown()

	if exists {
		log.Debug().
			Str("clientId", client.ID).
			Int("totalClients", clientCount).
			Msg("Monitor client disconnected")
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends an event to every connected client. Clients whose writes
// fail or exceed WriteTimeout are removed.
func (b *Broadcaster) Broadcast(event string, payload any) {
	b.mu.RLock()
	if len(b.clients) == 0 {
		b.mu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("Failed to marshal monitor event")
		return
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)

	var stale []*Client
	for _, client := range clients {
		if !b.write(client, frame) {
			stale = append(stale, client)
		}
	}
	for _, client := range stale {
		// Removal waits for the wedged write to finish before closing
		// Done; do it off the broadcast loop so one dead client cannot
		// stall delivery to the rest.
		go b.RemoveClient(client)
	}
}

// write delivers one frame to one client, bounded by WriteTimeout. The
// write happens under the client lock so teardown cannot close Done while
// the ResponseWriter is in use.
func (b *Broadcaster) write(client *Client, frame string) bool {
	done := make(chan bool, 1)
	go func() {
		client.mu.Lock()
		if client.closed {
			client.mu.Unlock()
			done <- false
			return
		}
		_, err := fmt.Fprint(client.Writer, frame)
		if err == nil {
			client.Flusher.Flush()
		}
		client.mu.Unlock()
		done <- err == nil
	}()

	select {
	case ok := <-done:
		return ok
	case <-time.After(WriteTimeout):
		log.Warn().Str("clientId", client.ID).Msg("Monitor client write timed out")
		return false
	case <-client.Done:
		return false
	}
}

// Close disconnects all clients.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}
