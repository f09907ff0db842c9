package admin

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one lifecycle notification pushed to supervisors.
type Event struct {
	Type      string    `json:"type"` // started, stopped, updated
	StationID string    `json:"stationId"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster fans station lifecycle events out to connected supervisor
// clients over WebSocket.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewBroadcaster creates and starts the event fan-out loop.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broadcaster{
		logger:  logger,
		clients: make(map[*client]struct{}),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}

	go b.run()
	return b
}

// StationStarted implements the station EventSink.
func (b *Broadcaster) StationStarted(stationID string) {
	b.publish(Event{Type: "started", StationID: stationID, Timestamp: time.Now()})
}

// StationStopped implements the station EventSink.
func (b *Broadcaster) StationStopped(stationID string) {
	b.publish(Event{Type: "stopped", StationID: stationID, Timestamp: time.Now()})
}

// StationUpdated implements the station EventSink.
func (b *Broadcaster) StationUpdated(stationID string) {
	b.publish(Event{Type: "updated", StationID: stationID, Timestamp: time.Now()})
}

func (b *Broadcaster) publish(event Event) {
	select {
	case b.events <- event:
	default:
		b.logger.Warn("Event channel full, dropping event",
			"type", event.Type,
			"stationId", event.StationID,
		)
	}
}

func (b *Broadcaster) run() {
	for {
		select {
		case event := <-b.events:
			data, err := json.Marshal(event)
			if err != nil {
				b.logger.Error("Failed to marshal event", "error", err)
				continue
			}
			b.fanOut(data)
		case <-b.done:
			return
		}
	}
}

func (b *Broadcaster) fanOut(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer; disconnect it rather than block the loop.
			delete(b.clients, c)
			close(c.send)
		}
	}
}

// Register attaches a supervisor connection to the event stream.
func (b *Broadcaster) Register(conn *websocket.Conn) {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go c.writePump()
	go b.readPump(c)
}

func (b *Broadcaster) readPump(c *client) {
	defer func() {
		b.mu.Lock()
		if _, ok := b.clients[c]; ok {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected supervisors.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Shutdown stops the fan-out loop and disconnects every client.
func (b *Broadcaster) Shutdown() {
	b.once.Do(func() {
		close(b.done)

		b.mu.Lock()
		for c := range b.clients {
			close(c.send)
			c.conn.Close()
		}
		b.clients = make(map[*client]struct{})
		b.mu.Unlock()
	})
}
