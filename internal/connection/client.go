package connection

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chargefleet/fleetsim/internal/ocpp"
)

// CallHandler services an inbound CALL and returns the response payload.
// A returned *ocpp.Error is sent to the CSMS as a CALLERROR.
type CallHandler func(call *ocpp.Call) (interface{}, *ocpp.Error)

// Client is one station's WebSocket connection to the CSMS: it sends
// requests, matches responses to pending calls and dispatches inbound
// commands to the registered handler.
type Client struct {
	cfg    Config
	logger *slog.Logger

	handler CallHandler

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State

	pending   *pendingCalls
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	connectedAt      time.Time

	// OnDisconnect is invoked when the read loop ends.
	OnDisconnect func(err error)

	// OnFrame observes every frame on the wire ("sent" or "received"),
	// for traffic logging.
	OnFrame func(direction string, data []byte)
}

// NewClient creates a CSMS client for a station.
func NewClient(cfg Config, handler CallHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	resolved := cfg.withDefaults()

	return &Client{
		cfg:     resolved,
		logger:  logger,
		handler: handler,
		state:   StateDisconnected,
		pending: newPendingCalls(resolved.RequestTimeout),
		closed:  make(chan struct{}),
	}
}

// Connect dials the CSMS and starts the read loop.
func (c *Client) Connect() error {
	c.setState(StateConnecting)

	url := strings.TrimRight(c.cfg.URL, "/") + "/" + c.cfg.StationID

	headers := http.Header{}
	if c.cfg.BasicAuthUsername != "" {
		credentials := c.cfg.BasicAuthUsername + ":" + c.cfg.BasicAuthPassword
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectionTimeout,
		Subprotocols:     []string{c.cfg.Subprotocol},
	}

	conn, resp, err := dialer.Dial(url, headers)
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil {
			return fmt.Errorf("dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}

	if proto := conn.Subprotocol(); proto != c.cfg.Subprotocol {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("central system did not accept subprotocol %q, offered %q", c.cfg.Subprotocol, proto)
	}

	c.mu.Lock()
	c.conn = conn
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected)

	c.logger.Info("Connected to central system",
		"stationId", c.cfg.StationID,
		"url", url,
		"subprotocol", c.cfg.Subprotocol,
	)

	go c.readLoop(conn)
	go c.pingLoop(conn)

	return nil
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Call sends a CALL and blocks until the response, a CALLERROR, the
// request timeout, or connection shutdown.
func (c *Client) Call(action string, payload interface{}) (json.RawMessage, error) {
	call, err := ocpp.NewCall(action, payload)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("marshal %s call: %w", action, err)
	}

	ch := c.pending.register(call.UniqueID)

	if err := c.write(data); err != nil {
		c.pending.drop(call.UniqueID)
		return nil, err
	}

	return c.pending.await(call.UniqueID, ch)
}

// SendResult answers an inbound CALL with a CALLRESULT.
func (c *Client) SendResult(uniqueID string, payload interface{}) error {
	result, err := ocpp.NewCallResult(uniqueID, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal call result: %w", err)
	}

	return c.write(data)
}

// SendError answers an inbound CALL with a CALLERROR.
func (c *Client) SendError(uniqueID string, code ocpp.ErrorCode, description string) error {
	data, err := json.Marshal(ocpp.NewCallError(uniqueID, code, description))
	if err != nil {
		return fmt.Errorf("marshal call error: %w", err)
	}

	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	c.messagesSent.Add(1)
	c.bytesSent.Add(int64(len(data)))

	if c.OnFrame != nil {
		c.OnFrame("sent", data)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	var loopErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			loopErr = err
			break
		}

		c.messagesReceived.Add(1)
		c.bytesReceived.Add(int64(len(data)))
		if c.OnFrame != nil {
			c.OnFrame("received", data)
		}
		c.dispatch(data)
	}

	c.setState(StateDisconnected)
	c.pending.failAll(ErrConnectionClosed)

	if c.OnDisconnect != nil {
		c.OnDisconnect(loopErr)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// dispatch routes an inbound frame: CALLs to the handler, responses to
// the pending-call registry.
func (c *Client) dispatch(data []byte) {
	msg, err := ocpp.Parse(data)
	if err != nil {
		c.logger.Warn("Dropping unparseable frame",
			"stationId", c.cfg.StationID,
			"error", err,
		)
		if id, idErr := ocpp.MessageID(data); idErr == nil {
			c.SendError(id, ocpp.ErrorFormationViolation, err.Error())
		}
		return
	}

	switch m := msg.(type) {
	case *ocpp.Call:
		c.handleCall(m)

	case *ocpp.CallResult:
		if !c.pending.resolve(m.UniqueID, m.Payload, nil) {
			c.logger.Warn("Response without pending request",
				"stationId", c.cfg.StationID,
				"uniqueId", m.UniqueID,
			)
		}

	case *ocpp.CallError:
		err := ocpp.NewError(m.Code, "", m.Description)
		if !c.pending.resolve(m.UniqueID, nil, err) {
			c.logger.Warn("Error response without pending request",
				"stationId", c.cfg.StationID,
				"uniqueId", m.UniqueID,
				"code", m.Code,
			)
		}
	}
}

func (c *Client) handleCall(call *ocpp.Call) {
	if c.handler == nil {
		c.SendError(call.UniqueID, ocpp.ErrorNotImplemented, "no handler registered")
		return
	}

	payload, callErr := c.handler(call)
	if callErr != nil {
		if err := c.SendError(call.UniqueID, callErr.Code, callErr.Message); err != nil {
			c.logger.Error("Failed to send call error",
				"stationId", c.cfg.StationID,
				"action", call.Action,
				"error", err,
			)
		}
		return
	}

	if err := c.SendResult(call.UniqueID, payload); err != nil {
		c.logger.Error("Failed to send call result",
			"stationId", c.cfg.StationID,
			"action", call.Action,
			"error", err,
		)
	}
}

// Stats returns a snapshot of the traffic counters.
func (c *Client) Stats() Stats {
	stats := Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
	}

	c.mu.RLock()
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		stats.ConnectedAt = &t
	}
	c.mu.RUnlock()

	return stats
}

// Close shuts the connection down and rejects every pending request.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = conn.Close()
		}

		c.setState(StateDisconnected)
		c.pending.failAll(ErrConnectionClosed)
	})
	return err
}
