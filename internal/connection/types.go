package connection

import (
	"time"
)

// State represents the state of a CSMS connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Config holds the settings for one station's CSMS connection.
type Config struct {
	// URL is the supervision endpoint; the station id is appended as the
	// request path.
	URL       string
	StationID string

	// Subprotocol negotiated during the WebSocket handshake.
	Subprotocol string

	BasicAuthUsername string
	BasicAuthPassword string

	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration

	// RequestTimeout bounds how long a pending outbound request waits for
	// its response.
	RequestTimeout time.Duration
}

// DefaultSubprotocol is the OCPP 1.6-J WebSocket sub-protocol.
const DefaultSubprotocol = "ocpp1.6"

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = DefaultSubprotocol
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return cfg
}

// Stats tracks per-connection traffic counters.
type Stats struct {
	ConnectedAt      *time.Time
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
}
