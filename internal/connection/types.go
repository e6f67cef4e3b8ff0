package connection

import (
	"errors"
	"fmt"
	"time"
)

// Status is the state of the push channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// AllStatuses lists every status value.
var AllStatuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusError}

func (s Status) String() string { return string(s) }

// Errors
var (
	ErrNilDialer          = errors.New("connection: dialer is required")
	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")
	ErrPongTimeout        = errors.New("connection: no pong before deadline")
	ErrClosed             = errors.New("connection: manager closed")
)

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Op  string // "dial", "read", "write"
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports an inbound frame that could not be decoded.
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("malformed frame: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// OutboundMessage is a message waiting for the next successful connection.
type OutboundMessage struct {
	Type      string
	Payload   any
	CreatedAt time.Time

	frame []byte
}

// Config configures a Manager.
type Config struct {
	HeartbeatInterval    time.Duration // Period of "ping" frames while connected
	PongTimeout          time.Duration // Force a reconnect if a ping goes unanswered this long (0 = never)
	ReconnectBaseDelay   time.Duration // Delay before the first automatic reconnect
	ReconnectMaxDelay    time.Duration // Upper bound for any reconnect delay
	MaxReconnectAttempts int           // Automatic attempts before giving up with StatusError
	DialTimeout          time.Duration // Bound on one dial

	MaxQueueSize          int           // Oldest messages are dropped beyond this (0 = unbounded)
	MaxQueueAge           time.Duration // Queued messages older than this are dropped at flush (0 = never)
	DropQueueOnDisconnect bool          // Clear the queue on a manual Disconnect
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		DialTimeout:          10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Status           Status
	QueueDepth       int
	ReconnectAttempt int
	LastPong         time.Time
}
