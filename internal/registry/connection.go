// ABOUTME: A single live automation session and its lifecycle state
// ABOUTME: Wraps the transport socket behind a narrow interface owned by the gateway

package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/2389/flowlink/internal/bus"
)

// sendTimeout bounds a single write so one stalled client cannot hold up a broadcast.
const sendTimeout = 5 * time.Second

// DefaultPlatform is used when the handshake did not name a platform.
const DefaultPlatform = "unknown"

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Socket is the transport the gateway hands to the registry. The registry
// writes frames and closes it but never reads from it.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Connection is one live websocket session. A new socket always produces a
// new Connection, even for a client that reconnects with the same name.
type Connection struct {
	Peer        string // transport address, unique per live socket
	Name        string // display name from the credential
	Platform    string
	ConnectedAt time.Time

	socket Socket
	state  atomic.Int32
}

// NewConnection creates a Connection in the connecting state.
func NewConnection(peer, name, platform string, socket Socket) *Connection {
	if platform == "" {
		platform = DefaultPlatform
	}
	return &Connection{
		Peer:        peer,
		Name:        name,
		Platform:    platform,
		ConnectedAt: time.Now(),
		socket:      socket,
	}
}

// Ident is the composite name:peer address stamped on inbound messages.
func (c *Connection) Ident() string {
	return c.Name + ":" + c.Peer
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetState moves the connection to s.
func (c *Connection) SetState(s State) {
	c.state.Store(int32(s))
}

// Send writes one encoded frame to the socket.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	if c.State() != StateOpen {
		return fmt.Errorf("connection %s is %s", c.Peer, c.State())
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return c.socket.Send(ctx, data)
}

// SendMessage encodes msg and writes it.
func (c *Connection) SendMessage(ctx context.Context, msg bus.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}
