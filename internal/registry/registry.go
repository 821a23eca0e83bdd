// ABOUTME: In-memory table of live automation sessions with IP admission and addressed delivery
// ABOUTME: Emits disconnect notifications and owns close semantics for every registered socket

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/flowlink/internal/bus"
	"github.com/2389/flowlink/internal/metrics"
)

// DefaultCloseCode is the application close code for administrative disconnects.
const DefaultCloseCode = 3078

// ErrUnknownPeer is returned when sending to a peer that is not registered.
var ErrUnknownPeer = errors.New("not connected")

// Disconnect describes why a connection is being removed.
type Disconnect struct {
	Code   int
	Reason string
	Clean  bool
}

// Registry is the single source of truth for who is connected.
type Registry struct {
	conns  map[string]*Connection
	byName map[string]map[string]*Connection
	mu     sync.RWMutex

	policy  *Policy
	bus     bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an empty Registry. policy and m may be nil.
func New(b bus.Bus, policy *Policy, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:   make(map[string]*Connection),
		byName:  make(map[string]map[string]*Connection),
		policy:  policy,
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "registry"),
	}
}

// Register admits c after the IP policy check. A refused connection is closed
// with DefaultCloseCode, a disconnect is emitted, and it is never stored.
// Registering a peer id that is already present replaces the old entry.
func (r *Registry) Register(c *Connection) error {
	if err := r.policy.Check(c.Peer); err != nil {
		r.logger.Warn("connection refused by ip policy", "peer", c.Peer, "name", c.Name, "reason", err)
		r.metrics.PolicyRejected(err.Error())
		r.finish(c, Disconnect{Code: DefaultCloseCode, Reason: err.Error(), Clean: true})
		return err
	}

	r.mu.Lock()
	old := r.conns[c.Peer]
	if old != nil {
		r.removeLocked(old)
	}
	r.conns[c.Peer] = c
	if r.byName[c.Name] == nil {
		r.byName[c.Name] = make(map[string]*Connection)
	}
	r.byName[c.Name][c.Peer] = c
	c.SetState(StateOpen)
	total := len(r.conns)
	r.mu.Unlock()

	if old != nil {
		r.finish(old, Disconnect{Code: DefaultCloseCode, Reason: "replaced", Clean: true})
	}
	r.metrics.ConnectionOpened()

	r.logger.Info("=== CLIENT CONNECTED ===",
		"peer", c.Peer,
		"name", c.Name,
		"platform", c.Platform,
		"total_clients", total,
	)
	return nil
}

// Unregister removes c, emits a disconnect notification, and closes its socket.
// It is a no-op when c is not the registered entry for its peer id, so calling
// it twice never produces a second notification.
func (r *Registry) Unregister(c *Connection, d Disconnect) bool {
	r.mu.Lock()
	if cur, ok := r.conns[c.Peer]; !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(c)
	total := len(r.conns)
	r.mu.Unlock()

	r.finish(c, d)

	r.logger.Info("=== CLIENT DISCONNECTED ===",
		"peer", c.Peer,
		"name", c.Name,
		"reason", d.Reason,
		"clean", d.Clean,
		"total_clients", total,
	)
	return true
}

func (r *Registry) removeLocked(c *Connection) {
	delete(r.conns, c.Peer)
	if peers := r.byName[c.Name]; peers != nil {
		delete(peers, c.Peer)
		if len(peers) == 0 {
			delete(r.byName, c.Name)
		}
	}
}

// finish notifies and closes a connection that is no longer stored.
func (r *Registry) finish(c *Connection, d Disconnect) {
	if d.Code == 0 {
		d.Code = DefaultCloseCode
	}
	wasOpen := c.State() == StateOpen
	c.SetState(StateClosing)

	msg := bus.New(bus.TypeDisconnect, map[string]any{
		"peer":   c.Peer,
		"name":   c.Name,
		"reason": d.Reason,
		"code":   d.Code,
		"clean":  d.Clean,
	}, nil)
	if err := r.bus.Emit(msg); err != nil {
		r.logger.Debug("disconnect notification not delivered", "peer", c.Peer, "error", err)
	}

	if err := c.socket.Close(d.Code, d.Reason); err != nil {
		r.logger.Debug("closing socket", "peer", c.Peer, "error", err)
	}
	c.SetState(StateClosed)

	if wasOpen {
		r.metrics.ConnectionClosed()
	}
}

// Get returns the connection registered under peer.
func (r *Registry) Get(peer string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[peer]
	return c, ok
}

// FindByName returns the peer ids of every connection using name, sorted.
func (r *Registry) FindByName(name string) []string {
	r.mu.RLock()
	peers := make([]string, 0, len(r.byName[name]))
	for peer := range r.byName[name] {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	sort.Strings(peers)
	return peers
}

// Send delivers msg to exactly one connection.
// Returns ErrUnknownPeer if peer is not registered.
func (r *Registry) Send(ctx context.Context, peer string, msg bus.Message) error {
	c, ok := r.Get(peer)
	if !ok {
		r.metrics.Delivery(metrics.DeliveryUnknownPeer)
		return ErrUnknownPeer
	}
	if err := c.SendMessage(ctx, msg); err != nil {
		r.metrics.Delivery(metrics.DeliveryError)
		r.logger.Warn("send failed", "peer", peer, "type", msg.Type, "error", err)
		return err
	}
	r.metrics.Delivery(metrics.DeliveryOK)
	return nil
}

// SendTo is Send reduced to whether the frame was written.
func (r *Registry) SendTo(ctx context.Context, peer string, msg bus.Message) bool {
	return r.Send(ctx, peer, msg) == nil
}

// Broadcast delivers msg to every connection registered at the moment of the
// call and returns how many writes succeeded. One failing socket does not stop
// delivery to the rest.
func (r *Registry) Broadcast(ctx context.Context, msg bus.Message) int {
	data, err := msg.Encode()
	if err != nil {
		r.logger.Error("encoding broadcast", "type", msg.Type, "error", err)
		return 0
	}

	targets := r.snapshot()
	delivered := 0
	for _, c := range targets {
		if err := c.Send(ctx, data); err != nil {
			r.metrics.Delivery(metrics.DeliveryError)
			r.logger.Warn("broadcast send failed", "peer", c.Peer, "error", err)
			continue
		}
		r.metrics.Delivery(metrics.DeliveryOK)
		delivered++
	}

	r.logger.Debug("broadcast", "type", msg.Type, "targets", len(targets), "delivered", delivered)
	return delivered
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// List returns the live connections ordered by peer id.
func (r *Registry) List() []*Connection {
	conns := r.snapshot()
	sort.Slice(conns, func(i, j int) bool { return conns[i].Peer < conns[j].Peer })
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll unregisters every connection with DefaultCloseCode and reason.
func (r *Registry) CloseAll(reason string) {
	for _, c := range r.snapshot() {
		r.Unregister(c, Disconnect{Code: DefaultCloseCode, Reason: reason, Clean: true})
	}
}
