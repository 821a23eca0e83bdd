// ABOUTME: Translates inbound client frames into bus events and delivers bus events to clients
// ABOUTME: Stamps provenance context, applies the safe-mode whitelist, and reports send errors

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/flowlink/internal/bus"
	"github.com/2389/flowlink/internal/metrics"
	"github.com/2389/flowlink/internal/registry"
)

// ErrMalformed wraps frames that could not be decoded.
var ErrMalformed = errors.New("malformed frame")

// errBinary is reported when a send request asks for a binary payload.
var errBinary = errors.New("binary payloads are not supported")

// Deliverer is the subset of the registry the router sends through.
type Deliverer interface {
	Send(ctx context.Context, peer string, msg bus.Message) error
	FindByName(name string) []string
	Broadcast(ctx context.Context, msg bus.Message) int
}

// Config holds the safe-mode settings.
type Config struct {
	SafeMode  bool
	Whitelist []string
}

// Router is stateless apart from its whitelist and its bus subscriptions.
type Router struct {
	bus       bus.Bus
	clients   Deliverer
	safeMode  bool
	whitelist map[string]bool
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	unsub []func()
}

// New creates a Router. m may be nil.
func New(b bus.Bus, clients Deliverer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, t := range cfg.Whitelist {
		wl[t] = true
	}
	return &Router{
		bus:       b,
		clients:   clients,
		safeMode:  cfg.SafeMode,
		whitelist: wl,
		metrics:   m,
		logger:    logger.With("component", "router"),
		ctx:       context.Background(),
	}
}

// Translate applies the inbound table to msg from the client peer named name.
// It returns false when safe mode drops the frame. msg is not modified.
func (r *Router) Translate(peer, name string, msg bus.Message) (bus.Message, Kind, bool) {
	out := msg.Clone()
	out.Context[bus.CtxSource] = peer
	out.Context[bus.CtxPlatform] = bus.Platform
	out.Context[bus.CtxIdent] = name + ":" + peer

	kind := ParseKind(msg.Type)
	rl, known := rules[kind]
	if !known {
		if r.safeMode && !r.whitelist[msg.Type] {
			return bus.Message{}, kind, false
		}
		return out, kind, true
	}

	if rl.busType != "" {
		out.Type = rl.busType
	}
	if rl.rewrite != nil {
		rl.rewrite(out.Context, peer)
	}
	return out, kind, true
}

// Inbound decodes one text frame from conn and emits the translated event.
// Returns an error wrapping ErrMalformed for undecodable frames; frames
// dropped by safe mode are not errors.
func (r *Router) Inbound(conn *registry.Connection, raw []byte) error {
	msg, err := bus.Decode(raw)
	if err != nil {
		r.metrics.FrameDropped(metrics.DropMalformed)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out, kind, ok := r.Translate(conn.Peer, conn.Name, msg)
	r.metrics.FrameReceived(kind.String())
	if !ok {
		r.metrics.FrameDropped(metrics.DropSafeMode)
		r.logger.Warn("safe mode dropped message", "peer", conn.Peer, "type", msg.Type)
		return nil
	}

	r.logger.Debug("inbound", "peer", conn.Peer, "wire_type", msg.Type, "bus_type", out.Type)
	if err := r.bus.Emit(out); err != nil {
		return fmt.Errorf("emitting %s: %w", out.Type, err)
	}
	return nil
}

// Start subscribes the outbound handlers. ctx bounds deliveries made by them.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	r.unsub = append(r.unsub,
		r.bus.On(bus.TypeSend, r.handleSend),
		r.bus.On(bus.TypeSpeak, r.handleSpeak),
	)
}

// Stop removes the outbound handlers.
func (r *Router) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

func (r *Router) deliveryContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// handleSend delivers an automation.send request to one peer, every peer
// sharing a name, or everyone.
func (r *Router) handleSend(req bus.Message) {
	peer := req.DataString("peer")
	name := req.DataString("name")

	if req.DataBool("is_binary") {
		r.sendError(req, peer, errBinary)
		return
	}
	payload, err := payloadMessage(req.Data["payload"])
	if err != nil {
		r.sendError(req, peer, err)
		return
	}

	ctx := r.deliveryContext()
	switch {
	case peer != "":
		if err := r.clients.Send(ctx, peer, payload); err != nil {
			r.sendError(req, peer, err)
		}
	case name != "":
		peers := r.clients.FindByName(name)
		if len(peers) == 0 {
			r.sendError(req, "", registry.ErrUnknownPeer)
			return
		}
		for _, p := range peers {
			if err := r.clients.Send(ctx, p, payload); err != nil {
				r.sendError(req, p, err)
			}
		}
	default:
		n := r.clients.Broadcast(ctx, payload)
		r.logger.Debug("broadcast send request", "type", payload.Type, "delivered", n)
	}
}

// handleSpeak forwards the assistant's spoken reply to the client whose query
// produced it. A destinatary that has since disconnected is ignored.
func (r *Router) handleSpeak(msg bus.Message) {
	if msg.ContextString(bus.CtxClientName) != bus.Platform {
		return
	}
	dest := msg.ContextString(bus.CtxDestinatary)
	if dest == "" || dest == bus.FallbackWaiter {
		return
	}
	if err := r.clients.Send(r.deliveryContext(), dest, msg); err != nil {
		r.logger.Debug("reply not delivered", "peer", dest, "error", err)
	}
}

func (r *Router) sendError(req bus.Message, peer string, err error) {
	data := map[string]any{
		"error":   err.Error(),
		"peer":    peer,
		"payload": req.Data["payload"],
	}
	if name := req.DataString("name"); name != "" {
		data["name"] = name
	}
	r.logger.Warn("send request failed", "peer", peer, "error", err)
	if emitErr := r.bus.Emit(req.Reply(bus.TypeSendError, data)); emitErr != nil {
		r.logger.Debug("send error not delivered", "error", emitErr)
	}
}

// payloadMessage converts the payload field of a send request into an envelope.
func payloadMessage(v any) (bus.Message, error) {
	switch p := v.(type) {
	case bus.Message:
		if p.Type == "" {
			return bus.Message{}, bus.ErrEmptyType
		}
		return p, nil
	case map[string]any:
		msgType, _ := p["type"].(string)
		if msgType == "" {
			return bus.Message{}, bus.ErrEmptyType
		}
		data, _ := p["data"].(map[string]any)
		ctx, _ := p["context"].(map[string]any)
		return bus.New(msgType, data, ctx), nil
	default:
		return bus.Message{}, errors.New("send request has no payload")
	}
}
