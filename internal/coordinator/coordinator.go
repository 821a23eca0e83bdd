// ABOUTME: Ask-and-wait coordinator that offers utterances to connected clients and waits for a verdict
// ABOUTME: Serializes cycles, walks named targets in order, and emits exactly one timeout per expired wait

package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/flowlink/internal/bus"
	"github.com/2389/flowlink/internal/dedupe"
	"github.com/2389/flowlink/internal/metrics"
)

// ErrClosed is returned by Ask after Close.
var ErrClosed = errors.New("coordinator closed")

// requestWindow is how long a bus request id is remembered.
const requestWindow = 5 * time.Minute

// Target timeout policies.
const (
	PolicyContinue = "continue"
	PolicyAbort    = "abort"
)

// Handler roles a client may declare with automation.handler.register.
const (
	RoleFallback = "fallback"
	RoleAnswer   = "answer"
)

// Clients is the subset of the registry the coordinator delivers asks through.
type Clients interface {
	Send(ctx context.Context, peer string, msg bus.Message) error
	FindByName(name string) []string
	Broadcast(ctx context.Context, msg bus.Message) int
}

// Config holds coordinator settings.
type Config struct {
	Name                string // handler name announced in fallback.register
	Timeout             time.Duration
	Priority            int
	Targets             []string
	TargetTimeoutPolicy string
	KeepaliveInterval   time.Duration
}

// Coordinator runs ask-and-wait cycles over the bus.
type Coordinator struct {
	bus     bus.Bus
	clients Clients
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	// askMu serializes cycles; at most one is in flight.
	askMu sync.Mutex

	mu         sync.Mutex
	current    *cycle
	pending    PendingRequest
	registered []string
	converse   converseState
	closed     bool
	unsub      []func()

	// requests holds ids of bus requests already started.
	requests *dedupe.Window

	closing chan struct{}
	workers sync.WaitGroup
}

// New creates a Coordinator. m may be nil.
func New(b bus.Bus, clients Clients, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TargetTimeoutPolicy == "" {
		cfg.TargetTimeoutPolicy = PolicyContinue
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "flowlink"
	}
	return &Coordinator{
		bus:      b,
		clients:  clients,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "coordinator"),
		requests: dedupe.New(requestWindow, 1024),
		closing:  make(chan struct{}),
	}
}

// Start subscribes to the bus and announces the fallback handler.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.unsub = append(c.unsub,
		c.bus.On(bus.TypeSpeak, c.onSpeak),
		c.bus.On(bus.TypeIntentFailure, c.onIntentFailure),
		c.bus.On(bus.TypeHandlerRegister, c.onHandlerRegister),
		c.bus.On(bus.TypeHandlerUnregister, c.onHandlerUnregister),
		c.bus.On(bus.TypeFallbackRequest, c.onFallbackRequest),
		c.bus.On(bus.TypeConverseRequest, c.onConverseRequest),
		c.bus.On(bus.TypeConverseActivate, func(bus.Message) { c.EnableConverse() }),
		c.bus.On(bus.TypeConverseDeactivate, func(bus.Message) { c.DisableConverse() }),
		c.bus.On(bus.TypePing, c.onPing),
	)
	c.mu.Unlock()

	return c.bus.Emit(bus.New(bus.TypeFallbackRegister, map[string]any{
		"priority": c.cfg.Priority,
		"handler":  c.cfg.Name,
	}, nil))
}

// Close stops converse mode, cancels waits in progress, and waits for
// in-flight bus-driven asks to finish. Later asks return ErrClosed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	c.DisableConverse()
	c.workers.Wait()
	c.logger.Info("coordinator closed")
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns a snapshot of the most recent cycle.
func (c *Coordinator) Pending() PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Targets returns the named targets in the order they are tried.
func (c *Coordinator) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{c.cfg.Targets, c.registered} {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// Ask offers data to connected clients as an ask of the given kind
// (bus.TypeAsk or bus.TypeConverse) and reports whether one handled it.
// Named targets are tried one at a time until the first success; when none
// has a live connection the ask is broadcast once. A timeout is a failed
// cycle, not an error.
func (c *Coordinator) Ask(ctx context.Context, kind string, data, msgCtx map[string]any) (bool, error) {
	c.askMu.Lock()
	defer c.askMu.Unlock()

	if c.isClosed() {
		return false, ErrClosed
	}

	start := time.Now()
	outcome := c.runTargets(ctx, kind, data, msgCtx)
	c.metrics.Ask(kind, outcome.String(), time.Since(start))

	if outcome == OutcomeCanceled {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return false, ErrClosed
	}
	return outcome == OutcomeSuccess, nil
}

func (c *Coordinator) runTargets(ctx context.Context, kind string, data, msgCtx map[string]any) Outcome {
	attempted := false
	last := OutcomeFailure

	for _, name := range c.Targets() {
		peers := c.clients.FindByName(name)
		if len(peers) == 0 {
			c.logger.Debug("skipping target with no live connection", "target", name)
			continue
		}
		attempted = true

		last = c.attempt(ctx, kind, name, data, msgCtx, func(ctx context.Context, msg bus.Message) {
			for _, peer := range peers {
				if err := c.clients.Send(ctx, peer, msg); err != nil {
					c.logger.Debug("ask not delivered", "peer", peer, "error", err)
				}
			}
		})

		switch last {
		case OutcomeSuccess, OutcomeCanceled:
			return last
		case OutcomeTimeout:
			if c.cfg.TargetTimeoutPolicy == PolicyAbort {
				return last
			}
		}
	}

	if attempted {
		return last
	}

	return c.attempt(ctx, kind, "", data, msgCtx, func(ctx context.Context, msg bus.Message) {
		n := c.clients.Broadcast(ctx, msg)
		c.logger.Debug("ask broadcast", "kind", kind, "delivered", n)
	})
}

// attempt runs a single wait: install the cycle, deliver, and block until it
// resolves, times out, or is canceled. Delivery runs alongside the wait and
// is bounded by the same deadline.
func (c *Coordinator) attempt(ctx context.Context, kind, target string, data, msgCtx map[string]any, deliver func(context.Context, bus.Message)) Outcome {
	id := uuid.New().String()
	deadline := time.Now().Add(c.cfg.Timeout)
	cyc := newCycle(id, kind, target, deadline)

	c.mu.Lock()
	c.current = cyc
	c.pending = PendingRequest{
		RequestID: id,
		Kind:      kind,
		Target:    target,
		Awaiting:  true,
		Outcome:   OutcomePending,
		Deadline:  deadline,
	}
	c.mu.Unlock()

	req := bus.New(kind, copyMap(data), copyMap(msgCtx))
	req.Context[bus.CtxRequestID] = id

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	c.spawn(func() { deliver(dctx, req) })

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var outcome Outcome
	select {
	case outcome = <-cyc.result:
	case <-timer.C:
		outcome = OutcomeTimeout
	case <-ctx.Done():
		outcome = OutcomeCanceled
	case <-c.closing:
		outcome = OutcomeCanceled
	}

	c.mu.Lock()
	if c.current == cyc {
		c.current = nil
	}
	c.pending.Awaiting = false
	c.pending.Outcome = outcome
	c.mu.Unlock()

	if outcome == OutcomeTimeout {
		c.emitTimeout(cyc, data, msgCtx)
	}
	c.logger.Debug("ask cycle finished", "request_id", id, "kind", kind, "target", target, "outcome", outcome)
	return outcome
}

func (c *Coordinator) emitTimeout(cyc *cycle, data, msgCtx map[string]any) {
	c.logger.Info("ask timed out", "request_id", cyc.id, "kind", cyc.kind, "target", cyc.target)
	msg := bus.New(bus.TypeAskTimeout, map[string]any{
		"kind":       cyc.kind,
		"request_id": cyc.id,
		"target":     cyc.target,
		"data":       copyMap(data),
	}, copyMap(msgCtx))
	if err := c.bus.Emit(msg); err != nil {
		c.logger.Debug("timeout notification not delivered", "error", err)
	}
}

// resolve settles the in-flight cycle. A non-empty requestID must match it.
func (c *Coordinator) resolve(requestID string, o Outcome) {
	c.mu.Lock()
	cyc := c.current
	c.mu.Unlock()

	if cyc == nil {
		return
	}
	if requestID != "" && requestID != cyc.id {
		c.logger.Debug("ignoring response for another cycle", "request_id", requestID, "current", cyc.id)
		return
	}
	if !cyc.resolve(o) {
		c.logger.Debug("cycle already resolved", "request_id", cyc.id, "ignored", o)
	}
}

// onSpeak treats an answer routed to the fallback waiter as success.
func (c *Coordinator) onSpeak(msg bus.Message) {
	if msg.ContextString(bus.CtxDestinatary) != bus.FallbackWaiter {
		return
	}
	c.resolve(requestID(msg), OutcomeSuccess)
}

// onIntentFailure treats a client's intent_failure as failure. Failures
// raised by the assistant itself carry no platform stamp and are ignored.
func (c *Coordinator) onIntentFailure(msg bus.Message) {
	if msg.ContextString(bus.CtxPlatform) != bus.Platform {
		return
	}
	c.resolve(requestID(msg), OutcomeFailure)
}

func (c *Coordinator) onHandlerRegister(msg bus.Message) {
	role := msg.DataString("role")
	if role != RoleFallback && role != RoleAnswer {
		c.logger.Debug("ignoring handler registration", "role", role)
		return
	}
	name := handlerName(msg)
	if name == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.registered {
		if n == name {
			return
		}
	}
	c.registered = append(c.registered, name)
	c.logger.Info("registered ask target", "name", name, "role", role)
}

func (c *Coordinator) onHandlerUnregister(msg bus.Message) {
	name := handlerName(msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.registered {
		if n == name {
			c.registered = append(c.registered[:i:i], c.registered[i+1:]...)
			c.logger.Info("unregistered ask target", "name", name)
			return
		}
	}
}

// onFallbackRequest runs a fallback ask off the bus goroutine and answers
// with fallback.response.
func (c *Coordinator) onFallbackRequest(msg bus.Message) {
	if c.duplicate(msg) {
		return
	}
	c.spawn(func() {
		handled, err := c.Ask(context.Background(), bus.TypeAsk, msg.Data, msg.Context)
		c.respond(msg, bus.TypeFallbackResponse, handled, err)
	})
}

// onConverseRequest offers the utterance to clients while converse mode is
// enabled; otherwise it answers unhandled at once.
func (c *Coordinator) onConverseRequest(msg bus.Message) {
	if c.duplicate(msg) {
		return
	}
	if !c.touchConverse() {
		c.respond(msg, bus.TypeConverseResponse, false, nil)
		return
	}
	c.spawn(func() {
		handled, err := c.Ask(context.Background(), bus.TypeConverse, msg.Data, msg.Context)
		c.respond(msg, bus.TypeConverseResponse, handled, err)
	})
}

// onPing broadcasts a greeting ask without waiting for answers.
func (c *Coordinator) onPing(bus.Message) {
	n := c.clients.Broadcast(context.Background(), bus.New(bus.TypeAsk, map[string]any{"utterance": "hello"}, nil))
	c.logger.Info("pinged clients", "delivered", n)
}

// duplicate reports whether a request with the same id was already taken.
// Requests without an id are never duplicates.
func (c *Coordinator) duplicate(msg bus.Message) bool {
	id := requestID(msg)
	if id == "" || !c.requests.Seen(id) {
		return false
	}
	c.logger.Debug("ignoring repeated request", "type", msg.Type, "request_id", id)
	return true
}

func (c *Coordinator) spawn(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		fn()
	}()
}

func (c *Coordinator) respond(req bus.Message, respType string, handled bool, err error) {
	data := map[string]any{
		"handled":    handled,
		"request_id": requestID(req),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	if emitErr := c.bus.Emit(req.Reply(respType, data)); emitErr != nil {
		c.logger.Debug("response not delivered", "type", respType, "error", emitErr)
	}
}

func requestID(msg bus.Message) string {
	if id := msg.ContextString(bus.CtxRequestID); id != "" {
		return id
	}
	return msg.DataString("request_id")
}

func handlerName(msg bus.Message) string {
	if name := msg.SenderName(); name != "" {
		return name
	}
	return msg.DataString("name")
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
