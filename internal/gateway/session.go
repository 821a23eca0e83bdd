// ABOUTME: Websocket handshake and per-connection read loop for automation clients
// ABOUTME: Authenticates, registers the connection, feeds frames to the router, and reports disconnects

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/flowlink/internal/auth"
	"github.com/2389/flowlink/internal/bus"
	"github.com/2389/flowlink/internal/metrics"
	"github.com/2389/flowlink/internal/registry"
	"github.com/2389/flowlink/internal/router"
)

// Close codes used on the websocket.
const (
	CloseInvalidKey = 4000
	CloseAbnormal   = 1006
)

const (
	reasonInvalidKey    = "Invalid API key."
	reasonTooMalformed  = "too many malformed frames"
	reasonClosedByPeer  = "connection closed"
	reasonLostByNetwork = "connection lost"
	reasonShutdown      = "server shutdown"
)

// wsSocket adapts a websocket connection to registry.Socket.
type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	switch code {
	case 1005, 1006, 1015:
		// Reserved codes may not be sent in a close frame.
		return s.conn.CloseNow()
	}
	return s.conn.Close(websocket.StatusCode(code), reason)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleWebSocket authenticates the handshake and runs the session until the
// socket closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	if !g.beginSession() {
		http.Error(w, reasonShutdown, http.StatusServiceUnavailable)
		return
	}
	defer g.sessions.Done()

	peer := r.RemoteAddr
	cred := auth.ExtractCredential(r.Header)

	id, err := g.auth.Authenticate(r.Context(), peer, cred)
	if err != nil {
		g.rejectHandshake(w, r, peer, cred, err)
		return
	}

	w.Header().Set("source", ServerName)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "peer", peer, "error", err)
		return
	}
	if limit := g.config.Router.ReadLimit; limit > 0 {
		conn.SetReadLimit(limit)
	}

	c := registry.NewConnection(peer, id.Name, r.Header.Get("platform"), &wsSocket{conn: conn})
	admitted, err := g.admit(c)
	if !admitted {
		_ = conn.Close(registry.DefaultCloseCode, reasonShutdown)
		return
	}
	if err != nil {
		// The registry has already closed the socket and reported it.
		return
	}
	g.metrics.Handshake(metrics.HandshakeAccepted)

	ctx := auth.WithIdentity(g.sessionCtx, id)
	g.auth.MarkSeen(ctx, id)

	if err := g.bus.Emit(bus.New(bus.TypeConnect, map[string]any{
		"peer":     c.Peer,
		"name":     c.Name,
		"platform": c.Platform,
	}, nil)); err != nil {
		g.logger.Warn("failed to emit connect", "peer", peer, "error", err)
	}

	g.registry.Unregister(c, g.readLoop(ctx, c, conn))
}

// beginSession counts a handshake as an in-flight session. It reports false
// once shutdown has begun.
func (g *Gateway) beginSession() bool {
	g.admitMu.Lock()
	defer g.admitMu.Unlock()
	if g.closing {
		return false
	}
	g.sessions.Add(1)
	return true
}

// admit registers c unless shutdown began after the handshake started.
// Shutdown flips closing under the same lock before closing every
// connection, so a connection is either registered in time to be closed
// or never registered at all.
func (g *Gateway) admit(c *registry.Connection) (bool, error) {
	g.admitMu.Lock()
	defer g.admitMu.Unlock()
	if g.closing {
		return false, nil
	}
	return true, g.registry.Register(c)
}

// rejectHandshake reports the failed credential and closes the socket with
// CloseInvalidKey. The connection never reaches the registry.
func (g *Gateway) rejectHandshake(w http.ResponseWriter, r *http.Request, peer string, cred auth.Credential, authErr error) {
	g.metrics.Handshake(metrics.HandshakeDenied)
	g.logger.Warn("handshake rejected", "peer", peer, "scheme", cred.Scheme, "error", authErr)

	if err := g.bus.Emit(bus.New(bus.TypeConnectionError, map[string]any{
		"error":   authErr.Error(),
		"peer":    peer,
		"api_key": presentedKey(cred),
	}, nil)); err != nil {
		g.logger.Warn("failed to emit connection error", "peer", peer, "error", err)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		return
	}
	_ = conn.Close(CloseInvalidKey, reasonInvalidKey)
}

// presentedKey returns what the client offered as its key, for diagnostics.
func presentedKey(c auth.Credential) string {
	if c.Scheme == auth.SchemeBearer {
		return c.Token
	}
	return c.Key
}

// readLoop feeds frames to the router until the socket fails or the client
// exceeds the malformed frame limit. ctx carries the session's Identity.
// Returns how the session ended.
func (g *Gateway) readLoop(ctx context.Context, c *registry.Connection, conn *websocket.Conn) registry.Disconnect {
	maxMalformed := g.config.Router.MaxMalformedFrames
	strikes := 0

	logger := g.logger.With("peer", c.Peer)
	if id := auth.FromContext(ctx); id != nil {
		logger = logger.With("name", id.Name, "scheme", id.Scheme, "shared", id.Shared)
	}
	logger.Debug("session started")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return disconnectFor(err)
		}

		if typ != websocket.MessageText {
			g.metrics.FrameDropped(metrics.DropBinary)
			logger.Warn("dropping binary frame", "bytes", len(data))
			continue
		}

		err = g.router.Inbound(c, data)
		switch {
		case err == nil:
			strikes = 0
		case errors.Is(err, router.ErrMalformed):
			strikes++
			logger.Warn("malformed frame", "strikes", strikes, "error", err)
			if maxMalformed > 0 && strikes >= maxMalformed {
				return registry.Disconnect{Code: registry.DefaultCloseCode, Reason: reasonTooMalformed, Clean: true}
			}
		default:
			logger.Warn("inbound frame not delivered", "error", err)
		}
	}
}

// disconnectFor maps a read error to the disconnect it represents.
func disconnectFor(err error) registry.Disconnect {
	if code := websocket.CloseStatus(err); code != -1 {
		return registry.Disconnect{Code: int(code), Reason: reasonClosedByPeer, Clean: true}
	}
	return registry.Disconnect{Code: CloseAbnormal, Reason: fmt.Sprintf("%s: %v", reasonLostByNetwork, err), Clean: false}
}
