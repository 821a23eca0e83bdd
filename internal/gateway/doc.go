// Package gateway runs the flowlink websocket server.
//
// # Overview
//
// The gateway package is the composition root of flowlink. It owns the
// event bus, the credential store, the authenticator, the connection
// registry, the router, and the ask-and-wait coordinator, and it serves the
// websocket endpoint automation clients connect to.
//
// # Sessions
//
// Every upgrade request on server.path is authenticated before the socket is
// admitted:
//
//  1. The credential is taken from the Authorization header (Basic or Bearer)
//     or from the api/secret header.
//  2. A failed check emits automation.connection.error and closes the socket
//     with 4000 "Invalid API key.".
//  3. A passing check registers the connection (subject to the IP policy) and
//     emits automation.connect.
//  4. Text frames are decoded and handed to the router. Binary frames are
//     dropped. Too many malformed frames in a row close the session.
//  5. When the socket ends, the registry emits automation.disconnect.
//
// Plain HTTP requests on the websocket path receive 426 Upgrade Required.
//
// # HTTP Endpoints
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once at least one client is connected
//   - GET /metrics - Prometheus metrics, when metrics.enabled is set
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Canceling ctx stops the listener, closes every client with the default
// close code, stops the coordinator, and closes the bus and the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, listeners, Run/Shutdown
//   - session.go: handshake and per-connection read loop
package gateway
