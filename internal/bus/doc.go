// Package bus defines the event envelope and the event bus that connects
// flowlink to the host assistant.
//
// # Envelope
//
// Every frame on the websocket and every event on the bus is the same JSON
// object:
//
//	{"type": "query", "data": {"utterance": "time"}, "context": {}}
//
// Context carries provenance and addressing. The router stamps source,
// platform, and ident on inbound frames; destinatary and client_name route
// replies; request_id correlates an answer with the ask that produced it.
//
// # Implementations
//
// MemoryBus dispatches synchronously inside the process. NATSBus publishes to a
// single NATS subject so a host assistant in another process can observe and
// emit the same events; received messages are dispatched locally through an
// embedded MemoryBus.
//
// Handlers run on the emitting goroutine (MemoryBus) or the subscription
// goroutine (NATSBus) and must not block.
package bus
