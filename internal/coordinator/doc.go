// Package coordinator implements the ask-and-wait protocol.
//
// The assistant expects its fallback and converse handlers to answer
// "handled or not" synchronously, while the real answer arrives later from a
// remote client. Ask bridges the two:
//
//	handled, err := coord.Ask(ctx, bus.TypeAsk, data, msgCtx)
//
// # Cycles
//
// Each wait is a cycle with its own uuid, carried to clients in
// context.request_id, and a one-slot result channel. The first of
// {success, failure} to arrive wins; the timer supplies timeout. Cycles are
// serialized per Coordinator.
//
//   - success: speak with destinatary fallback-waiter (a client's answer)
//   - failure: intent_failure stamped with the external-automation platform
//   - timeout: one automation.timeout event per expired wait
//
// Responses that carry a request_id only settle the matching cycle.
//
// # Targets
//
// Named targets come from coordinator.targets followed by clients that sent
// automation.handler.register with role fallback or answer. They are asked
// one at a time until one succeeds. A target with no live connection is
// skipped. With target_timeout_policy "abort" a timeout ends the cycle;
// "continue" moves on. If no target is reachable the ask is broadcast once.
//
// # Bus adapters
//
// fallback.request and converse.request run Ask on their own goroutine and
// answer with fallback.response or converse.response. automation.ping
// broadcasts a "hello" ask without waiting.
//
// # Converse mode
//
// converse.activate and converse.deactivate toggle converse mode. While it is
// enabled a keepalive goroutine emits converse.keepalive every
// keepalive_interval; disabling joins it.
package coordinator
