// Package dedupe tracks recently seen keys so a message delivered twice is
// acted on once.
//
// The coordinator records the request id of every fallback.request and
// converse.request it starts a cycle for. A bus that redelivers a request,
// such as NATS after a reconnect, then produces one ask instead of two.
package dedupe
