// Package registry tracks live automation sessions.
//
// # Registry
//
// The Registry is the only structure mutated by several actors at once (new
// connections arriving while the coordinator broadcasts an ask), so every
// access goes through its RWMutex:
//
//	reg := registry.New(b, policy, m, logger)
//
// Key operations:
//
//   - Register(conn): Apply the IP policy and store the connection
//   - Unregister(conn, d): Remove, emit automation.disconnect, close the socket
//   - FindByName(name): Peer ids sharing a display name
//   - Send/SendTo(ctx, peer, msg): Unicast delivery
//   - Broadcast(ctx, msg): Deliver to everyone registered at call time
//   - CloseAll(reason): Shutdown helper
//
// Unregister is idempotent. Sockets are closed outside the lock.
//
// # Policy
//
// ip_list entries are exact addresses or CIDR prefixes. In blacklist mode a
// listed peer is closed with 3078 "blacklisted ip"; in whitelist mode an
// unlisted peer is closed with 3078 "unknown ip". Refused connections are never
// stored.
//
// # Connection
//
// A Connection moves through connecting, open, closing, and closed. It holds
// a Socket owned by the gateway; the registry only writes to it and closes it.
package registry
