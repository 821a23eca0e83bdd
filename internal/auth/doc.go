// Package auth authenticates automation clients during the websocket handshake.
//
// # Presenting a Credential
//
// ExtractCredential reads, in order of precedence:
//
//   - Authorization: Basic base64(name:key)
//   - Authorization: Bearer <jwt>
//   - api: <key>
//   - secret: <key>
//
// Anything missing or unparseable yields an empty credential that never
// validates.
//
// # Validation
//
// Authenticator accepts, in order:
//
//   - Bearer tokens: HS256 JWTs signed with auth.shared_secret; "sub" is the
//     client name. Issue them with `flowlink token --name NAME`.
//   - The shared secret itself, compared in constant time. The client keeps
//     the name it presented, or "shared" when it sent a bare key.
//   - Stored credentials, through the CredentialValidator interface. A named
//     credential is checked by name; a bare key is matched against all.
//
// Every decision is written to the audit log when one is configured.
//
// # Context
//
// The gateway attaches the accepted Identity to each session's context, and
// the read loop recovers it for its log fields:
//
//	ctx = auth.WithIdentity(ctx, id)
//	id := auth.FromContext(ctx)
package auth
