// ABOUTME: Handshake authenticator combining shared secret, bearer tokens, and stored credentials
// ABOUTME: Audits every decision and keeps credential storage behind a narrow interface

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/flowlink/internal/store"
)

// Handshake errors
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid api key")
)

// sharedName is the display name given to clients that present the shared
// secret without naming themselves.
const sharedName = "shared"

// CredentialValidator is the capability the gateway needs from credential storage.
type CredentialValidator interface {
	Validate(ctx context.Context, name, key string) (*store.Credential, error)
	Rotate(ctx context.Context, name, newKey string) error
	Touch(ctx context.Context, name string, at time.Time) error
}

// AuditLogger records authentication decisions.
type AuditLogger interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Authenticator decides whether a handshake credential is acceptable.
type Authenticator struct {
	creds  CredentialValidator
	audit  AuditLogger
	secret []byte
	tokens TokenVerifier
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator. creds may be nil when only the
// shared secret is used. Bearer tokens are accepted only when sharedSecret is set.
func NewAuthenticator(creds CredentialValidator, sharedSecret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		creds:  creds,
		secret: []byte(sharedSecret),
		logger: logger.With("component", "auth"),
	}
	if sharedSecret != "" {
		// Cannot fail with a non-empty secret
		a.tokens, _ = NewJWTVerifier(a.secret)
	}
	return a
}

// SetAuditLog enables auditing of handshake decisions.
func (a *Authenticator) SetAuditLog(audit AuditLogger) {
	a.audit = audit
}

// Authenticate validates c, presented by peer, and returns the client identity.
// Returns ErrMissingCredential or ErrInvalidCredential on rejection.
func (a *Authenticator) Authenticate(ctx context.Context, peer string, c Credential) (*Identity, error) {
	id, err := a.authenticate(ctx, c)
	if err != nil {
		a.logger.Info("handshake denied", "peer", peer, "scheme", c.Scheme, "error", err)
		a.record(ctx, &store.AuditEntry{
			Action: store.AuditAuthDenied,
			Name:   c.Name,
			Peer:   peer,
			Detail: map[string]any{"scheme": string(c.Scheme), "error": err.Error()},
		})
		return nil, err
	}

	a.logger.Debug("handshake accepted", "peer", peer, "name", id.Name, "scheme", id.Scheme)
	a.record(ctx, &store.AuditEntry{
		Action: store.AuditAuthAccepted,
		Name:   id.Name,
		Peer:   peer,
		Detail: map[string]any{"scheme": string(id.Scheme), "shared": id.Shared},
	})
	return id, nil
}

func (a *Authenticator) authenticate(ctx context.Context, c Credential) (*Identity, error) {
	switch c.Scheme {
	case SchemeNone:
		return nil, ErrMissingCredential
	case SchemeBearer:
		if a.tokens == nil {
			return nil, ErrInvalidCredential
		}
		name, err := a.tokens.Verify(c.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return &Identity{Name: name, Scheme: SchemeBearer}, nil
	}

	if c.Key == "" {
		return nil, ErrInvalidCredential
	}

	if len(a.secret) > 0 && subtle.ConstantTimeCompare([]byte(c.Key), a.secret) == 1 {
		name := c.Name
		if name == "" {
			name = sharedName
		}
		return &Identity{Name: name, Scheme: c.Scheme, Shared: true}, nil
	}

	if a.creds == nil {
		return nil, ErrInvalidCredential
	}
	cred, err := a.creds.Validate(ctx, c.Name, c.Key)
	if errors.Is(err, store.ErrInvalidCredential) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("validating credential: %w", err)
	}
	return &Identity{Name: cred.Name, Scheme: c.Scheme}, nil
}

// MarkSeen records the connection time of a stored credential.
// Shared-secret and token identities have no stored row and are skipped.
func (a *Authenticator) MarkSeen(ctx context.Context, id *Identity) {
	if a.creds == nil || id == nil || id.Shared || id.Scheme == SchemeBearer {
		return
	}
	if err := a.creds.Touch(ctx, id.Name, time.Now()); err != nil {
		a.logger.Warn("failed to update last_seen", "name", id.Name, "error", err)
	}
}

// RotateKey replaces the key of a stored credential and audits the change.
func (a *Authenticator) RotateKey(ctx context.Context, name, newKey string) error {
	if a.creds == nil {
		return errors.New("no credential store configured")
	}
	if err := a.creds.Rotate(ctx, name, newKey); err != nil {
		return err
	}
	a.record(ctx, &store.AuditEntry{Action: store.AuditRotateKey, Name: name})
	return nil
}

func (a *Authenticator) record(ctx context.Context, e *store.AuditEntry) {
	if a.audit == nil {
		return
	}
	if err := a.audit.AppendAuditLog(ctx, e); err != nil {
		a.logger.Warn("failed to append audit log", "action", e.Action, "error", err)
	}
}
