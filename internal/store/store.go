// ABOUTME: Store interface and data types for flowlink credential persistence
// ABOUTME: Defines the Credential struct, sentinel errors, and the CredentialStore interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCredential is returned when creating a credential whose name is taken
var ErrDuplicateCredential = errors.New("credential already exists")

// ErrInvalidCredential is returned when a presented key matches no stored credential
var ErrInvalidCredential = errors.New("invalid credential")

// Credential identifies one automation client allowed to connect.
// The shared key itself is never stored, only its bcrypt hash.
type Credential struct {
	Name        string
	KeyHash     string
	Contact     string
	Description string
	CreatedAt   time.Time
	LastSeen    *time.Time
}

// CredentialStore is the persistence surface for client credentials.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *Credential, key string) error
	GetCredential(ctx context.Context, name string) (*Credential, error)
	ListCredentials(ctx context.Context) ([]*Credential, error)
	DeleteCredential(ctx context.Context, name string) error

	// Validate returns the credential whose key matches. An empty name
	// checks the key against every stored credential.
	Validate(ctx context.Context, name, key string) (*Credential, error)
	Rotate(ctx context.Context, name, newKey string) error
	Touch(ctx context.Context, name string, at time.Time) error

	Close() error
}
