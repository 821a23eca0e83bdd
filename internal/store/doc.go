// Package store persists automation-client credentials using SQLite.
//
// # Data Model
//
//   - Credential: one client identity (name, bcrypt key hash, contact,
//     description, created_at, last_seen)
//   - AuditEntry: handshake outcomes and credential administration
//
// # Key Handling
//
// Keys are hashed with bcrypt on create and rotate. Validate compares a
// presented key against the named credential, or against every credential
// when the handshake carried a bare key without a name. Unknown names and
// wrong keys both return ErrInvalidCredential so callers cannot probe for
// existing names.
//
// # Storage
//
// SQLiteStore uses the pure-Go modernc.org/sqlite driver in WAL mode. The
// schema is created on open and older databases are migrated in place.
// Timestamps are stored as RFC3339 text.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/flowlink/credentials.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.CreateCredential(ctx, &store.Credential{Name: "red"}, "s3cret")
//	cred, err := s.Validate(ctx, "red", "s3cret")
package store
