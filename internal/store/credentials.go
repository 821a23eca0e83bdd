// ABOUTME: Credential CRUD, key validation, rotation, and last-seen tracking
// ABOUTME: Keys are hashed with bcrypt; plaintext keys never reach the database

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// hashCost is the bcrypt cost for new key hashes. Tests lower it.
var hashCost = bcrypt.DefaultCost

func hashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), hashCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}
	return string(hash), nil
}

func keyMatches(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// CreateCredential stores a new credential with the given plaintext key.
// Returns ErrDuplicateCredential if the name is already registered.
func (s *SQLiteStore) CreateCredential(ctx context.Context, c *Credential, key string) error {
	if c.Name == "" {
		return errors.New("credential name is required")
	}
	if key == "" {
		return errors.New("credential key is required")
	}

	hash, err := hashKey(key)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.KeyHash = hash

	query := `
		INSERT INTO credentials (name, key_hash, contact, description, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.Name,
		c.KeyHash,
		c.Contact,
		c.Description,
		c.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCredential
		}
		return fmt.Errorf("inserting credential: %w", err)
	}

	s.logger.Debug("created credential", "name", c.Name)
	return nil
}

const credentialColumns = `name, key_hash, contact, description, created_at, last_seen`

func scanCredential(scanner interface{ Scan(dest ...any) error }) (*Credential, error) {
	var c Credential
	var createdAt string
	var lastSeen sql.NullString

	if err := scanner.Scan(&c.Name, &c.KeyHash, &c.Contact, &c.Description, &createdAt, &lastSeen); err != nil {
		return nil, err
	}

	var err error
	c.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		c.LastSeen = &t
	}
	return &c, nil
}

// GetCredential retrieves a credential by name.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetCredential(ctx context.Context, name string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE name = ?`, name)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	return c, nil
}

// ListCredentials returns every credential ordered by name.
func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	creds := []*Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return creds, nil
}

// DeleteCredential removes a credential by name.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return requireOneRow(result)
}

// Validate checks key against the named credential, or against every
// credential when name is empty. Returns ErrInvalidCredential on any mismatch,
// including an unknown name.
func (s *SQLiteStore) Validate(ctx context.Context, name, key string) (*Credential, error) {
	if key == "" {
		return nil, ErrInvalidCredential
	}

	if name != "" {
		c, err := s.GetCredential(ctx, name)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		if err != nil {
			return nil, err
		}
		if !keyMatches(c.KeyHash, key) {
			return nil, ErrInvalidCredential
		}
		return c, nil
	}

	// A bare key carries no name; the set of clients is small, so scan.
	creds, err := s.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if keyMatches(c.KeyHash, key) {
			return c, nil
		}
	}
	return nil, ErrInvalidCredential
}

// Rotate replaces the key of the named credential.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) Rotate(ctx context.Context, name, newKey string) error {
	if newKey == "" {
		return errors.New("new key is required")
	}
	hash, err := hashKey(newKey)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET key_hash = ? WHERE name = ?`, hash, name)
	if err != nil {
		return fmt.Errorf("rotating key: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}

	s.logger.Info("rotated credential key", "name", name)
	return nil
}

// Touch records that the named client was seen at the given time.
func (s *SQLiteStore) Touch(ctx context.Context, name string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_seen = ? WHERE name = ?`,
		at.UTC().Format(time.RFC3339), name,
	)
	if err != nil {
		return fmt.Errorf("updating last_seen: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
