// ABOUTME: Offline admin commands that operate on the credential database and config
// ABOUTME: Implements credentials add/list/rotate/delete, token issuance, audit listing, and cert generation

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/flowlink/internal/auth"
	"github.com/2389/flowlink/internal/config"
	"github.com/2389/flowlink/internal/store"
	"github.com/2389/flowlink/internal/tlscert"
)

// admin runs credential and audit commands against an open store.
type admin struct {
	store *store.SQLiteStore
	auth  *auth.Authenticator
	out   io.Writer
}

func newAdmin(s *store.SQLiteStore, out io.Writer, logger *slog.Logger) *admin {
	a := auth.NewAuthenticator(s, "", logger)
	a.SetAuditLog(s)
	return &admin{store: s, auth: a, out: out}
}

// withStore opens the configured database for the duration of fn.
func withStore(_ context.Context, fn func(a *admin) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Store chatter would bury the command output
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format})

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	return fn(newAdmin(s, os.Stdout, logger))
}

// generateKey returns a random hex key for a new credential.
func generateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (a *admin) credentials(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: flowlink credentials add|list|rotate|delete")
	}
	switch args[0] {
	case "add":
		return a.addCredential(ctx, args[1:])
	case "list":
		return a.listCredentials(ctx)
	case "rotate":
		return a.rotateCredential(ctx, args[1:])
	case "delete":
		return a.deleteCredential(ctx, args[1:])
	default:
		return fmt.Errorf("unknown credentials command: %s", args[0])
	}
}

func (a *admin) addCredential(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("credentials add", flag.ContinueOnError)
	fs.SetOutput(a.out)
	name := fs.String("name", "", "client name")
	key := fs.String("key", "", "shared key (generated when empty)")
	contact := fs.String("contact", "", "owner contact")
	description := fs.String("description", "", "free-form description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--name is required")
	}

	k := *key
	if k == "" {
		var err error
		if k, err = generateKey(); err != nil {
			return err
		}
	}

	c := &store.Credential{Name: *name, Contact: *contact, Description: *description}
	if err := a.store.CreateCredential(ctx, c, k); err != nil {
		return fmt.Errorf("creating credential: %w", err)
	}
	a.record(ctx, store.AuditCreateCredential, *name)

	green := color.New(color.FgGreen)
	green.Fprintf(a.out, "  ✓ Created credential: %s\n", *name)
	fmt.Fprintf(a.out, "  Key: %s\n", k)
	fmt.Fprintf(a.out, "  Header: Authorization: %s\n", auth.BasicAuthHeader(*name, k))
	return nil
}

func (a *admin) listCredentials(ctx context.Context) error {
	creds, err := a.store.ListCredentials(ctx)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Fprintln(a.out, "  No credentials.")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tCONTACT\tCREATED\tLAST SEEN")
	fmt.Fprintln(w, "  ----\t-------\t-------\t---------")
	for _, c := range creds {
		seen := "never"
		if c.LastSeen != nil {
			seen = c.LastSeen.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.Name, c.Contact, c.CreatedAt.Local().Format("Jan 02 15:04"), seen)
	}
	return w.Flush()
}

func (a *admin) rotateCredential(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("credentials rotate", flag.ContinueOnError)
	fs.SetOutput(a.out)
	name := fs.String("name", "", "client name")
	key := fs.String("key", "", "new key (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--name is required")
	}

	k := *key
	if k == "" {
		var err error
		if k, err = generateKey(); err != nil {
			return err
		}
	}

	if err := a.auth.RotateKey(ctx, *name, k); err != nil {
		return fmt.Errorf("rotating key: %w", err)
	}

	color.New(color.FgGreen).Fprintf(a.out, "  ✓ Rotated key for %s\n", *name)
	fmt.Fprintf(a.out, "  Key: %s\n", k)
	return nil
}

func (a *admin) deleteCredential(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("credentials delete", flag.ContinueOnError)
	fs.SetOutput(a.out)
	name := fs.String("name", "", "client name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--name is required")
	}

	if err := a.store.DeleteCredential(ctx, *name); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	a.record(ctx, store.AuditDeleteCredential, *name)

	color.New(color.FgGreen).Fprintf(a.out, "  ✓ Deleted credential: %s\n", *name)
	return nil
}

func (a *admin) record(ctx context.Context, action store.AuditAction, name string) {
	if err := a.store.AppendAuditLog(ctx, &store.AuditEntry{Action: action, Name: name}); err != nil {
		fmt.Fprintf(a.out, "  warning: audit log not written: %v\n", err)
	}
}

func (a *admin) audit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(a.out)
	limit := fs.Int("limit", 50, "maximum entries")
	name := fs.String("name", "", "only entries for this credential")
	since := fs.Duration("since", 0, "only entries newer than this duration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := store.AuditFilter{Limit: *limit}
	if *name != "" {
		filter.Name = name
	}
	if *since > 0 {
		t := time.Now().Add(-*since)
		filter.Since = &t
	}

	entries, err := a.store.ListAuditLog(ctx, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "  No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTION\tNAME\tPEER")
	fmt.Fprintln(w, "  ----\t------\t----\t----")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("Jan 02 15:04:05"), e.Action, e.Name, e.Peer)
	}
	return w.Flush()
}

// runToken issues a bearer token signed with auth.shared_secret.
func runToken(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	name := fs.String("name", "", "client name carried in the token")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--name is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.SharedSecret == "" {
		return errors.New("auth.shared_secret must be set to issue tokens")
	}
	return issueToken(out, cfg.Auth.SharedSecret, *name, *ttl)
}

func issueToken(out io.Writer, secret, name string, ttl time.Duration) error {
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

// runCerts writes a self-signed pair at server.cert_path/key_path when absent.
func runCerts(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.CertPath == "" || cfg.Server.KeyPath == "" {
		return errors.New("server.cert_path and server.key_path must be set")
	}

	hosts := []string{cfg.Server.Host, "localhost"}
	created, err := tlscert.EnsurePair(cfg.Server.CertPath, cfg.Server.KeyPath, hosts)
	if err != nil {
		return err
	}
	if created {
		color.New(color.FgGreen).Fprintf(out, "  ✓ Wrote %s and %s\n", cfg.Server.CertPath, cfg.Server.KeyPath)
	} else {
		fmt.Fprintln(out, "  Certificate pair already present.")
	}
	return nil
}
