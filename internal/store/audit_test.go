// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Action: AuditAuthDenied,
		Peer:   "10.0.0.5:40000",
		Detail: map[string]any{"error": "invalid credential"},
	}

	require.NoError(t, s.AppendAuditLog(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditStore_List_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, action := range []AuditAction{AuditCreateCredential, AuditAuthAccepted, AuditRotateKey} {
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			Action:    action,
			Name:      "red",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditRotateKey, entries[0].Action)
	assert.Equal(t, AuditCreateCredential, entries[2].Action)
}

func TestAuditStore_List_SubSecondOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{Action: AuditAuthDenied, Timestamp: base}))
	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{Action: AuditAuthAccepted, Timestamp: base.Add(100 * time.Millisecond)}))

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditAuthAccepted, entries[0].Action)
}

func TestAuditStore_List_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{Action: AuditAuthDenied, Peer: "1.2.3.4:1", Timestamp: now.Add(-time.Hour)}))
	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{Action: AuditAuthAccepted, Name: "red", Timestamp: now.Add(-time.Minute)}))
	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{Action: AuditAuthAccepted, Name: "blue", Timestamp: now}))

	name := "red"
	entries, err := s.ListAuditLog(ctx, AuditFilter{Name: &name})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "red", entries[0].Name)

	action := AuditAuthDenied
	entries, err = s.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1.2.3.4:1", entries[0].Peer)

	since := now.Add(-2 * time.Minute)
	entries, err = s.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditStore_Detail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
		Action: AuditAuthDenied,
		Detail: map[string]any{"scheme": "basic"},
	}))

	entries, err := s.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "basic", entries[0].Detail["scheme"])
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}
