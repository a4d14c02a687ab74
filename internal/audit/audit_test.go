package audit_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/mcpanel/internal/audit"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newStore(t *testing.T) *audit.Store {
	t.Helper()
	db := sqlx.MustConnect("sqlite3", ":memory:")
	t.Cleanup(func() { _ = db.Close() })
	s, err := audit.New(t.Context(), db)
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := t.Context()

	s.Record(ctx, "start", "", nil, "Starting server...")
	s.Record(ctx, "command", "say hi", nil, "Command sent")
	s.Record(ctx, "stop", "", errors.New("server is not running"), "")

	events, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// newest first
	require.Equal(t, "stop", events[0].Action)
	require.False(t, events[0].OK)
	require.Equal(t, "server is not running", events[0].Message)

	require.Equal(t, "command", events[1].Action)
	require.Equal(t, "say hi", events[1].Detail)
	require.True(t, events[1].OK)
	require.NotEmpty(t, events[1].ID)

	events, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestStore_Open(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data", "mcpanel.db")
	s, err := audit.Open(t.Context(), path)
	require.NoError(t, err)
	s.Record(t.Context(), "start", "", nil, "ok")
	require.NoError(t, s.Close())

	s, err = audit.Open(t.Context(), path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	events, err := s.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestStore_Nil(t *testing.T) {
	t.Parallel()
	var s *audit.Store
	s.Record(t.Context(), "start", "", nil, "ok")
	events, err := s.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Empty(t, events)
	require.NoError(t, s.Close())
}
