package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"keybridge/internal/input"
	"keybridge/internal/network"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	j.RecordState(network.Status{State: network.Connecting})
	j.RecordState(network.Status{State: network.Connected})
	j.RecordState(network.Status{State: network.Connected, SessionID: "remote-1"})
	j.RecordTransition(input.Transition{Key: "w", Down: true, Timestamp: 10}, "remote-1")
	j.RecordTransition(input.Transition{Key: "w", Down: false, Timestamp: 20}, "remote-1")
	j.RecordState(network.Status{State: network.Disconnected, Attempts: 1})
	j.RecordTransition(input.Transition{Key: "a", Down: true, Timestamp: 30, Err: errors.New("not connected")}, "")
	require.NoError(t, j.Flush(ctx))

	sessions, err := j.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "remote-1", sessions[0].RemoteSessionID)
	require.NotNil(t, sessions[0].DisconnectedAt)

	entries, err := j.Transitions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, sessions[0].ID, entries[0].SessionID)
	require.Equal(t, "remote-1", entries[0].RemoteSessionID)
	require.Zero(t, sessions[0].Attempts)
	require.True(t, entries[0].Down)
	require.True(t, entries[1].Delivered)
	require.False(t, entries[1].Down)
	require.Empty(t, entries[2].SessionID)
	require.False(t, entries[2].Delivered)
	require.Equal(t, "not connected", entries[2].Error)
}

func TestOutageTracksExhaustion(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	j.RecordState(network.Status{State: network.Disconnected, Attempts: 1})
	j.RecordState(network.Status{State: network.Connecting, Attempts: 1})
	j.RecordState(network.Status{State: network.Disconnected, Attempts: 2, Exhausted: true})
	require.NoError(t, j.Flush(ctx))

	outages, err := j.Outages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, outages, 1)
	require.Equal(t, 2, outages[0].Attempts)
	require.NotNil(t, outages[0].ExhaustedAt)
	require.Nil(t, outages[0].EndedAt)

	j.RecordState(network.Status{State: network.Connected})
	require.NoError(t, j.Flush(ctx))
	outages, err = j.Outages(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, outages[0].EndedAt)

	sessions, err := j.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, 2, sessions[0].Attempts)
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(ctx, path)
	require.NoError(t, err)
	j.RecordState(network.Status{State: network.Connected, SessionID: "r"})
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	require.ErrorIs(t, j.Flush(ctx), ErrClosed)

	j, err = Open(ctx, path)
	require.NoError(t, err)
	defer j.Close()
	sessions, err := j.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}
