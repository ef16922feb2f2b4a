package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorsync/internal/config"
	"tutorsync/internal/notify"
	"tutorsync/internal/poller"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBaselines(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, found, err := db.LoadBaseline(ctx, "tutor:t1:bookings")
	require.NoError(t, err)
	assert.False(t, found)

	first := poller.Snapshot{Counts: map[string]int{"pending": 2}, Sets: map[string][]string{"confirmed": {"b1"}}}
	require.NoError(t, db.SaveBaseline(ctx, "tutor:t1:bookings", first))

	second := poller.Snapshot{Counts: map[string]int{"pending": 0}}
	require.NoError(t, db.SaveBaseline(ctx, "tutor:t1:bookings", second))

	got, found, err := db.LoadBaseline(ctx, "tutor:t1:bookings")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, got.Count("pending"))
	assert.Empty(t, got.Sets)
}

func TestNotificationLog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.Notify(ctx, notify.Notification{
		Kind: notify.KindNewRequest, View: "tutor", Resource: "bookings",
		Title: "New booking request", Count: 1, At: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, db.Notify(ctx, notify.Notification{
		Kind: notify.KindNewMessage, View: "tutor", Resource: "sidebar",
		Title: "New message", Body: "2 unread", Count: 2, At: now,
	}))

	got, err := db.RecentNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, notify.KindNewMessage, got[0].Kind)
	assert.Equal(t, "2 unread", got[0].Body)
	assert.Equal(t, notify.KindNewRequest, got[1].Kind)

	n, err := db.PruneNotifications(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBackup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveBaseline(ctx, "k", poller.Snapshot{Counts: map[string]int{"unread": 3}}))

	dir := filepath.Join(t.TempDir(), "backups")
	svc := NewBackupService(db, config.BackupConfig{Enabled: true, Path: dir, RetentionDays: 1}, time.Hour, zerolog.Nop())

	path, err := svc.PerformBackup(ctx)
	require.NoError(t, err)
	require.FileExists(t, path)

	restored, err := NewDB(path)
	require.NoError(t, err)
	defer restored.Close()
	snap, found, err := restored.LoadBaseline(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, snap.Count("unread"))

	old := filepath.Join(dir, "backup_old.db")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	stale := time.Now().AddDate(0, 0, -3)
	require.NoError(t, os.Chtimes(old, stale, stale))

	svc.Cleanup(ctx)
	assert.NoFileExists(t, old)
	assert.FileExists(t, path)
}
