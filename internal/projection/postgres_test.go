package projection_test

import (
	"LendLedger/internal/projection"
	"LendLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMirror(t *testing.T, db *sql.DB) *projection.PostgresStore {
	t.Helper()
	ctx := context.Background()
	store := projection.NewPostgresStore(db)

	entry := logFor(1, 1, 1, created(1))
	rec, err := projection.Apply(nil, entry)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, rec, entry))
	require.NoError(t, store.SetWatermark(ctx, entry.Sequence))
	return store
}

func TestRebuild_ClearsMirror(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	store := seedMirror(t, db)

	require.NoError(t, projection.Rebuild(ctx, db))

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
	applied, err := store.IsApplied(ctx, logFor(1, 1, 1, created(1)))
	require.NoError(t, err)
	assert.False(t, applied)
	wm, err := store.Watermark(ctx)
	require.NoError(t, err)
	assert.Zero(t, wm)
}

func TestRebuild_FailureLeavesMirrorIntact(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	store := seedMirror(t, db)

	// Hold a lock on the watermark so the last statement cannot run before
	// the deadline. The truncates before it must roll back.
	blocker, err := db.Begin()
	require.NoError(t, err)
	defer blocker.Rollback()
	_, err = blocker.Exec(`LOCK TABLE mirror.watermark IN ACCESS EXCLUSIVE MODE`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.Error(t, projection.Rebuild(ctx, db))
	require.NoError(t, blocker.Rollback())

	rec, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.PositionID)
	wm, err := store.Watermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), wm)
}
