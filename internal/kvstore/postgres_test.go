package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreSuite(t, NewPostgresStore(db))
}

func TestMigrate_Idempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, NewPostgresStore(db).Ping(ctx))
}
