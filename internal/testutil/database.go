package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/config"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/database"
	"github.com/davidleathers/auction-integrity-backend/internal/testutil/containers"
)

// TestDB is a migrated Postgres in a container, torn down with the test.
type TestDB struct {
	t   *testing.T
	DB  *database.DB
	URL string
}

// tables in dependency order for truncation.
var tables = []string{
	"payments",
	"subject_violations",
	"enforcement_records",
	"bypass_grants",
	"fraud_signals",
	"bids",
	"auctions",
	"accounts",
}

// NewTestDB starts a container and applies the embedded migrations.
// It skips under -short and when no container runtime is reachable.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := containers.NewPostgresContainer(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	logger := zaptest.NewLogger(t)
	m, err := database.NewMigrator(pg.ConnectionString, logger)
	require.NoError(t, err)
	require.NoError(t, m.Up(0))
	require.NoError(t, m.Close())

	db, err := database.NewDB(context.Background(), config.DatabaseConfig{URL: pg.ConnectionString, MaxConns: 10}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return &TestDB{t: t, DB: db, URL: pg.ConnectionString}
}

// TruncateTables empties every mutable table. chain_records is
// append-only and is never truncated between subtests.
func (tdb *TestDB) TruncateTables() {
	tdb.t.Helper()
	for _, table := range tables {
		_, err := tdb.DB.Pool().Exec(context.Background(), "TRUNCATE TABLE "+table+" CASCADE")
		require.NoError(tdb.t, err)
	}
}

func (tdb *TestDB) AssertRowCount(table string, expected int) {
	tdb.t.Helper()
	var count int
	err := tdb.DB.Pool().QueryRow(context.Background(), "SELECT count(*) FROM "+table).Scan(&count)
	require.NoError(tdb.t, err)
	require.Equal(tdb.t, expected, count, "expected %d rows in %s", expected, table)
}
