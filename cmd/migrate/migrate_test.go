package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/database"
	"github.com/davidleathers/auction-integrity-backend/internal/testutil/containers"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{name: "defaults", args: nil, want: options{action: "up"}},
		{name: "down two", args: []string{"-action", "down", "-steps", "2"}, want: options{action: "down", steps: 2}},
		{name: "explicit url", args: []string{"-action", "version", "-database", "postgres://x"}, want: options{action: "version", databaseURL: "postgres://x"}},
		{name: "unknown action", args: []string{"-action", "create"}, wantErr: true},
		{name: "negative steps", args: []string{"-steps", "-1"}, wantErr: true},
		{name: "unknown flag", args: []string{"-name", "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args, io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunRequiresDatabaseURL(t *testing.T) {
	err := run(options{action: "up"}, zaptest.NewLogger(t))
	assert.EqualError(t, err, "database url is required")
}

func TestRunUpDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping migration integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pg, err := containers.NewPostgresContainer(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	logger := zaptest.NewLogger(t)
	version := func() uint {
		m, err := database.NewMigrator(pg.ConnectionString, logger)
		require.NoError(t, err)
		defer func() { _ = m.Close() }()
		v, dirty, err := m.Version()
		require.NoError(t, err)
		require.False(t, dirty)
		return v
	}

	require.NoError(t, run(options{action: "up", databaseURL: pg.ConnectionString}, logger))
	assert.Equal(t, uint(1), version())

	// Re-applying is a no-op.
	require.NoError(t, run(options{action: "up", databaseURL: pg.ConnectionString}, logger))
	require.NoError(t, run(options{action: "version", databaseURL: pg.ConnectionString}, logger))

	require.NoError(t, run(options{action: "down", steps: 1, databaseURL: pg.ConnectionString}, logger))
	assert.Equal(t, uint(0), version())
}
