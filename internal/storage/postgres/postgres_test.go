package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/storage/postgres"
	"github.com/cory-johannsen/tablesync/internal/testutil"
)

func TestStore_Postgres(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	ctx := context.Background()
	s := pc.Store

	g, err := s.Load(ctx, "int-1")
	require.NoError(t, err)
	assert.Nil(t, g)

	snap := state.New(time.Unix(300, 0).UTC())
	snap.SetInitiative([]state.InitiativeEntry{{EntityID: "e1", Name: "Aria", Initiative: 14}})
	require.NoError(t, s.Save(ctx, "int-1", snap))
	snap.Round = 2
	require.NoError(t, s.Save(ctx, "int-1", snap))

	got, err := s.Load(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Round)

	want, err := snap.Checksum()
	require.NoError(t, err)
	sum, err := s.Checksum(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, want, sum)

	require.NoError(t, s.Delete(ctx, "int-1"))
	got, err = s.Load(ctx, "int-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMigrate_NoChangeWhenCurrent(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	res, err := postgres.Migrate(pc.DSN(), "up", 0)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, uint(1), res.Version)
}
