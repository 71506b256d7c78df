package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconf "github.com/amirphl/bracket-trader/internal/db/conf"
	"github.com/amirphl/bracket-trader/internal/order"
)

func TestPostgresStorage(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	defer cleanup()

	store, err := New(*cfg)
	require.NoError(t, err)
	assert.NotNil(t, store.GetDB())

	exerciseStorage(t, store)
}

func TestPostgresTransactionRollback(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	defer cleanup()

	store, err := New(*cfg)
	require.NoError(t, err)
	ctx := context.Background()

	boom := errors.New("abort")
	err = store.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		require.NoError(t, store.SaveOrder(WithTransaction(ctx, tx), "g", sampleLeg("rolled-back", order.StatusOpen)))
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	got, err := store.GetOrder(ctx, "rolled-back")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewRequiresConnection(t *testing.T) {
	_, err := New(dbconf.Config{})
	assert.Error(t, err)
}
