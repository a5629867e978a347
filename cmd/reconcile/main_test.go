package main

import (
	"context"
	"testing"

	"trade-replicator/internal/config"
	"trade-replicator/internal/database"
	"trade-replicator/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListRecords(t *testing.T) {
	db, err := database.NewDatabase(config.Database{
		Driver:       "sqlite",
		DSN:          "file:reconcile_cli?mode=memory&cache=shared",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	l := ledger.New(db)
	ctx := context.Background()

	assert.NoError(t, listRecords(ctx, l, "failed", 10))
	assert.NoError(t, listRecords(ctx, l, "unknown_outcome", 10))

	err = listRecords(ctx, l, "faild", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown status "faild"`)
}
