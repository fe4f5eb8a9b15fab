package mapping_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/ha1tch/xmigrate/pkg/cache"
	"github.com/ha1tch/xmigrate/pkg/mapping"
	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/remote"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMappingTest(t *testing.T, opts ...mapping.Option) (*mapping.Store, *remote.Client) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	ep := remote.Endpoint{
		URL:      "sqlite://" + filepath.Join(t.TempDir(), "target.db"),
		DB:       "target",
		Username: "admin",
		Password: "admin",
	}
	client, err := remote.Dial(ep, remote.Options{Policy: remote.DefaultRetryPolicy()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Authenticate(context.Background())
	require.NoError(t, err)

	return mapping.NewStore(client, remote.MappingModel, logger, opts...), client
}

func created(model string, src, dst int) models.MappingRecord {
	return models.MappingRecord{Model: model, SourceID: src, TargetID: dst, BatchID: "b1", Status: models.StatusCreated}
}

func TestStore_RecordAndExisting(t *testing.T) {
	store, client := setupMappingTest(t)
	ctx := context.Background()

	err := store.Record(ctx, []models.MappingRecord{
		created("res.partner", 2, 20),
		created("res.partner", 1, 10),
		{Model: "res.partner", SourceID: 3, TargetID: 30, BatchID: "b1", Status: models.StatusSkipped},
		{Model: "res.partner", SourceID: 4, BatchID: "b1", Status: models.StatusError, ErrorMessage: "boom"},
		created("product.category", 1, 99),
	})
	require.NoError(t, err)

	pairs, err := store.Existing(ctx, "res.partner")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 10, 2: 20, 3: 30}, pairs)

	rows, err := client.SearchRead(ctx, remote.MappingModel,
		remote.Domain(remote.Cond("v_source_id", "=", 1)), []string{"name", "model_name"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "res.partner:1", rows[0]["name"])
	assert.Equal(t, "product.category", rows[1]["model_name"])
}

func TestStore_RecordRejectsMissingTarget(t *testing.T) {
	store, client := setupMappingTest(t)
	ctx := context.Background()

	err := store.Record(ctx, []models.MappingRecord{
		created("res.partner", 1, 10),
		{Model: "res.partner", SourceID: 2, Status: models.StatusCreated},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "res.partner:2")
	assert.Equal(t, 0, client.Count(ctx, remote.MappingModel, nil), "nothing is written")
}

func TestStore_ExistingPaginates(t *testing.T) {
	store, _ := setupMappingTest(t, mapping.WithChunkSize(7), mapping.WithPageSize(10))
	ctx := context.Background()

	entries := make([]models.MappingRecord, 0, 25)
	for i := 1; i <= 25; i++ {
		entries = append(entries, created("uom.uom", i, 1000+i))
	}
	require.NoError(t, store.Record(ctx, entries))

	pairs, err := store.Existing(ctx, "uom.uom")
	require.NoError(t, err)
	assert.Len(t, pairs, 25)
	assert.Equal(t, 1025, pairs[25])
}

func TestStore_LookupAndResolve(t *testing.T) {
	store, _ := setupMappingTest(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, []models.MappingRecord{
		created("res.country.state", 5, 50),
		created("res.country.state", 6, 60),
	}))

	found, err := store.Lookup(ctx, "res.country.state", []int{5, 7, 0})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{5: 50}, found)

	dst, ok, err := store.Resolve(ctx, "res.country.state", 6)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 60, dst)

	_, ok, err = store.Resolve(ctx, "res.partner", 6)
	require.NoError(t, err)
	assert.False(t, ok, "pairs are scoped to their entity type")
}

func TestStore_LookupUsesCache(t *testing.T) {
	mem := cache.NewMemoryCache(100, time.Minute)
	store, client := setupMappingTest(t, mapping.WithCache(mem))
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, []models.MappingRecord{created("res.partner", 1, 10)}))
	assert.Equal(t, 1, mem.Len(), "recorded pairs are cached")

	// A row written behind the store's back is only seen on a cache miss
	_, err := client.Create(ctx, remote.MappingModel, []map[string]interface{}{
		created("res.partner", 2, 20).Values(),
	})
	require.NoError(t, err)

	found, err := store.Lookup(ctx, "res.partner", []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 10, 2: 20}, found)
	assert.Equal(t, 2, mem.Len())

	require.NoError(t, store.Invalidate(ctx, "res.partner"))
	assert.Equal(t, 0, mem.Len())
}
