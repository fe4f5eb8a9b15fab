package remote_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/remote"
	"github.com/ha1tch/xmigrate/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func categoryCatalog() models.Catalog {
	return models.Catalog{
		"name":      {Name: "name", Type: models.TypeChar, Required: true, Store: true},
		"parent_id": {Name: "parent_id", Type: models.TypeMany2one, Relation: "product.category", Store: true},
		"sequence":  {Name: "sequence", Type: models.TypeInteger, Store: true},
		"tag_ids":   {Name: "tag_ids", Type: models.TypeMany2many, Relation: "product.tag", Store: true},
		"child_ids": {Name: "child_ids", Type: models.TypeOne2many, Relation: "product.category", Store: false},
	}
}

func setupLocalTest(t *testing.T) (*remote.LocalTransport, *remote.Client) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "local.db")
	store, err := storage.NewSQLiteStore(dbPath, storage.DefaultSQLiteConfig(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr, err := remote.NewLocalTransport(store, testLogger())
	require.NoError(t, err)
	require.NoError(t, tr.SeedSchema(context.Background(), "product.category", categoryCatalog()))

	ep := remote.Endpoint{URL: "sqlite://" + dbPath, DB: "local", Username: "admin", Password: "admin"}
	client := remote.NewClient(tr, ep, remote.Options{Policy: remote.DefaultRetryPolicy()}, testLogger())
	_, err = client.Authenticate(context.Background())
	require.NoError(t, err)
	return tr, client
}

// ===== Authentication =====

func TestLocalTransport_Credentials(t *testing.T) {
	tr, _ := setupLocalTest(t)
	tr.SetCredentials(map[string]string{"admin": "good"})

	ep := remote.Endpoint{URL: "sqlite://x", DB: "local", Username: "admin", Password: "bad"}
	client := remote.NewClient(tr, ep, remote.Options{}, testLogger())
	_, err := client.Authenticate(context.Background())
	assert.ErrorIs(t, err, remote.ErrAuth)

	_, err = client.Execute(context.Background(), "product.category", "search", nil, nil)
	assert.ErrorIs(t, err, remote.ErrNotAuthenticated)
}

// ===== CRUD over RPC verbs =====

func TestLocalTransport_CreateAndSearchRead(t *testing.T) {
	_, client := setupLocalTest(t)
	ctx := context.Background()

	ids, err := client.Create(ctx, "product.category", []map[string]interface{}{
		{"name": "All", "sequence": 1},
		{"name": "Saleable", "sequence": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, ids)

	_, err = client.Create(ctx, "product.category", []map[string]interface{}{
		{"name": "Office", "parent_id": ids[1], "tag_ids": []interface{}{[]interface{}{6, 0, []interface{}{4, 5}}}},
	})
	require.NoError(t, err)

	records, err := client.SearchRead(ctx, "product.category", nil, []string{"name", "parent_id", "tag_ids"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, 1, records[0].ID())
	assert.Equal(t, false, records[0]["parent_id"])
	assert.Equal(t, []interface{}{int64(2), "Saleable"}, records[2]["parent_id"])
	assert.Equal(t, []interface{}{int64(4), int64(5)}, records[2]["tag_ids"])
	assert.NotContains(t, records[0], "sequence")
}

func TestLocalTransport_RequiredAndUnknownFields(t *testing.T) {
	_, client := setupLocalTest(t)
	ctx := context.Background()

	_, err := client.Create(ctx, "product.category", []map[string]interface{}{{"sequence": 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-null constraint")

	_, err = client.Create(ctx, "product.category", []map[string]interface{}{{"name": "x", "bogus": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid field")

	n := client.Count(ctx, "product.category", nil)
	assert.Equal(t, 0, n, "a rejected batch creates nothing")
}

func TestLocalTransport_Domains(t *testing.T) {
	_, client := setupLocalTest(t)
	ctx := context.Background()

	_, err := client.Create(ctx, "product.category", []map[string]interface{}{
		{"name": "Alpha", "sequence": 1},
		{"name": "beta", "sequence": 5, "parent_id": 1},
		{"name": "Gamma", "sequence": 10, "parent_id": 1},
	})
	require.NoError(t, err)

	cases := []struct {
		name   string
		domain []interface{}
		want   int
	}{
		{"equal", remote.Domain(remote.Cond("name", "=", "Alpha")), 1},
		{"not equal", remote.Domain(remote.Cond("name", "!=", "Alpha")), 2},
		{"in", remote.Domain(remote.Cond("id", "in", []interface{}{1, 3})), 2},
		{"not in", remote.Domain(remote.Cond("id", "not in", []interface{}{1})), 2},
		{"many2one equal", remote.Domain(remote.Cond("parent_id", "=", 1)), 2},
		{"many2one empty", remote.Domain(remote.Cond("parent_id", "=", false)), 1},
		{"greater", remote.Domain(remote.Cond("sequence", ">", 4)), 2},
		{"less or equal", remote.Domain(remote.Cond("sequence", "<=", 5)), 2},
		{"like", remote.Domain(remote.Cond("name", "like", "amm")), 1},
		{"ilike", remote.Domain(remote.Cond("name", "ilike", "BET")), 1},
		{"and", remote.Domain(remote.Cond("parent_id", "=", 1), remote.Cond("sequence", ">=", 10)), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, client.Count(ctx, "product.category", tc.domain))
		})
	}

	_, err = client.Search(ctx, "product.category", []interface{}{"|", remote.Cond("id", "=", 1)}, 0)
	assert.ErrorIs(t, err, remote.ErrRead)
}

func TestLocalTransport_PaginationAndRead(t *testing.T) {
	_, client := setupLocalTest(t)
	ctx := context.Background()

	batch := make([]map[string]interface{}, 7)
	for i := range batch {
		batch[i] = map[string]interface{}{"name": "c", "sequence": i}
	}
	_, err := client.Create(ctx, "product.category", batch)
	require.NoError(t, err)

	page, err := client.SearchRead(ctx, "product.category", nil, []string{"name"}, 5, 5)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, 6, page[0].ID())

	all, err := client.ReadAll(ctx, "product.category", nil, []string{"name"}, 3)
	require.NoError(t, err)
	assert.Len(t, all, 7)

	some, err := client.Read(ctx, "product.category", []int{2, 4, 99}, []string{"sequence"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, int64(3), some[1]["sequence"])
}

func TestLocalTransport_WriteMany2manyCommands(t *testing.T) {
	_, client := setupLocalTest(t)
	ctx := context.Background()

	ids, err := client.Create(ctx, "product.category", []map[string]interface{}{{"name": "x"}})
	require.NoError(t, err)
	id := ids[0]

	readTags := func() []interface{} {
		recs, err := client.Read(ctx, "product.category", []int{id}, []string{"tag_ids"})
		require.NoError(t, err)
		return recs[0]["tag_ids"].([]interface{})
	}

	require.NoError(t, client.Write(ctx, "product.category", []int{id}, map[string]interface{}{
		"tag_ids": []interface{}{[]interface{}{6, 0, []interface{}{1, 2}}},
	}))
	assert.Equal(t, []interface{}{int64(1), int64(2)}, readTags())

	require.NoError(t, client.Write(ctx, "product.category", []int{id}, map[string]interface{}{
		"tag_ids": []interface{}{[]interface{}{4, 3}, []interface{}{3, 1}},
	}))
	assert.Equal(t, []interface{}{int64(2), int64(3)}, readTags())

	require.NoError(t, client.Write(ctx, "product.category", []int{id}, map[string]interface{}{
		"tag_ids": []interface{}{[]interface{}{5}},
	}))
	assert.Empty(t, readTags())

	err = client.Write(ctx, "product.category", []int{404}, map[string]interface{}{"name": "y"})
	assert.Error(t, err)
}

func TestLocalTransport_MissingModelAndMethod(t *testing.T) {
	_, client := setupLocalTest(t)
	ctx := context.Background()

	assert.Empty(t, client.FieldsGet(ctx, "no.such.model"))
	assert.Equal(t, 0, client.Count(ctx, "no.such.model", nil))

	catalog := client.FieldsGet(ctx, remote.MappingModel)
	assert.Contains(t, catalog, "v_source_id")

	_, err := client.Execute(ctx, remote.MappingModel, "migrate_batch", []interface{}{}, nil)
	require.Error(t, err)
	assert.True(t, remote.IsMissingMethod(err))
}

func TestOpenLocalTransport_ViaRegistry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reg.db")
	ep := remote.Endpoint{URL: "sqlite://" + dbPath, DB: "x", Username: "u", Password: "p"}

	client, err := remote.Dial(ep, remote.Options{}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	_, ok := client.Transport().(*remote.LocalTransport)
	assert.True(t, ok)

	_, err = client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Contains(t, client.FieldsGet(context.Background(), remote.MappingModel), "status")
}
