package staging_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/staging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStagingTest(t *testing.T) (*staging.Dir, string) {
	t.Helper()
	root := t.TempDir()
	dir, err := staging.New(filepath.Join(root, "data"), filepath.Join(root, "errors"), zerolog.New(io.Discard))
	require.NoError(t, err)
	return dir, root
}

func TestExportRoundTrip(t *testing.T) {
	dir, root := setupStagingTest(t)

	exp := &models.StagedExport{
		EntityType: "res.partner",
		FieldList:  []string{"id", "name", "parent_id", "credit_limit"},
		Records: []models.Record{
			{"id": 1, "name": "Acme", "parent_id": false, "credit_limit": 1500.5},
			{"id": 2, "name": "Jane", "parent_id": []interface{}{1, "Acme"}, "credit_limit": 0},
		},
	}
	require.NoError(t, dir.SaveExport(exp, ""))
	assert.FileExists(t, filepath.Join(root, "data", "res_partner.json"))

	loaded, err := dir.LoadExport("res.partner", "")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.RecordCount)
	assert.False(t, loaded.ExportTimestamp.IsZero())
	assert.Equal(t, exp.FieldList, loaded.FieldList)

	assert.Equal(t, int64(1), loaded.Records[0]["id"])
	assert.Equal(t, 1500.5, loaded.Records[0]["credit_limit"])
	assert.Equal(t, []interface{}{int64(1), "Acme"}, loaded.Records[1]["parent_id"])
	assert.Equal(t, 2, loaded.Records[1].ID())
}

func TestExportCustomFile(t *testing.T) {
	dir, root := setupStagingTest(t)

	exp := &models.StagedExport{EntityType: "res.users", Records: []models.Record{{"id": 7}}}
	require.NoError(t, dir.SaveExport(exp, "users_2024.json"))
	assert.FileExists(t, filepath.Join(root, "data", "users_2024.json"))

	_, err := dir.LoadExport("res.users", "")
	assert.ErrorIs(t, err, staging.ErrNotStaged)

	loaded, err := dir.LoadExport("res.users", "users_2024.json")
	require.NoError(t, err)
	assert.Len(t, loaded.Records, 1)
}

func TestLoadExportCorrupt(t *testing.T) {
	dir, _ := setupStagingTest(t)
	require.NoError(t, os.WriteFile(dir.ExportPath("res.partner", ""), []byte("{not json"), 0644))

	_, err := dir.LoadExport("res.partner", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, staging.ErrNotStaged)
}

func TestRelationFromExport(t *testing.T) {
	exp := &models.StagedExport{
		EntityType:      "res.partner",
		ExportTimestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Records: []models.Record{
			{"id": int64(2), "category_id": []interface{}{int64(9), int64(4)}},
			{"id": int64(1), "category_id": []interface{}{int64(4)}},
			{"id": int64(3), "category_id": false},
		},
	}

	rel := staging.RelationFromExport(exp, "category_id", "res.partner.category")
	assert.Equal(t, "res.partner", rel.LeftEntity)
	assert.Equal(t, "res.partner.category", rel.RightEntity)
	assert.Equal(t, 3, rel.RecordCount)
	assert.Equal(t, []models.RelationPair{
		{LeftID: 1, RightID: 4},
		{LeftID: 2, RightID: 4},
		{LeftID: 2, RightID: 9},
	}, rel.Records)
}

func TestRelationRoundTrip(t *testing.T) {
	dir, root := setupStagingTest(t)

	_, err := dir.LoadRelation("res.partner", "category_id")
	assert.ErrorIs(t, err, staging.ErrNotStaged)

	rel := &models.RelationExport{
		LeftEntity:  "res.partner",
		RightEntity: "res.partner.category",
		Records:     []models.RelationPair{{LeftID: 1, RightID: 4}},
	}
	require.NoError(t, dir.SaveRelation("res.partner", "category_id", rel))
	assert.FileExists(t, filepath.Join(root, "data", "res_partner__category_id.json"))

	loaded, err := dir.LoadRelation("res.partner", "category_id")
	require.NoError(t, err)
	assert.Equal(t, rel.Records, loaded.Records)
	assert.Equal(t, 1, loaded.RecordCount)
}

func TestAppendErrors(t *testing.T) {
	dir, root := setupStagingTest(t)

	errs, err := dir.LoadErrors("res.partner")
	require.NoError(t, err)
	assert.Empty(t, errs)

	require.NoError(t, dir.AppendErrors("res.partner", nil))
	assert.NoFileExists(t, filepath.Join(root, "errors", "res_partner_errors.json"))

	require.NoError(t, dir.AppendErrors("res.partner", []models.ErrorEntry{
		{SourceID: 4, Error: "missing required field", BatchInfo: "res.partner_1_2", RunID: "run-a"},
	}))
	require.NoError(t, dir.AppendErrors("res.partner", []models.ErrorEntry{
		{SourceID: 9, Error: "record is empty after projection", BatchInfo: "res.partner_2_2", RunID: "run-b",
			RecordSnapshot: map[string]interface{}{"id": 9}},
	}))

	errs, err = dir.LoadErrors("res.partner")
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, 4, errs[0].SourceID)
	assert.Equal(t, "run-a", errs[0].RunID)
	assert.False(t, errs[0].Timestamp.IsZero())
	assert.Equal(t, 9, errs[1].SourceID)
	assert.Equal(t, "res.partner_2_2", errs[1].BatchInfo)
	assert.NoFileExists(t, filepath.Join(root, "errors", "res_partner_errors.json.tmp"))
}
