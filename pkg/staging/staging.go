package staging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/storage"
	"github.com/rs/zerolog"
)

// ErrNotStaged is returned when no export exists for an entity type
var ErrNotStaged = errors.New("not staged")

// Dir keeps staged exports and error files on disk
type Dir struct {
	dataDir  string
	errorDir string
	logger   zerolog.Logger

	mu sync.Mutex
}

// New creates the data and error directories if needed
func New(dataDir, errorDir string, logger zerolog.Logger) (*Dir, error) {
	for _, dir := range []string{dataDir, errorDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Dir{
		dataDir:  dataDir,
		errorDir: errorDir,
		logger:   logger.With().Str("component", "staging").Logger(),
	}, nil
}

// FileBase turns an entity type name into a file name stem
func FileBase(model string) string {
	return strings.ReplaceAll(model, ".", "_")
}

// ExportPath returns where the export of model lives. file overrides the
// default name and is taken relative to the data directory.
func (d *Dir) ExportPath(model, file string) string {
	if file == "" {
		return filepath.Join(d.dataDir, FileBase(model)+".json")
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(d.dataDir, file)
}

// RelationPath returns where the pairs of a many2many field live
func (d *Dir) RelationPath(model, field string) string {
	return filepath.Join(d.dataDir, FileBase(model)+"__"+field+".json")
}

// ErrorPath returns the error file of model
func (d *Dir) ErrorPath(model string) string {
	return filepath.Join(d.errorDir, FileBase(model)+"_errors.json")
}

// LoadExport reads a staged export. A present export is used as is.
func (d *Dir) LoadExport(model, file string) (*models.StagedExport, error) {
	path := d.ExportPath(model, file)
	var exp models.StagedExport
	if err := readFile(path, &exp); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotStaged, model)
		}
		return nil, err
	}
	for i, rec := range exp.Records {
		exp.Records[i] = models.Record(storage.NormalizeNumber(map[string]interface{}(rec)).(map[string]interface{}))
	}
	if exp.RecordCount != len(exp.Records) {
		d.logger.Warn().
			Str("model", model).
			Int("declared", exp.RecordCount).
			Int("actual", len(exp.Records)).
			Msg("Export record count does not match its records")
	}
	return &exp, nil
}

// SaveExport writes the export of model
func (d *Dir) SaveExport(exp *models.StagedExport, file string) error {
	if exp.ExportTimestamp.IsZero() {
		exp.ExportTimestamp = time.Now().UTC()
	}
	exp.RecordCount = len(exp.Records)
	path := d.ExportPath(exp.EntityType, file)
	if err := writeFile(path, exp); err != nil {
		return err
	}
	d.logger.Info().Str("model", exp.EntityType).Int("records", exp.RecordCount).Str("path", path).Msg("Export staged")
	return nil
}

// LoadRelation reads the staged pairs of a many2many field
func (d *Dir) LoadRelation(model, field string) (*models.RelationExport, error) {
	var exp models.RelationExport
	if err := readFile(d.RelationPath(model, field), &exp); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s.%s", ErrNotStaged, model, field)
		}
		return nil, err
	}
	return &exp, nil
}

// SaveRelation writes the pairs of a many2many field
func (d *Dir) SaveRelation(model, field string, exp *models.RelationExport) error {
	if exp.ExportTimestamp.IsZero() {
		exp.ExportTimestamp = time.Now().UTC()
	}
	exp.RecordCount = len(exp.Records)
	return writeFile(d.RelationPath(model, field), exp)
}

// RelationFromExport rebuilds the pairs of a many2many field from the
// owner's export. Pairs are ordered by left then right id.
func RelationFromExport(exp *models.StagedExport, field, right string) *models.RelationExport {
	rel := &models.RelationExport{
		EntityType:      exp.EntityType + "__" + field,
		LeftEntity:      exp.EntityType,
		RightEntity:     right,
		ExportTimestamp: exp.ExportTimestamp,
		FieldList:       []string{"left_id", "right_id"},
	}
	for _, rec := range exp.Records {
		left := rec.ID()
		if left <= 0 {
			continue
		}
		for _, r := range models.AsIDList(rec[field]) {
			rel.Records = append(rel.Records, models.RelationPair{LeftID: left, RightID: r})
		}
	}
	sort.Slice(rel.Records, func(i, j int) bool {
		a, b := rel.Records[i], rel.Records[j]
		if a.LeftID != b.LeftID {
			return a.LeftID < b.LeftID
		}
		return a.RightID < b.RightID
	})
	rel.RecordCount = len(rel.Records)
	return rel
}

// ErrorFile is the on-disk error log of one entity type
type ErrorFile struct {
	EntityType string              `json:"entity_type"`
	Updated    time.Time           `json:"updated"`
	Errors     []models.ErrorEntry `json:"errors"`
}

// AppendErrors adds entries to the error file of model. Earlier entries,
// from this run or previous ones, are kept.
func (d *Dir) AppendErrors(model string, entries []models.ErrorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.ErrorPath(model)
	file := ErrorFile{EntityType: model}
	if err := readFile(path, &file); err != nil && !os.IsNotExist(err) {
		return err
	}
	now := time.Now().UTC()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		file.Errors = append(file.Errors, e)
	}
	file.Updated = now
	return writeFile(path, &file)
}

// LoadErrors returns the logged errors of model
func (d *Dir) LoadErrors(model string) ([]models.ErrorEntry, error) {
	var file ErrorFile
	if err := readFile(d.ErrorPath(model), &file); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return file.Errors, nil
}

func readFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeFile replaces path atomically
func writeFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
