package mapping

import (
	"context"
	"fmt"
	"sort"

	"github.com/ha1tch/xmigrate/pkg/cache"
	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/rs/zerolog"
)

// Remote is the part of the target client the mapping store needs
type Remote interface {
	SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, offset, limit int) ([]models.Record, error)
	Create(ctx context.Context, model string, records []map[string]interface{}) ([]int, error)
}

// Store reads and writes mapping records kept in the target itself.
// model_name holds the source entity type name.
type Store struct {
	remote    Remote
	model     string
	cache     cache.MappingCache
	logger    zerolog.Logger
	pageSize  int
	chunkSize int
}

// Option configures a Store
type Option func(*Store)

// WithCache puts a lookup cache in front of the remote reads
func WithCache(c cache.MappingCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithChunkSize bounds the records per create call and ids per lookup
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithPageSize sets the page size of the full mapping load
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewStore creates a mapping store on the given target record type
func NewStore(r Remote, model string, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		remote:    r,
		model:     model,
		cache:     cache.NopCache{},
		logger:    logger.With().Str("component", "mapping").Logger(),
		pageSize:  1000,
		chunkSize: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the target record type holding mapping records
func (s *Store) Model() string {
	return s.model
}

var mappingFields = []string{"v_source_id", "v_target_id", "status"}

func successDomain(model string) []interface{} {
	return []interface{}{
		[]interface{}{"model_name", "=", model},
		[]interface{}{"status", "in", []interface{}{string(models.StatusCreated), string(models.StatusSkipped)}},
	}
}

// collect folds rows into pairs, keeping the earliest row per source id
func collect(rows []models.Record, into map[int]int) {
	for _, row := range rows {
		src, ok := models.AsInt(row["v_source_id"])
		if !ok || src <= 0 {
			continue
		}
		dst, ok := models.AsInt(row["v_target_id"])
		if !ok || dst <= 0 {
			continue
		}
		if _, seen := into[src]; !seen {
			into[src] = dst
		}
	}
}

// Existing loads every created or skipped pair of an entity type
func (s *Store) Existing(ctx context.Context, model string) (map[int]int, error) {
	pairs := make(map[int]int)
	for offset := 0; ; offset += s.pageSize {
		rows, err := s.remote.SearchRead(ctx, s.model, successDomain(model), mappingFields, offset, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("load mapping for %s: %w", model, err)
		}
		collect(rows, pairs)
		if len(rows) < s.pageSize {
			break
		}
	}

	if err := s.cache.Put(ctx, model, pairs); err != nil {
		s.logger.Warn().Err(err).Str("model", model).Msg("Failed to fill mapping cache")
	}
	s.logger.Debug().Str("model", model).Int("pairs", len(pairs)).Msg("Loaded existing mapping")
	return pairs, nil
}

// Lookup returns the target ids of the given source ids that are mapped
func (s *Store) Lookup(ctx context.Context, model string, sourceIDs []int) (map[int]int, error) {
	found, err := s.cache.Get(ctx, model, sourceIDs)
	if err != nil {
		s.logger.Warn().Err(err).Str("model", model).Msg("Mapping cache read failed")
		found = make(map[int]int)
	}

	var misses []int
	for _, id := range sourceIDs {
		if _, ok := found[id]; !ok && id > 0 {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return found, nil
	}

	fetched := make(map[int]int)
	for start := 0; start < len(misses); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(misses) {
			end = len(misses)
		}
		domain := append(successDomain(model),
			[]interface{}{"v_source_id", "in", intsToInterfaces(misses[start:end])})
		rows, err := s.remote.SearchRead(ctx, s.model, domain, mappingFields, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("lookup mapping for %s: %w", model, err)
		}
		collect(rows, fetched)
	}

	if len(fetched) > 0 {
		if err := s.cache.Put(ctx, model, fetched); err != nil {
			s.logger.Warn().Err(err).Str("model", model).Msg("Failed to fill mapping cache")
		}
	}
	for src, dst := range fetched {
		found[src] = dst
	}
	return found, nil
}

// Resolve returns the target id of one source id
func (s *Store) Resolve(ctx context.Context, model string, sourceID int) (int, bool, error) {
	found, err := s.Lookup(ctx, model, []int{sourceID})
	if err != nil {
		return 0, false, err
	}
	dst, ok := found[sourceID]
	return dst, ok, nil
}

// Record writes mapping records in chunks. Created and skipped entries must
// carry a target id.
func (s *Store) Record(ctx context.Context, entries []models.MappingRecord) error {
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		if (e.Status == models.StatusCreated || e.Status == models.StatusSkipped) && e.TargetID <= 0 {
			return fmt.Errorf("mapping %s without target id", e.Label())
		}
	}

	// Stable order keeps mapping row ids aligned with source ids
	sorted := append([]models.MappingRecord(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	written := make(map[string]map[int]int)
	for start := 0; start < len(sorted); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[start:end]

		payload := make([]map[string]interface{}, len(chunk))
		for i, e := range chunk {
			payload[i] = e.Values()
		}
		if _, err := s.remote.Create(ctx, s.model, payload); err != nil {
			return fmt.Errorf("write %d mapping records: %w", len(chunk), err)
		}

		for _, e := range chunk {
			if e.Status == models.StatusError {
				continue
			}
			if written[e.Model] == nil {
				written[e.Model] = make(map[int]int)
			}
			written[e.Model][e.SourceID] = e.TargetID
		}
	}

	for model, pairs := range written {
		if err := s.cache.Put(ctx, model, pairs); err != nil {
			s.logger.Warn().Err(err).Str("model", model).Msg("Failed to fill mapping cache")
		}
	}
	return nil
}

// Invalidate drops cached pairs of an entity type
func (s *Store) Invalidate(ctx context.Context, model string) error {
	return s.cache.Invalidate(ctx, model)
}

func intsToInterfaces(ids []int) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
