package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/remote"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// RemoteProcedure is the target-side batch method, called on the mapping model
const RemoteProcedure = "migrate_batch"

const (
	// busyRetry is how often a busy worker is asked again
	busyRetry = 25 * time.Millisecond
	// recordAttempts bounds the mapping writes after a successful create
	recordAttempts = 3
)

// Target is the part of the target client the creator needs
type Target interface {
	Execute(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
	Create(ctx context.Context, model string, records []map[string]interface{}) ([]int, error)
}

// Mapping is the part of the mapping store the creator needs
type Mapping interface {
	Model() string
	Lookup(ctx context.Context, model string, sourceIDs []int) (map[int]int, error)
	Record(ctx context.Context, entries []models.MappingRecord) error
}

// Config controls reconciliation polling
type Config struct {
	PollInterval time.Duration
	PollCeiling  time.Duration
	// UseRemoteProcedure tries migrate_batch before falling back to create
	UseRemoteProcedure bool
}

// DefaultConfig polls every 10s for up to 300s
func DefaultConfig() Config {
	return Config{
		PollInterval:       10 * time.Second,
		PollCeiling:        300 * time.Second,
		UseRemoteProcedure: true,
	}
}

// Creator runs batch creates one at a time on a single worker while the
// caller polls the mapping store for out-of-band completion
type Creator struct {
	target  Target
	mapping Mapping
	cfg     Config
	pool    *ants.Pool
	logger  zerolog.Logger

	remoteOK atomic.Bool
}

type attemptOutcome struct {
	result models.BatchResult
	err    error
}

// NewCreator creates a batch creator. Call Release when done.
func NewCreator(target Target, mapping Mapping, cfg Config, logger zerolog.Logger) (*Creator, error) {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollCeiling <= 0 {
		cfg.PollCeiling = def.PollCeiling
	}

	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch worker: %w", err)
	}

	c := &Creator{
		target:  target,
		mapping: mapping,
		cfg:     cfg,
		pool:    pool,
		logger:  logger.With().Str("component", "batch").Logger(),
	}
	c.remoteOK.Store(cfg.UseRemoteProcedure)
	return c, nil
}

// Release stops the worker
func (c *Creator) Release() {
	c.pool.Release()
}

// RemoteProcedureAvailable reports whether migrate_batch is still in use
func (c *Creator) RemoteProcedureAvailable() bool {
	return c.remoteOK.Load()
}

// BatchCreate creates the items that are not mapped yet and records their
// mapping. Already-mapped items are reported as skipped. Calling it twice with
// the same items creates nothing the second time.
func (c *Creator) BatchCreate(ctx context.Context, model string, items []Item, batchID string) (models.BatchResult, error) {
	return c.BatchCreateAs(ctx, model, model, items, batchID)
}

// BatchCreateAs is BatchCreate for an entity type stored under another name
// on the target. Mapping rows keep the source name.
func (c *Creator) BatchCreateAs(ctx context.Context, model, target string, items []Item, batchID string) (models.BatchResult, error) {
	result := models.NewBatchResult()
	if err := Validate(items); err != nil {
		return result, err
	}
	if len(items) == 0 {
		return result, nil
	}

	log := c.logger.With().Str("model", model).Str("batch", batchID).Logger()
	if target == "" {
		target = model
	}

	existing, err := c.mapping.Lookup(ctx, model, SourceIDs(items))
	if err != nil {
		return result, fmt.Errorf("batch %s: %w", batchID, err)
	}

	var pending []Item
	for _, item := range items {
		if dst, ok := existing[item.SourceID]; ok {
			result.Skipped[item.SourceID] = dst
			continue
		}
		pending = append(pending, item)
	}
	if len(pending) == 0 {
		log.Debug().Int("skipped", len(result.Skipped)).Msg("Batch already migrated")
		return result, nil
	}

	start := time.Now()
	ceiling := time.NewTimer(c.cfg.PollCeiling)
	defer ceiling.Stop()

	// The call outlives a cancelled caller; the next run reconciles it
	done := make(chan attemptOutcome, 1)
	attemptCtx := context.WithoutCancel(ctx)
	err = c.submit(ctx, ceiling.C, func() {
		done <- c.attempt(attemptCtx, model, target, pending, batchID)
	})
	if errors.Is(err, errWorkerBusy) {
		terr := &TimeoutError{Model: model, BatchID: batchID, Pending: SourceIDs(pending), Waited: time.Since(start)}
		sort.Ints(terr.Pending)
		for _, id := range terr.Pending {
			result.Errors[id] = terr.Error()
		}
		log.Warn().Msg("Worker still busy with an earlier batch, batch not sent")
		return result, terr
	}
	if err != nil {
		return result, fmt.Errorf("submit batch %s: %w", batchID, err)
	}

	outcome, err := c.wait(ctx, model, batchID, SourceIDs(pending), done, start, ceiling.C)
	result.Merge(outcome)
	return result, err
}

var errWorkerBusy = errors.New("batch worker busy")

// submit hands task to the worker. A call that outlived its own batch may
// still hold it; submit waits for it no longer than ctx and ceiling allow.
func (c *Creator) submit(ctx context.Context, ceiling <-chan time.Time, task func()) error {
	retry := time.NewTicker(busyRetry)
	defer retry.Stop()
	for {
		err := c.pool.Submit(task)
		if !errors.Is(err, ants.ErrPoolOverload) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ceiling:
			return errWorkerBusy
		case <-retry.C:
		}
	}
}

func (c *Creator) attempt(ctx context.Context, model, target string, items []Item, batchID string) (out attemptOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = attemptOutcome{err: fmt.Errorf("batch %s aborted: %v", batchID, r)}
		}
	}()

	if c.remoteOK.Load() {
		res, err := c.callRemote(ctx, model, target, items, batchID)
		if err == nil {
			return attemptOutcome{result: res}
		}
		if !remote.IsMissingMethod(err) {
			return attemptOutcome{err: err}
		}
		c.remoteOK.Store(false)
		c.logger.Warn().Err(err).Msg("Remote batch procedure unavailable, using create")
	}

	res, err := c.createAndRecord(ctx, model, target, items, batchID)
	return attemptOutcome{result: res, err: err}
}

func (c *Creator) callRemote(ctx context.Context, model, target string, items []Item, batchID string) (models.BatchResult, error) {
	records := make([]interface{}, len(items))
	ids := make([]interface{}, len(items))
	for i, item := range items {
		clean, _ := remote.Sanitize(item.Values, c.logger)
		records[i] = clean
		ids[i] = item.SourceID
	}

	var kwargs map[string]interface{}
	if target != model {
		kwargs = map[string]interface{}{"source_model": model}
	}
	raw, err := c.target.Execute(ctx, c.mapping.Model(), RemoteProcedure,
		[]interface{}{target, records, ids, batchID}, kwargs)
	if err != nil {
		return models.BatchResult{}, err
	}
	return parseRemoteResult(raw, SourceIDs(items))
}

// parseRemoteResult reads {created: {src: dst}, skipped: {src: dst}, errors: {src: msg}}
func parseRemoteResult(raw interface{}, sent []int) (models.BatchResult, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return models.BatchResult{}, fmt.Errorf("unexpected %s result of type %T", RemoteProcedure, raw)
	}

	res := models.NewBatchResult()
	pairs := func(key string, into map[int]int) {
		section, _ := m[key].(map[string]interface{})
		for k, v := range section {
			src, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			if dst, ok := models.AsInt(v); ok && dst > 0 {
				into[src] = dst
			}
		}
	}
	pairs("created", res.Created)
	pairs("skipped", res.Skipped)

	if section, ok := m["errors"].(map[string]interface{}); ok {
		for k, v := range section {
			if src, err := strconv.Atoi(k); err == nil {
				res.Errors[src] = fmt.Sprint(v)
			}
		}
	}

	for _, id := range sent {
		_, c := res.Created[id]
		_, s := res.Skipped[id]
		_, e := res.Errors[id]
		if !c && !s && !e {
			res.Errors[id] = "no disposition returned by " + RemoteProcedure
		}
	}
	return res, nil
}

func (c *Creator) createAndRecord(ctx context.Context, model, target string, items []Item, batchID string) (models.BatchResult, error) {
	res := models.NewBatchResult()

	values := make([]map[string]interface{}, len(items))
	for i, item := range items {
		values[i] = item.Values
	}
	ids, err := c.target.Create(ctx, target, values)
	if err != nil {
		if len(ids) > 0 {
			// ids cannot be paired with items, so none of them is mapped
			c.orphaned(model, batchID, ids, err)
			for _, item := range items {
				res.Errors[item.SourceID] = fmt.Sprintf("%v; target ids %v exist without mapping", err, ids)
			}
		}
		return res, fmt.Errorf("create %s batch %s: %w", model, batchID, err)
	}

	entries := make([]models.MappingRecord, len(items))
	for i, item := range items {
		entries[i] = models.MappingRecord{
			Model:    model,
			SourceID: item.SourceID,
			TargetID: ids[i],
			BatchID:  batchID,
			Status:   models.StatusCreated,
		}
	}
	if err := c.record(ctx, entries); err != nil {
		c.orphaned(model, batchID, ids, err)
		for i, item := range items {
			res.Errors[item.SourceID] = fmt.Sprintf("created as target id %d without mapping: %v", ids[i], err)
		}
		return res, fmt.Errorf("target ids %v created without mapping: %w", ids, err)
	}
	for i, item := range items {
		res.Created[item.SourceID] = ids[i]
	}
	return res, nil
}

// record writes mapping entries, retrying on its own since the records
// already exist on the target
func (c *Creator) record(ctx context.Context, entries []models.MappingRecord) error {
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = c.mapping.Record(ctx, entries); err == nil {
			return nil
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("entries", len(entries)).Msg("Mapping write failed")
		if attempt == recordAttempts {
			break
		}
		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func (c *Creator) orphaned(model, batchID string, ids []int, err error) {
	c.logger.Error().
		Err(err).
		Str("model", model).
		Str("batch", batchID).
		Ints("target_ids", ids).
		Msg("Target records created without mapping, a rerun will create them again")
}

// wait blocks until the attempt returns or reconciliation confirms every
// pending id, whichever comes first
func (c *Creator) wait(ctx context.Context, model, batchID string, pending []int, done <-chan attemptOutcome, start time.Time, ceiling <-chan time.Time) (models.BatchResult, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	log := c.logger.With().Str("model", model).Str("batch", batchID).Logger()

	for {
		select {
		case out := <-done:
			if out.err == nil {
				return out.result, nil
			}
			log.Warn().Err(out.err).Msg("Batch call failed, reconciling")
			return c.settle(ctx, model, pending, out), out.err

		case <-ticker.C:
			found := c.reconcile(ctx, model, pending)
			if len(found) == len(pending) {
				log.Info().Int("records", len(found)).Msg("Batch confirmed by reconciliation")
				res := models.NewBatchResult()
				res.Created = found
				return res, nil
			}
			log.Debug().
				Int("confirmed", len(found)).
				Int("pending", len(pending)).
				Dur("elapsed", time.Since(start)).
				Msg("Waiting for batch")

		case <-ceiling:
			found := c.reconcile(ctx, model, pending)
			res := models.NewBatchResult()
			res.Created = found
			if len(found) == len(pending) {
				return res, nil
			}
			terr := &TimeoutError{Model: model, BatchID: batchID, Waited: time.Since(start)}
			for _, id := range pending {
				if _, ok := found[id]; !ok {
					terr.Pending = append(terr.Pending, id)
					res.Errors[id] = terr.Error()
				}
			}
			sort.Ints(terr.Pending)
			return res, terr

		case <-ctx.Done():
			return models.NewBatchResult(), ctx.Err()
		}
	}
}

// settle reports reconciled ids as created and the rest as failed, keeping
// the attempt's own message for an id when it has one
func (c *Creator) settle(ctx context.Context, model string, pending []int, out attemptOutcome) models.BatchResult {
	res := models.NewBatchResult()
	res.Created = c.reconcile(ctx, model, pending)
	for _, id := range pending {
		if _, ok := res.Created[id]; ok {
			continue
		}
		if msg, ok := out.result.Errors[id]; ok {
			res.Errors[id] = msg
		} else {
			res.Errors[id] = out.err.Error()
		}
	}
	return res
}

// reconcile returns the pending ids that now have a mapping record
func (c *Creator) reconcile(ctx context.Context, model string, pending []int) map[int]int {
	found, err := c.mapping.Lookup(ctx, model, pending)
	if err != nil {
		c.logger.Warn().Err(err).Str("model", model).Msg("Reconciliation lookup failed")
		return make(map[int]int)
	}
	return found
}
