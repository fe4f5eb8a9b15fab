package migrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ha1tch/xmigrate/pkg/batch"
	"github.com/ha1tch/xmigrate/pkg/config"
	"github.com/ha1tch/xmigrate/pkg/graph"
	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/projector"
	"github.com/ha1tch/xmigrate/pkg/remap"
	"github.com/ha1tch/xmigrate/pkg/staging"
	"github.com/ha1tch/xmigrate/pkg/validation"
	"github.com/rs/zerolog"
)

// Source is the part of the source client the driver needs
type Source interface {
	FieldsGet(ctx context.Context, model string) models.Catalog
	Count(ctx context.Context, model string, domain []interface{}) int
	ReadAll(ctx context.Context, model string, domain []interface{}, fields []string, pageSize int) ([]models.Record, error)
}

// Target is the part of the target client the driver needs
type Target interface {
	FieldsGet(ctx context.Context, model string) models.Catalog
	LinkTarget
	projector.Target
}

// Mapping is the part of the mapping store the driver needs
type Mapping interface {
	Existing(ctx context.Context, model string) (map[int]int, error)
	Lookup
	projector.Resolver
}

// Creator submits batches. model names the mapping rows, target the entity
// type created.
type Creator interface {
	BatchCreateAs(ctx context.Context, model, target string, items []batch.Item, batchID string) (models.BatchResult, error)
}

// Observer receives batch outcomes, for metrics
type Observer interface {
	ObserveBatch(model string, result models.BatchResult, err error, elapsed time.Duration)
	ObserveRejected(model string, n int)
}

// Options configure a driver
type Options struct {
	Plan         *config.Plan
	Tables       *remap.Tables
	Strategies   *projector.Registry
	BatchSize    int
	ReadPageSize int

	// Only limits the run to these entity types; empty runs the whole plan
	Only []string

	RunID    string
	Observer Observer
	Tracker  *Tracker
	Now      func() time.Time
}

// Driver migrates the entity types of a plan in dependency order
type Driver struct {
	source  Source
	target  Target
	mapping Mapping
	creator Creator
	staging *staging.Dir
	linker  *Linker
	names   *projector.NameResolver
	opts    Options
	tracker *Tracker
	base    zerolog.Logger
	logger  zerolog.Logger

	sourceCatalogs map[string]models.Catalog
	targetCatalogs map[string]models.Catalog
	validator      validation.Validator
}

// New creates a driver. A run id is generated when none is given.
func New(source Source, target Target, mapping Mapping, creator Creator, dir *staging.Dir, opts Options, logger zerolog.Logger) *Driver {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ReadPageSize <= 0 {
		opts.ReadPageSize = 500
	}
	if opts.Tables == nil {
		opts.Tables = remap.New()
	}
	if opts.Strategies == nil {
		opts.Strategies = projector.DefaultRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tracker == nil {
		opts.Tracker = NewTracker(opts.RunID)
	}

	logger = logger.With().Str("run", opts.RunID).Logger()
	return &Driver{
		source:         source,
		target:         target,
		mapping:        mapping,
		creator:        creator,
		staging:        dir,
		linker:         NewLinker(target, mapping, dir, logger),
		names:          projector.NewNameResolver(target, logger),
		opts:           opts,
		tracker:        opts.Tracker,
		base:           logger,
		logger:         logger.With().Str("component", "driver").Logger(),
		sourceCatalogs: make(map[string]models.Catalog),
		targetCatalogs: make(map[string]models.Catalog),
		validator:      validation.NewCatalogValidator(),
	}
}

// RunID returns the id stamped on logs and error entries
func (d *Driver) RunID() string {
	return d.opts.RunID
}

// Tracker returns the progress tracker of the run
func (d *Driver) Tracker() *Tracker {
	return d.tracker
}

func (d *Driver) sourceCatalog(ctx context.Context, model string) models.Catalog {
	if c, ok := d.sourceCatalogs[model]; ok {
		return c
	}
	c := d.source.FieldsGet(ctx, model)
	d.sourceCatalogs[model] = c
	return c
}

func (d *Driver) targetCatalog(ctx context.Context, model string) models.Catalog {
	if c, ok := d.targetCatalogs[model]; ok {
		return c
	}
	c := d.target.FieldsGet(ctx, model)
	d.targetCatalogs[model] = c
	return c
}

// Order computes the migration order. Entity types missing from the source
// are returned separately and left out of the order.
func (d *Driver) Order(ctx context.Context) (graph.Plan, *graph.IndexedGraph, []string) {
	var present, missing []string
	catalogs := make(map[string]models.Catalog)
	for _, spec := range d.opts.Plan.Models {
		c := d.sourceCatalog(ctx, spec.Source)
		if len(c) == 0 {
			missing = append(missing, spec.Source)
			continue
		}
		present = append(present, spec.Source)
		catalogs[spec.Source] = c
	}

	g := graph.Build(present, catalogs, d.opts.Plan.Dependencies)
	plan := g.Order(present)
	for _, e := range plan.Broken {
		g.RemoveEdge(e.From, e.To)
		d.logger.Warn().Str("edge", e.String()).Msg("Dependency cycle, edge ignored for ordering")
	}
	return plan, g, missing
}

// ordered returns the entries of the run in migration order, and the set of
// entity types the mapping can resolve: every plan entry present in the
// source, including those left out by Options.Only
func (d *Driver) ordered(ctx context.Context) ([]models.EntitySpec, map[string]bool) {
	plan, _, missing := d.Order(ctx)

	only := make(map[string]bool, len(d.opts.Only))
	for _, m := range d.opts.Only {
		only[m] = true
	}
	inRun := func(model string) bool { return len(only) == 0 || only[model] }

	var run []models.EntitySpec
	for _, spec := range d.opts.Plan.Models {
		if inRun(spec.Source) {
			run = append(run, spec)
		}
	}
	d.tracker.SetOrder(run)
	for _, m := range missing {
		if inRun(m) {
			d.logger.Warn().Str("model", m).Msg("Entity type not found in source, skipping")
			d.tracker.setState(m, StateSkipped, "not found in source")
		}
	}

	selected := make(map[string]bool, len(plan.Steps))
	specs := make([]models.EntitySpec, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		selected[step.Model] = true
		if inRun(step.Model) {
			spec, _ := d.opts.Plan.Spec(step.Model)
			specs = append(specs, spec)
		}
	}
	return specs, selected
}

// projectorFor builds the projector of an entity type, or reports why the
// entity type cannot be migrated
func (d *Driver) projectorFor(ctx context.Context, spec models.EntitySpec, selected map[string]bool) (*projector.Projector, string) {
	src := d.sourceCatalog(ctx, spec.Source)
	if len(src) == 0 {
		return nil, "not found in source"
	}
	tgt := d.targetCatalog(ctx, spec.TargetName())
	if len(tgt) == 0 {
		return nil, "not found in target"
	}

	return projector.New(projector.Options{
		Spec:              spec,
		Source:            src,
		Target:            tgt,
		Selected:          selected,
		Mapping:           d.mapping,
		Tables:            d.opts.Tables,
		Names:             d.names,
		Strategies:        d.opts.Strategies,
		Validator:         d.validator,
		Defaults:          d.opts.Plan.Defaults[spec.Source],
		ForceMany2one:     d.opts.Plan.ForceMany2one[spec.Source],
		ComputeExceptions: d.opts.Plan.ComputeExceptions,
		Now:               d.opts.Now,
	}, d.base), ""
}

// Run migrates every entity type, then links many2many relations
func (d *Driver) Run(ctx context.Context) (models.Stats, error) {
	var total models.Stats
	specs, selected := d.ordered(ctx)
	d.logger.Info().Int("models", len(specs)).Msg("Migration started")

	migrated := make([]models.EntitySpec, 0, len(specs))
	for _, spec := range specs {
		stats, err := d.migrateModel(ctx, spec, selected)
		total.Add(stats)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			d.logger.Error().Err(err).Str("model", spec.Source).Msg("Entity type failed")
			continue
		}
		if mp, _ := d.tracker.Model(spec.Source); mp.State == StateDone {
			migrated = append(migrated, spec)
		}
	}

	if _, err := d.link(ctx, migrated, selected); err != nil {
		return total, err
	}

	d.logger.Info().
		Int("created", total.Created).
		Int("skipped", total.Skipped).
		Int("errors", total.Errors).
		Int("total", total.Total).
		Msg("Migration finished")
	return total, nil
}

// Export stages every entity type without migrating
func (d *Driver) Export(ctx context.Context) error {
	specs, _ := d.ordered(ctx)
	for _, spec := range specs {
		d.tracker.setState(spec.Source, StateStaging, "")
		if _, err := d.stage(ctx, spec); err != nil {
			d.tracker.setState(spec.Source, StateFailed, err.Error())
			return err
		}
		d.tracker.setState(spec.Source, StateDone, "")
	}
	return nil
}

// Link runs the relation pass alone, for entity types migrated earlier
func (d *Driver) Link(ctx context.Context) (LinkStats, error) {
	specs, selected := d.ordered(ctx)
	return d.link(ctx, specs, selected)
}

func (d *Driver) link(ctx context.Context, specs []models.EntitySpec, selected map[string]bool) (LinkStats, error) {
	var total LinkStats
	for _, spec := range specs {
		p, reason := d.projectorFor(ctx, spec, selected)
		if p == nil {
			d.logger.Warn().Str("model", spec.Source).Str("reason", reason).Msg("Skipping relation pass")
			continue
		}
		src := d.sourceCatalog(ctx, spec.Source)
		var fields []LinkField
		for _, name := range p.DeferredFields() {
			fields = append(fields, LinkField{Name: name, Relation: src[name].Relation})
		}
		if len(fields) == 0 {
			continue
		}

		d.tracker.setState(spec.Source, StateLinking, "")
		stats, err := d.linker.Link(ctx, spec, fields)
		d.tracker.update(spec.Source, func(mp *ModelProgress) { mp.Links = stats })
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			d.logger.Error().Err(err).Str("model", spec.Source).Msg("Relation pass failed")
			d.tracker.setState(spec.Source, StateFailed, err.Error())
			continue
		}
		d.tracker.setState(spec.Source, StateDone, "")
		total.Add(stats)
	}
	return total, nil
}

// stage returns the staged export of an entity type, reading the source
// when none exists
func (d *Driver) stage(ctx context.Context, spec models.EntitySpec) (*models.StagedExport, error) {
	exp, err := d.staging.LoadExport(spec.Source, spec.JSONFile)
	if err == nil {
		d.logger.Info().Str("model", spec.Source).Int("records", len(exp.Records)).Msg("Using staged export")
		return exp, nil
	}
	if !errors.Is(err, staging.ErrNotStaged) {
		return nil, err
	}

	catalog := d.sourceCatalog(ctx, spec.Source)
	fields := readFields(catalog, d.opts.Plan.ComputeExceptions)
	expected := d.source.Count(ctx, spec.Source, nil)
	d.logger.Info().Str("model", spec.Source).Int("expected", expected).Int("fields", len(fields)).Msg("Exporting from source")

	records, err := d.source.ReadAll(ctx, spec.Source, nil, fields, d.opts.ReadPageSize)
	if err != nil {
		return nil, err
	}
	if expected > 0 && len(records) != expected {
		d.logger.Warn().Str("model", spec.Source).Int("expected", expected).Int("read", len(records)).Msg("Read count differs from source count")
	}

	exp = &models.StagedExport{
		EntityType:      spec.Source,
		ExportTimestamp: d.opts.Now().UTC(),
		FieldList:       fields,
		Records:         records,
	}
	if err := d.staging.SaveExport(exp, spec.JSONFile); err != nil {
		return nil, err
	}
	return exp, nil
}

// readFields lists the stored fields plus the computed ones a projection may
// still read
func readFields(catalog models.Catalog, exceptions []string) []string {
	fields := []string{"id"}
	seen := map[string]bool{"id": true}
	for _, name := range catalog.Stored() {
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	extra := append([]string{"display_name"}, exceptions...)
	for _, name := range extra {
		if _, ok := catalog[name]; ok && !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	return fields
}

// migrateModel runs one entity type through staging, filtering, ordering
// and batching
func (d *Driver) migrateModel(ctx context.Context, spec models.EntitySpec, selected map[string]bool) (models.Stats, error) {
	var stats models.Stats
	model := spec.Source
	log := d.logger.With().Str("model", model).Logger()

	p, reason := d.projectorFor(ctx, spec, selected)
	if p == nil {
		log.Warn().Str("reason", reason).Msg("Skipping entity type")
		d.tracker.setState(model, StateSkipped, reason)
		return stats, nil
	}
	for field, why := range p.Dropped() {
		log.Debug().Str("field", field).Str("reason", why).Msg("Field not transferred")
	}

	fail := func(err error) (models.Stats, error) {
		d.tracker.setState(model, StateFailed, err.Error())
		return stats, err
	}

	d.tracker.setState(model, StateStaging, "")
	exp, err := d.stage(ctx, spec)
	if err != nil {
		return fail(fmt.Errorf("staging %s: %w", model, err))
	}

	d.tracker.setState(model, StateFiltering, "")
	existing, err := d.mapping.Existing(ctx, model)
	if err != nil {
		return fail(fmt.Errorf("filtering %s: %w", model, err))
	}
	var remaining []models.Record
	for _, rec := range exp.Records {
		if _, done := existing[rec.ID()]; done {
			stats.Skipped++
			continue
		}
		remaining = append(remaining, rec)
	}
	stats.Total = len(exp.Records)
	d.tracker.update(model, func(mp *ModelProgress) {
		mp.Records = len(exp.Records)
		mp.AlreadyMapped = stats.Skipped
		mp.Stats = stats
	})
	log.Info().Int("records", len(exp.Records)).Int("already_mapped", stats.Skipped).Msg("Filtered staged records")

	d.tracker.setState(model, StateOrdering, "")
	levels, cyclic := selfRefLevels(remaining, p.SelfReferences())
	if cyclic > 0 {
		log.Warn().Int("records", cyclic).Msg("Self-reference cycle, references in it may resolve to none")
	}
	totalBatches := 0
	for _, level := range levels {
		totalBatches += (len(level) + d.opts.BatchSize - 1) / d.opts.BatchSize
	}
	d.tracker.update(model, func(mp *ModelProgress) { mp.Batches = totalBatches })

	d.tracker.setState(model, StateBatching, "")
	seq := 0
	for _, level := range levels {
		for start := 0; start < len(level); start += d.opts.BatchSize {
			end := start + d.opts.BatchSize
			if end > len(level) {
				end = len(level)
			}
			seq++
			batchID := fmt.Sprintf("%s_%d_%d", model, seq, totalBatches)

			res, err := d.runBatch(ctx, spec, p, level[start:end], batchID)
			stats.Created += len(res.Created)
			stats.Skipped += len(res.Skipped)
			stats.Errors += len(res.Errors)
			d.tracker.update(model, func(mp *ModelProgress) {
				mp.BatchesDone = seq
				mp.Stats = stats
			})
			log.Info().
				Str("batch", batchID).
				Int("created", stats.Created).
				Int("skipped", stats.Skipped).
				Int("errors", stats.Errors).
				Msg("Batch done")
			if err != nil && ctx.Err() != nil {
				return fail(ctx.Err())
			}
		}
	}

	d.tracker.setState(model, StateDone, "")
	log.Info().
		Int("created", stats.Created).
		Int("skipped", stats.Skipped).
		Int("errors", stats.Errors).
		Int("total", stats.Total).
		Msg("Entity type migrated")
	return stats, nil
}

// runBatch projects and submits one chunk of records. Every record ends up
// created, skipped or logged to the error file.
func (d *Driver) runBatch(ctx context.Context, spec models.EntitySpec, p *projector.Projector, records []models.Record, batchID string) (models.BatchResult, error) {
	model := spec.Source
	res := models.NewBatchResult()
	var entries []models.ErrorEntry
	snapshots := make(map[int]models.Record, len(records))

	items := make([]batch.Item, 0, len(records))
	for _, rec := range records {
		snapshots[rec.ID()] = rec
		out := p.Project(ctx, rec)
		if out.Err != nil {
			res.Errors[out.SourceID] = out.Err.Error()
			continue
		}
		items = append(items, batch.Item{SourceID: out.SourceID, Values: out.Values})
	}
	if d.opts.Observer != nil {
		d.opts.Observer.ObserveRejected(model, len(res.Errors))
	}

	var err error
	if len(items) > 0 {
		start := time.Now()
		var created models.BatchResult
		created, err = d.creator.BatchCreateAs(ctx, model, spec.TargetName(), items, batchID)
		if d.opts.Observer != nil {
			d.opts.Observer.ObserveBatch(model, created, err, time.Since(start))
		}
		res.Merge(created)
		if err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Str("model", model).Str("batch", batchID).Msg("Batch failed")
			for _, item := range items {
				_, c := res.Created[item.SourceID]
				_, s := res.Skipped[item.SourceID]
				_, e := res.Errors[item.SourceID]
				if !c && !s && !e {
					res.Errors[item.SourceID] = err.Error()
				}
			}
		}
	}

	for _, id := range sortedKeys(res.Errors) {
		entries = append(entries, models.ErrorEntry{
			SourceID:       id,
			Error:          res.Errors[id],
			BatchInfo:      batchID,
			RunID:          d.opts.RunID,
			RecordSnapshot: snapshots[id],
		})
	}
	if werr := d.staging.AppendErrors(model, entries); werr != nil {
		d.logger.Error().Err(werr).Str("model", model).Msg("Failed to write error file")
	}
	return res, err
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
