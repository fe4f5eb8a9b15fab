package projector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/remap"
	"github.com/ha1tch/xmigrate/pkg/validation"
	"github.com/rs/zerolog"
)

// Resolver translates source ids to target ids through the mapping store
type Resolver interface {
	Resolve(ctx context.Context, model string, sourceID int) (int, bool, error)
}

// Options configure the projector of one entity type
type Options struct {
	Spec   models.EntitySpec
	Source models.Catalog
	Target models.Catalog
	// Selected holds the source entity types of the run
	Selected map[string]bool

	Mapping    Resolver
	Tables     *remap.Tables
	Names      *NameResolver
	Strategies *Registry
	Validator  validation.Validator

	// Defaults are literal values for empty target fields
	Defaults          map[string]interface{}
	ForceMany2one     []string
	ComputeExceptions []string
	Now               func() time.Time
}

type fieldKind int

const (
	kindScalar fieldKind = iota
	kindMany2one
	kindDeferred
)

type fieldPlan struct {
	name   string
	kind   fieldKind
	src    models.FieldInfo
	tgt    models.FieldInfo
	forced bool
}

// Result is the outcome of projecting one record. Err is set for records
// that must not be sent.
type Result struct {
	SourceID int
	Values   map[string]interface{}
	Deferred map[string][]int
	Err      error
}

// Prepared returns the result as a prepared record
func (r Result) Prepared() models.Prepared {
	return models.Prepared{SourceID: r.SourceID, Values: r.Values, Deferred: r.Deferred}
}

// Projector turns source records of one entity type into target payloads
type Projector struct {
	model    string
	target   string
	opts     Options
	strategy Strategy
	defaults map[string]interface{}
	fields   []fieldPlan
	dropped  map[string]string
	// unsourced are required many2one fields dropped for lack of a data source
	unsourced map[string]bool
	logger    zerolog.Logger
}

var magicFields = map[string]bool{
	"id":                   true,
	"create_uid":           true,
	"create_date":          true,
	"write_uid":            true,
	"write_date":           true,
	"__last_update":        true,
	"message_ids":          true,
	"activity_ids":         true,
	"message_follower_ids": true,
}

// New decides once which fields of the entity type are transferred
func New(opts Options, logger zerolog.Logger) *Projector {
	if opts.Strategies == nil {
		opts.Strategies = DefaultRegistry()
	}
	if opts.Validator == nil {
		opts.Validator = validation.NewCatalogValidator()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ComputeExceptions == nil {
		opts.ComputeExceptions = []string{"name"}
	}

	p := &Projector{
		model:     opts.Spec.Source,
		target:    opts.Spec.TargetName(),
		opts:      opts,
		strategy:  opts.Strategies.Get(opts.Spec.Source),
		dropped:   make(map[string]string),
		unsourced: make(map[string]bool),
		logger:    logger.With().Str("component", "projector").Str("model", opts.Spec.Source).Logger(),
	}

	p.defaults = make(map[string]interface{})
	if d, ok := p.strategy.(Defaulter); ok {
		for k, v := range d.Defaults() {
			p.defaults[k] = v
		}
	}
	for k, v := range opts.Defaults {
		p.defaults[k] = v
	}

	if !opts.Validator.HasSchema(p.target) {
		opts.Validator.LoadSchema(p.target, opts.Target)
	}
	p.plan()
	return p
}

func (p *Projector) plan() {
	exceptions := toSet(p.opts.ComputeExceptions)
	forced := toSet(p.opts.ForceMany2one)
	for _, f := range p.strategy.ExtraRequiredFields() {
		forced[f] = true
	}

	for _, name := range p.opts.Source.Names() {
		src := p.opts.Source[name]
		if magicFields[name] {
			continue
		}
		tgt, ok := p.opts.Target[name]
		if !ok {
			p.dropped[name] = "absent in target"
			continue
		}
		if tgt.Type != src.Type && (src.IsRelational() || tgt.IsRelational()) {
			p.dropped[name] = fmt.Sprintf("type changed from %s to %s", src.Type, tgt.Type)
			continue
		}
		if !exceptions[name] {
			if !tgt.Store {
				p.dropped[name] = "computed in target"
				continue
			}
			if !src.Store {
				p.dropped[name] = "computed in source"
				continue
			}
			if tgt.Readonly {
				p.dropped[name] = "readonly in target"
				continue
			}
		}

		plan := fieldPlan{name: name, src: src, tgt: tgt}
		switch tgt.Type {
		case models.TypeOne2many:
			p.dropped[name] = "one2many"
			continue
		case models.TypeMany2many:
			if !p.opts.Selected[src.Relation] {
				p.dropped[name] = "many2many to " + src.Relation + " not migrated"
				continue
			}
			plan.kind = kindDeferred
		case models.TypeMany2one:
			plan.kind = kindMany2one
			plan.forced = forced[name]
			if !plan.forced && !p.hasDataSource(name, src) {
				p.dropped[name] = "many2one to " + src.Relation + " has no data source"
				if tgt.Required {
					p.unsourced[name] = true
				}
				continue
			}
		default:
			plan.kind = kindScalar
		}
		p.fields = append(p.fields, plan)
	}

	for name := range p.unsourced {
		p.logger.Warn().Str("field", name).Msg("Required many2one has no data source, leaving it empty")
	}
	p.logger.Debug().
		Int("fields", len(p.fields)).
		Int("dropped", len(p.dropped)).
		Msg("Field projection planned")
}

// hasDataSource reports whether a many2one value can be translated
func (p *Projector) hasDataSource(name string, src models.FieldInfo) bool {
	if _, ok := p.table(name); ok {
		return true
	}
	if _, ok := p.opts.Tables.NameRule(p.model, name); ok {
		return true
	}
	return p.opts.Spec.AllowMany2one && p.opts.Selected[src.Relation]
}

func (p *Projector) table(name string) (*remap.IDTable, bool) {
	if t, ok := p.opts.Tables.ForRelation(p.opts.Source[name].Relation); ok {
		return t, true
	}
	return p.opts.Tables.ForRelation(p.opts.Target[name].Relation)
}

// Fields returns the transferred field names, deferred ones included
func (p *Projector) Fields() []string {
	names := make([]string, len(p.fields))
	for i, f := range p.fields {
		names[i] = f.name
	}
	return names
}

// Dropped returns the excluded fields with the reason
func (p *Projector) Dropped() map[string]string {
	return p.dropped
}

// DeferredFields returns the many2many fields left to the linker
func (p *Projector) DeferredFields() []string {
	var names []string
	for _, f := range p.fields {
		if f.kind == kindDeferred {
			names = append(names, f.name)
		}
	}
	return names
}

// SelfReferences returns the transferred many2one fields pointing at the
// entity type itself
func (p *Projector) SelfReferences() []string {
	var names []string
	for _, f := range p.fields {
		if f.kind == kindMany2one && f.src.Relation == p.model {
			names = append(names, f.name)
		}
	}
	return names
}

// Project builds the target payload of one source record. It depends only
// on the record, the catalogs and the current mapping.
func (p *Projector) Project(ctx context.Context, rec models.Record) Result {
	res := Result{
		SourceID: rec.ID(),
		Values:   make(map[string]interface{}),
		Deferred: make(map[string][]int),
	}
	env := Env{Model: p.model, Now: p.opts.Now(), Tables: p.opts.Tables, Target: p.opts.Target}

	for _, f := range p.fields {
		raw, present := rec[f.name]
		if !present {
			continue
		}
		switch f.kind {
		case kindDeferred:
			if ids := models.AsIDList(raw); len(ids) > 0 {
				res.Deferred[f.name] = ids
			}
		case kindMany2one:
			id, ok, err := p.resolveMany2one(ctx, rec, f, raw)
			if err != nil {
				res.Err = fmt.Errorf("field %s: %w", f.name, err)
				return res
			}
			if ok {
				res.Values[f.name] = id
			} else {
				res.Values[f.name] = false
			}
		default:
			if v, keep := p.convertScalar(f, raw); keep {
				res.Values[f.name] = v
			}
		}
	}

	if err := p.strategy.DeriveFields(rec, res.Values, env); err != nil {
		res.Err = err
		return res
	}
	if err := p.applyDefaults(res.Values); err != nil {
		res.Err = err
		return res
	}
	if err := p.strategy.PostProcess(res.Values, env); err != nil {
		res.Err = err
		return res
	}

	if len(res.Values) == 0 {
		res.Err = ErrEmptyRecord
		return res
	}
	if ok, problems := p.opts.Validator.Validate(p.target, res.Values); !ok {
		res.Err = &InvalidValueError{Model: p.target, Problems: problems}
	}
	return res
}

// resolveMany2one tries the remap table, then the name rule, then the
// mapping store. A value none of them knows resolves to no reference; a
// source id is never passed through.
func (p *Projector) resolveMany2one(ctx context.Context, rec models.Record, f fieldPlan, raw interface{}) (int, bool, error) {
	id, ok := models.AsReference(raw)
	if !ok {
		return 0, false, nil
	}
	label := models.ReferenceLabel(raw)

	if table, ok := p.table(f.name); ok {
		return table.Lookup(id, label)
	}

	if rule, ok := p.opts.Tables.NameRule(p.model, f.name); ok && p.opts.Names != nil {
		parentID := 0
		if rule.ParentField != "" {
			if pid, ok := models.AsReference(rec[rule.ParentField]); ok {
				parentID, _, _ = p.translate(ctx, rule.ParentRelation, pid, models.ReferenceLabel(rec[rule.ParentField]), true)
			}
		}
		return p.opts.Names.Resolve(ctx, rule, label, parentID)
	}

	return p.translate(ctx, f.src.Relation, id, label, f.forced)
}

// translate maps an id of relation into the target. The mapping store is
// asked for selected relations, and for any relation when anyMapping is set,
// since rows written by earlier runs may know it.
func (p *Projector) translate(ctx context.Context, relation string, id int, label string, anyMapping bool) (int, bool, error) {
	if table, ok := p.opts.Tables.ForRelation(relation); ok {
		return table.Lookup(id, label)
	}
	if p.opts.Mapping == nil || !(p.opts.Selected[relation] || anyMapping) {
		return 0, false, nil
	}
	dst, ok, err := p.opts.Mapping.Resolve(ctx, relation, id)
	if err != nil || !ok {
		return 0, false, err
	}
	return dst, true, nil
}

func (p *Projector) convertScalar(f fieldPlan, raw interface{}) (interface{}, bool) {
	if p.opts.Tables != nil {
		if v, ok := p.opts.Tables.FieldValues.Apply(p.model, f.name, raw); ok {
			raw = v
		}
	}
	if raw == nil {
		return false, true
	}

	if f.tgt.Type == models.TypeSelection && len(f.tgt.Selection) > 0 && !models.IsEmpty(raw) {
		key := fmt.Sprint(raw)
		for _, opt := range f.tgt.Selection {
			if len(opt) > 0 && opt[0] == key {
				return raw, true
			}
		}
		p.logger.Debug().Str("field", f.name).Str("value", key).Msg("Selection value unknown to target")
		return nil, false
	}

	if !validation.IsRPCSafe(raw) {
		p.logger.Debug().Str("field", f.name).Str("kind", validation.ValueKind(raw)).Msg("Dropping value")
		return nil, false
	}
	return raw, true
}

// applyDefaults fills empty fields from literals and type defaults, and
// fails on required fields that have neither
func (p *Projector) applyDefaults(values map[string]interface{}) error {
	for _, name := range sortedKeys(p.defaults) {
		if _, ok := p.opts.Target[name]; !ok {
			continue
		}
		if v, has := values[name]; !has || models.IsEmpty(v) {
			values[name] = p.defaults[name]
		}
	}

	for _, name := range p.opts.Target.Names() {
		info := p.opts.Target[name]
		if !info.Required || !info.Store || info.Type == models.TypeOne2many || info.Type == models.TypeMany2many {
			continue
		}
		v, has := values[name]
		if has && !models.IsEmpty(v) {
			continue
		}
		if info.Type == models.TypeBoolean {
			values[name] = false
			continue
		}
		if def, ok := typeDefault(info); ok {
			values[name] = def
			continue
		}
		if p.unsourced[name] {
			continue
		}
		if _, inSource := p.opts.Source[name]; !inSource && !has {
			// left to the target's own default
			continue
		}
		return &MissingRequiredFieldError{Model: p.target, Field: name, Type: info.Type}
	}
	return nil
}

// typeDefault is the documented default of a required field type. char and
// many2one have none.
func typeDefault(info models.FieldInfo) (interface{}, bool) {
	switch info.Type {
	case models.TypeInteger, models.TypeFloat, models.TypeMonetary:
		return 0, true
	case models.TypeText, models.TypeHTML:
		return "", true
	case models.TypeSelection:
		if len(info.Selection) > 0 && len(info.Selection[0]) > 0 {
			return info.Selection[0][0], true
		}
	}
	return nil, false
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
