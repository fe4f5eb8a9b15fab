package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/storage"
	"github.com/rs/zerolog"
)

// MappingModel is the default name of the mapping record type in the target
const MappingModel = "migration.mapping"

// MappingSchema is the field catalog of the mapping record type
func MappingSchema() models.Catalog {
	return models.Catalog{
		"name":          {Name: "name", Type: models.TypeChar, Label: "Name", Store: true},
		"model_name":    {Name: "model_name", Type: models.TypeChar, Label: "Model", Required: true, Store: true},
		"v_source_id":   {Name: "v_source_id", Type: models.TypeInteger, Label: "Source ID", Required: true, Store: true},
		"v_target_id":   {Name: "v_target_id", Type: models.TypeInteger, Label: "Target ID", Store: true},
		"batch_id":      {Name: "batch_id", Type: models.TypeChar, Label: "Batch", Store: true},
		"error_message": {Name: "error_message", Type: models.TypeText, Label: "Error", Store: true},
		"status": {
			Name: "status", Type: models.TypeSelection, Label: "Status", Store: true,
			Selection: [][]string{{"created", "Created"}, {"skipped", "Skipped"}, {"error", "Error"}},
		},
	}
}

// LocalTransport serves the RPC verb set from a SQLite store. It backs
// rehearsal runs and tests; it does not provide migrate_batch.
type LocalTransport struct {
	store       storage.Store
	logger      zerolog.Logger
	credentials map[string]string
	owned       bool
	mu          sync.Mutex
}

// OpenLocalTransport opens the database named by a sqlite:// endpoint URL
func OpenLocalTransport(ep Endpoint, logger zerolog.Logger) (*LocalTransport, error) {
	path := strings.TrimPrefix(ep.URL, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("sqlite endpoint needs a database path")
	}
	store, err := storage.NewSQLiteStore(path, storage.DefaultSQLiteConfig(path))
	if err != nil {
		return nil, err
	}
	t, err := NewLocalTransport(store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewLocalTransport serves an existing store and installs the mapping schema
func NewLocalTransport(store storage.Store, logger zerolog.Logger) (*LocalTransport, error) {
	t := &LocalTransport{
		store:  store,
		logger: logger.With().Str("component", "local-transport").Logger(),
	}
	ctx := context.Background()
	if _, err := store.GetSchema(ctx, MappingModel); errors.Is(err, storage.ErrNoSchema) {
		if err := store.PutSchema(ctx, MappingModel, MappingSchema().ToFieldsGet()); err != nil {
			return nil, fmt.Errorf("failed to install mapping schema: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return t, nil
}

// SetCredentials restricts Authenticate to the given username/password pairs
func (t *LocalTransport) SetCredentials(creds map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credentials = creds
}

// Store exposes the backing store
func (t *LocalTransport) Store() storage.Store {
	return t.store
}

// SeedSchema registers a field catalog unless one already exists
func (t *LocalTransport) SeedSchema(ctx context.Context, model string, catalog models.Catalog) error {
	if _, err := t.store.GetSchema(ctx, model); err == nil {
		return nil
	}
	return t.store.PutSchema(ctx, model, catalog.ToFieldsGet())
}

// Authenticate accepts any non-empty username unless credentials were set
func (t *LocalTransport) Authenticate(db, username, password string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if username == "" {
		return 0, nil
	}
	if t.credentials != nil {
		expected, ok := t.credentials[username]
		if !ok || expected != password {
			return 0, nil
		}
	}
	return 1, nil
}

// Reconnect is a no-op for the local store
func (t *LocalTransport) Reconnect() error { return nil }

// Close closes the store when the transport opened it
func (t *LocalTransport) Close() error {
	if t.owned {
		return t.store.Close()
	}
	return nil
}

// Execute dispatches one RPC method
func (t *LocalTransport) Execute(db string, uid int, password, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if uid <= 0 {
		return nil, NewFault("Access Denied")
	}

	ctx := context.Background()
	catalog, err := t.catalog(ctx, model)
	if err != nil {
		return nil, err
	}

	switch method {
	case "fields_get":
		return catalog.ToFieldsGet(), nil
	case "search_read":
		return t.searchRead(ctx, model, catalog, args, kwargs)
	case "search_count":
		ids, err := t.search(ctx, model, catalog, argAt(args, 0), nil)
		if err != nil {
			return nil, err
		}
		return int64(len(ids)), nil
	case "search":
		ids, err := t.search(ctx, model, catalog, argAt(args, 0), kwargs)
		if err != nil {
			return nil, err
		}
		return wireIDs(ids), nil
	case "read":
		return t.read(ctx, model, catalog, models.AsIDList(argAt(args, 0)), fieldList(kwargs, args, 1))
	case "create":
		return t.create(ctx, model, catalog, argAt(args, 0))
	case "write":
		return t.write(ctx, model, catalog, models.AsIDList(argAt(args, 0)), argAt(args, 1))
	default:
		return nil, NewFault("The method '%s' does not exist on the model '%s'", method, model)
	}
}

func (t *LocalTransport) catalog(ctx context.Context, model string) (models.Catalog, error) {
	raw, err := t.store.GetSchema(ctx, model)
	if errors.Is(err, storage.ErrNoSchema) {
		return nil, NewFault("Object %s doesn't exist", model)
	}
	if err != nil {
		return nil, err
	}
	return models.CatalogFromFieldsGet(raw), nil
}

func argAt(args []interface{}, i int) interface{} {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func fieldList(kwargs map[string]interface{}, args []interface{}, pos int) []string {
	raw := kwargs["fields"]
	if raw == nil {
		raw = argAt(args, pos)
	}
	var fields []string
	switch v := raw.(type) {
	case []interface{}:
		for _, f := range v {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	case []string:
		fields = append(fields, v...)
	}
	return fields
}

func intsToInterfaces(ids []int) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// wireIDs renders ids the way XML-RPC decodes integers
func wireIDs(ids []int) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func (t *LocalTransport) searchRead(ctx context.Context, model string, catalog models.Catalog, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	ids, err := t.search(ctx, model, catalog, argAt(args, 0), kwargs)
	if err != nil {
		return nil, err
	}
	return t.read(ctx, model, catalog, ids, fieldList(kwargs, args, 1))
}

// search returns the ids matching domain, honouring order, offset and limit
func (t *LocalTransport) search(ctx context.Context, model string, catalog models.Catalog, domain interface{}, kwargs map[string]interface{}) ([]int, error) {
	conds, err := parseDomain(domain)
	if err != nil {
		return nil, err
	}

	docs, err := t.store.List(ctx, model)
	if err != nil {
		return nil, err
	}

	var matched []map[string]interface{}
	for _, doc := range docs {
		ok := true
		for _, c := range conds {
			if !c.match(doc, catalog) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, doc)
		}
	}

	if order, _ := kwargs["order"].(string); order != "" {
		sortDocs(matched, order)
	}

	offset, _ := models.AsInt(kwargs["offset"])
	limit, _ := models.AsInt(kwargs["limit"])
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	ids := make([]int, len(matched))
	for i, doc := range matched {
		ids[i] = models.Record(doc).ID()
	}
	return ids, nil
}

func sortDocs(docs []map[string]interface{}, order string) {
	parts := strings.Fields(strings.Split(order, ",")[0])
	if len(parts) == 0 {
		return
	}
	field := parts[0]
	desc := len(parts) > 1 && strings.EqualFold(parts[1], "desc")
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i][field], docs[j][field])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func (t *LocalTransport) read(ctx context.Context, model string, catalog models.Catalog, ids []int, fields []string) ([]interface{}, error) {
	if len(fields) == 0 {
		fields = catalog.Names()
	}

	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		doc, err := t.store.Get(ctx, model, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		rec := map[string]interface{}{"id": int64(id)}
		for _, name := range fields {
			if name == "id" {
				continue
			}
			info, known := catalog[name]
			if !known {
				continue
			}
			rec[name] = t.renderValue(ctx, info, doc[name])
		}
		out = append(out, rec)
	}
	return out, nil
}

// renderValue shapes a stored value the way the remote store returns it
func (t *LocalTransport) renderValue(ctx context.Context, info models.FieldInfo, v interface{}) interface{} {
	switch info.Type {
	case models.TypeMany2one:
		id, ok := models.AsReference(v)
		if !ok {
			return false
		}
		return []interface{}{int64(id), t.displayName(ctx, info.Relation, id)}
	case models.TypeMany2many, models.TypeOne2many:
		return wireIDs(models.AsIDList(v))
	case models.TypeBoolean:
		b, _ := v.(bool)
		return b
	default:
		if v == nil {
			return false
		}
		return v
	}
}

func (t *LocalTransport) displayName(ctx context.Context, model string, id int) string {
	doc, err := t.store.Get(ctx, model, id)
	if err != nil {
		return fmt.Sprintf("%s,%d", model, id)
	}
	for _, key := range []string{"name", "display_name"} {
		if s, ok := doc[key].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("%s,%d", model, id)
}

func (t *LocalTransport) create(ctx context.Context, model string, catalog models.Catalog, payload interface{}) (interface{}, error) {
	switch v := payload.(type) {
	case map[string]interface{}:
		id, err := t.createOne(ctx, model, catalog, v)
		if err != nil {
			return nil, err
		}
		return int64(id), nil
	case []interface{}:
		// Validate everything first so a bad record leaves nothing behind
		docs := make([]map[string]interface{}, 0, len(v))
		for i, item := range v {
			vals, ok := item.(map[string]interface{})
			if !ok {
				return nil, NewFault("create: record %d is not a mapping", i)
			}
			doc, err := t.prepare(catalog, model, vals, true)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
		ids := make([]interface{}, 0, len(docs))
		for _, doc := range docs {
			id, err := t.store.Create(ctx, model, doc)
			if err != nil {
				return nil, err
			}
			ids = append(ids, int64(id))
		}
		return ids, nil
	default:
		return nil, NewFault("create: expected a mapping or a list of mappings")
	}
}

func (t *LocalTransport) createOne(ctx context.Context, model string, catalog models.Catalog, vals map[string]interface{}) (int, error) {
	doc, err := t.prepare(catalog, model, vals, true)
	if err != nil {
		return 0, err
	}
	return t.store.Create(ctx, model, doc)
}

// prepare checks field names and required values and applies relation commands
func (t *LocalTransport) prepare(catalog models.Catalog, model string, vals map[string]interface{}, creating bool) (map[string]interface{}, error) {
	doc := make(map[string]interface{}, len(vals))
	for name, v := range vals {
		info, ok := catalog[name]
		if !ok {
			return nil, NewFault("Invalid field '%s' on model '%s'", name, model)
		}
		switch info.Type {
		case models.TypeMany2many:
			ids, err := applyCommands(nil, v)
			if err != nil {
				return nil, err
			}
			doc[name] = ids
		case models.TypeOne2many:
			continue
		case models.TypeMany2one:
			if id, ok := models.AsReference(v); ok {
				doc[name] = id
			} else {
				doc[name] = false
			}
		default:
			doc[name] = v
		}
	}

	if creating {
		for _, name := range catalog.Names() {
			info := catalog[name]
			if !info.Required || !info.Store || info.Type == models.TypeOne2many {
				continue
			}
			if models.IsEmpty(doc[name]) && info.Type != models.TypeBoolean {
				return nil, NewFault("null value in column \"%s\" of relation \"%s\" violates not-null constraint",
					name, strings.ReplaceAll(model, ".", "_"))
			}
		}
	}
	return doc, nil
}

func (t *LocalTransport) write(ctx context.Context, model string, catalog models.Catalog, ids []int, payload interface{}) (interface{}, error) {
	vals, ok := payload.(map[string]interface{})
	if !ok {
		return nil, NewFault("write: expected a mapping of values")
	}

	for _, id := range ids {
		current, err := t.store.Get(ctx, model, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewFault("Record does not exist or has been deleted. (Record: %s(%d,))", model, id)
		}
		if err != nil {
			return nil, err
		}

		updates := make(map[string]interface{}, len(vals))
		for name, v := range vals {
			info, ok := catalog[name]
			if !ok {
				return nil, NewFault("Invalid field '%s' on model '%s'", name, model)
			}
			switch info.Type {
			case models.TypeMany2many:
				merged, err := applyCommands(models.AsIDList(current[name]), v)
				if err != nil {
					return nil, err
				}
				updates[name] = merged
			case models.TypeOne2many:
			case models.TypeMany2one:
				if ref, ok := models.AsReference(v); ok {
					updates[name] = ref
				} else {
					updates[name] = false
				}
			default:
				updates[name] = v
			}
		}
		if err := t.store.Patch(ctx, model, id, updates); err != nil {
			return nil, err
		}
	}
	return true, nil
}

// applyCommands applies many2many write commands to current.
// Supported: (6, 0, ids) replace, (4, id) link, (3, id) unlink, (5,) clear,
// or a plain list of ids.
func applyCommands(current []int, v interface{}) ([]int, error) {
	list, ok := v.([]interface{})
	if !ok {
		if models.IsEmpty(v) {
			return current, nil
		}
		return nil, NewFault("many2many value must be a list")
	}

	set := append([]int(nil), current...)
	for _, item := range list {
		cmd, isCmd := item.([]interface{})
		if !isCmd {
			if id, ok := models.AsInt(item); ok {
				set = addID(set, id)
				continue
			}
			return nil, NewFault("invalid many2many item %v", item)
		}
		if len(cmd) == 0 {
			continue
		}
		op, _ := models.AsInt(cmd[0])
		switch op {
		case 6:
			if len(cmd) < 3 {
				return nil, NewFault("command 6 takes (6, 0, ids)")
			}
			set = nil
			for _, id := range models.AsIDList(cmd[2]) {
				set = addID(set, id)
			}
		case 4:
			if id, ok := models.AsInt(argAt(cmd, 1)); ok {
				set = addID(set, id)
			}
		case 3:
			if id, ok := models.AsInt(argAt(cmd, 1)); ok {
				set = removeID(set, id)
			}
		case 5:
			set = nil
		default:
			return nil, NewFault("unsupported many2many command %d", op)
		}
	}
	if set == nil {
		set = []int{}
	}
	return set, nil
}

func addID(set []int, id int) []int {
	for _, existing := range set {
		if existing == id {
			return set
		}
	}
	return append(set, id)
}

func removeID(set []int, id int) []int {
	out := set[:0]
	for _, existing := range set {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
