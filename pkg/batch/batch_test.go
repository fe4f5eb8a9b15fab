package batch_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ha1tch/xmigrate/pkg/batch"
	"github.com/ha1tch/xmigrate/pkg/mapping"
	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/remote"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func fastConfig() batch.Config {
	return batch.Config{
		PollInterval:       5 * time.Millisecond,
		PollCeiling:        100 * time.Millisecond,
		UseRemoteProcedure: true,
	}
}

// setupBatchTest wires a creator against a local target with a widget model
func setupBatchTest(t *testing.T) (*batch.Creator, *remote.Client, *mapping.Store) {
	t.Helper()
	ctx := context.Background()

	ep := remote.Endpoint{URL: "sqlite://" + filepath.Join(t.TempDir(), "target.db"), DB: "t", Username: "admin", Password: "admin"}
	client, err := remote.Dial(ep, remote.Options{Policy: remote.DefaultRetryPolicy()}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	_, err = client.Authenticate(ctx)
	require.NoError(t, err)

	local := client.Transport().(*remote.LocalTransport)
	require.NoError(t, local.SeedSchema(ctx, "widget", models.Catalog{
		"name": {Name: "name", Type: models.TypeChar, Required: true, Store: true},
	}))

	store := mapping.NewStore(client, remote.MappingModel, testLogger())
	creator, err := batch.NewCreator(client, store, fastConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(creator.Release)
	return creator, client, store
}

// memMapping is an in-memory mapping store
type memMapping struct {
	mu      sync.Mutex
	pairs   map[string]map[int]int
	records []models.MappingRecord
}

func newMemMapping() *memMapping {
	return &memMapping{pairs: make(map[string]map[int]int)}
}

func (m *memMapping) Model() string { return remote.MappingModel }

func (m *memMapping) Lookup(ctx context.Context, model string, ids []int) (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[int]int)
	for _, id := range ids {
		if dst, ok := m.pairs[model][id]; ok {
			found[id] = dst
		}
	}
	return found, nil
}

func (m *memMapping) Record(ctx context.Context, entries []models.MappingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if m.pairs[e.Model] == nil {
			m.pairs[e.Model] = make(map[int]int)
		}
		m.pairs[e.Model][e.SourceID] = e.TargetID
		m.records = append(m.records, e)
	}
	return nil
}

// fakeTarget answers migrate_batch and create from scripted functions
type fakeTarget struct {
	mu      sync.Mutex
	execute func(model, method string, args []interface{}) (interface{}, error)
	create  func(model string, records []map[string]interface{}) ([]int, error)
	methods []string
	creates int
}

func (f *fakeTarget) Execute(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.mu.Unlock()
	return f.execute(model, method, args)
}

func (f *fakeTarget) Create(ctx context.Context, model string, records []map[string]interface{}) ([]int, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	return f.create(model, records)
}

func missingProcedure(model, method string, args []interface{}) (interface{}, error) {
	return nil, remote.NewFault("The method '%s' does not exist on the model '%s'", method, model)
}

func sequentialIDs(start int) func(string, []map[string]interface{}) ([]int, error) {
	next := start
	return func(model string, records []map[string]interface{}) ([]int, error) {
		ids := make([]int, len(records))
		for i := range records {
			ids[i] = next
			next++
		}
		return ids, nil
	}
}

// ===== Pairing and validation =====

func TestPair(t *testing.T) {
	items, err := batch.Pair([]map[string]interface{}{{"name": "a"}, {"name": "b"}}, []int{7, 8})
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8}, batch.SourceIDs(items))

	_, err = batch.Pair([]map[string]interface{}{{"name": "a"}}, []int{7, 8})
	assert.ErrorIs(t, err, batch.ErrLengthMismatch)

	var lm *batch.LengthMismatchError
	require.True(t, errors.As(err, &lm))
	assert.Equal(t, 1, lm.Records)
	assert.Equal(t, 2, lm.IDs)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		items []batch.Item
		ok    bool
	}{
		{"valid", []batch.Item{{SourceID: 1, Values: map[string]interface{}{"name": "a"}}}, true},
		{"empty record", []batch.Item{{SourceID: 1, Values: map[string]interface{}{}}}, false},
		{"nil record", []batch.Item{{SourceID: 1}}, false},
		{"zero id", []batch.Item{{SourceID: 0, Values: map[string]interface{}{"name": "a"}}}, false},
		{"duplicate id", []batch.Item{
			{SourceID: 1, Values: map[string]interface{}{"name": "a"}},
			{SourceID: 1, Values: map[string]interface{}{"name": "b"}},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := batch.Validate(tc.items)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, batch.ErrInvalidRecord)
			}
		})
	}
}

// ===== Idempotent batch create =====

func TestBatchCreate_Idempotent(t *testing.T) {
	creator, client, store := setupBatchTest(t)
	ctx := context.Background()
	items := []batch.Item{{SourceID: 101, Values: map[string]interface{}{"name": "A"}}}

	first, err := creator.BatchCreate(ctx, "widget", items, "b1")
	require.NoError(t, err)
	require.Len(t, first.Created, 1)
	targetID := first.Created[101]
	assert.Positive(t, targetID)
	assert.False(t, creator.RemoteProcedureAvailable(), "local target has no migrate_batch")

	second, err := creator.BatchCreate(ctx, "widget", items, "b1")
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Empty(t, second.Errors)
	assert.Equal(t, map[int]int{101: targetID}, second.Skipped)

	assert.Equal(t, 1, client.Count(ctx, "widget", nil))
	assert.Equal(t, 1, client.Count(ctx, remote.MappingModel, nil))

	pairs, err := store.Existing(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{101: targetID}, pairs)
}

func TestBatchCreate_PartiallyMapped(t *testing.T) {
	creator, client, _ := setupBatchTest(t)
	ctx := context.Background()

	_, err := creator.BatchCreate(ctx, "widget", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "one"}},
	}, "widget_1_2")
	require.NoError(t, err)

	res, err := creator.BatchCreate(ctx, "widget", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "one"}},
		{SourceID: 2, Values: map[string]interface{}{"name": "two"}},
	}, "widget_2_2")
	require.NoError(t, err)
	assert.Len(t, res.Skipped, 1)
	assert.Len(t, res.Created, 1)
	assert.Contains(t, res.Created, 2)
	assert.Equal(t, 2, client.Count(ctx, "widget", nil))
}

func TestBatchCreate_TargetRejection(t *testing.T) {
	creator, client, _ := setupBatchTest(t)
	ctx := context.Background()

	res, err := creator.BatchCreate(ctx, "widget", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "ok"}},
		{SourceID: 2, Values: map[string]interface{}{"name": false}},
	}, "b1")
	require.Error(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[2], "not-null constraint")
	assert.Equal(t, 0, client.Count(ctx, remote.MappingModel, nil))
}

func TestBatchCreate_InvalidInputIsFatal(t *testing.T) {
	creator, _, _ := setupBatchTest(t)

	_, err := creator.BatchCreate(context.Background(), "widget", []batch.Item{{SourceID: 5}}, "b1")
	assert.ErrorIs(t, err, batch.ErrInvalidRecord)
}

// ===== Remote procedure and fallback =====

func TestBatchCreate_UsesRemoteProcedure(t *testing.T) {
	var sent []interface{}
	target := &fakeTarget{
		execute: func(model, method string, args []interface{}) (interface{}, error) {
			sent = args
			return map[string]interface{}{
				"created": map[string]interface{}{"1": int64(11)},
				"skipped": map[string]interface{}{"2": int64(12)},
				"errors":  map[string]interface{}{},
			}, nil
		},
		create: sequentialIDs(1),
	}
	creator, err := batch.NewCreator(target, newMemMapping(), fastConfig(), testLogger())
	require.NoError(t, err)
	defer creator.Release()

	res, err := creator.BatchCreate(context.Background(), "res.partner", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "a", "comment": nil}},
		{SourceID: 2, Values: map[string]interface{}{"name": "b"}},
		{SourceID: 3, Values: map[string]interface{}{"name": "c"}},
	}, "res.partner_1_1")
	require.NoError(t, err)

	assert.Equal(t, map[int]int{1: 11}, res.Created)
	assert.Equal(t, map[int]int{2: 12}, res.Skipped)
	assert.Contains(t, res.Errors[3], "no disposition")
	assert.Equal(t, 0, target.creates)

	require.Len(t, sent, 4)
	assert.Equal(t, "res.partner", sent[0])
	first := sent[1].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, false, first["comment"], "payload is sanitized")
	assert.Equal(t, "res.partner_1_1", sent[3])
}

func TestBatchCreate_FallsBackOnce(t *testing.T) {
	target := &fakeTarget{execute: missingProcedure, create: sequentialIDs(40)}
	mem := newMemMapping()
	creator, err := batch.NewCreator(target, mem, fastConfig(), testLogger())
	require.NoError(t, err)
	defer creator.Release()
	ctx := context.Background()

	res, err := creator.BatchCreate(ctx, "uom.uom", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "kg"}},
		{SourceID: 2, Values: map[string]interface{}{"name": "g"}},
	}, "uom.uom_1_2")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 40, 2: 41}, res.Created)

	_, err = creator.BatchCreate(ctx, "uom.uom", []batch.Item{
		{SourceID: 3, Values: map[string]interface{}{"name": "t"}},
	}, "uom.uom_2_2")
	require.NoError(t, err)

	assert.Equal(t, []string{batch.RemoteProcedure}, target.methods, "procedure is tried once")
	assert.Equal(t, 2, target.creates)
	require.Len(t, mem.records, 3)
	assert.Equal(t, "uom.uom_2_2", mem.records[2].BatchID)
	assert.Equal(t, models.StatusCreated, mem.records[2].Status)
}

func TestBatchCreateAs_RenamedEntityType(t *testing.T) {
	var createdIn []string
	next := sequentialIDs(70)
	target := &fakeTarget{
		execute: missingProcedure,
		create: func(model string, records []map[string]interface{}) ([]int, error) {
			createdIn = append(createdIn, model)
			return next(model, records)
		},
	}
	mem := newMemMapping()
	creator, err := batch.NewCreator(target, mem, fastConfig(), testLogger())
	require.NoError(t, err)
	defer creator.Release()
	ctx := context.Background()

	items := []batch.Item{{SourceID: 9, Values: map[string]interface{}{"name": "C-0009"}}}
	res, err := creator.BatchCreateAs(ctx, "contract.contract", "sale.order", items, "contract.contract_1_1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{9: 70}, res.Created)
	assert.Equal(t, []string{"sale.order"}, createdIn)
	require.Len(t, mem.records, 1)
	assert.Equal(t, "contract.contract", mem.records[0].Model, "mapping rows keep the source name")

	res, err = creator.BatchCreateAs(ctx, "contract.contract", "sale.order", items, "contract.contract_1_1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{9: 70}, res.Skipped)
	assert.Len(t, createdIn, 1)
}

func TestBatchCreate_RemoteFailureIsNotFallback(t *testing.T) {
	target := &fakeTarget{
		execute: func(model, method string, args []interface{}) (interface{}, error) {
			return nil, remote.NewFault("psycopg2.IntegrityError: duplicate key")
		},
		create: sequentialIDs(1),
	}
	creator, err := batch.NewCreator(target, newMemMapping(), fastConfig(), testLogger())
	require.NoError(t, err)
	defer creator.Release()

	res, err := creator.BatchCreate(context.Background(), "res.partner", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "a"}},
	}, "b1")
	require.Error(t, err)
	assert.Contains(t, res.Errors[1], "duplicate key")
	assert.True(t, creator.RemoteProcedureAvailable())
	assert.Equal(t, 0, target.creates)
}

// ===== Deadline and reconciliation =====

func TestBatchCreate_TimeoutReportsReconciledSubset(t *testing.T) {
	release := make(chan struct{})
	mem := newMemMapping()
	target := &fakeTarget{
		execute: missingProcedure,
		create: func(model string, records []map[string]interface{}) ([]int, error) {
			// One record lands out of band before the call hangs
			_ = mem.Record(context.Background(), []models.MappingRecord{
				{Model: model, SourceID: 1, TargetID: 90, Status: models.StatusCreated},
			})
			<-release
			return nil, errors.New("connection reset by peer")
		},
	}
	creator, err := batch.NewCreator(target, mem, fastConfig(), testLogger())
	require.NoError(t, err)
	defer creator.Release()
	defer close(release)

	res, err := creator.BatchCreate(context.Background(), "sale.order", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "SO1"}},
		{SourceID: 2, Values: map[string]interface{}{"name": "SO2"}},
	}, "sale.order_1_1")

	var terr *batch.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.ErrorIs(t, err, batch.ErrTimeout)
	assert.Equal(t, []int{2}, terr.Pending)
	assert.Equal(t, map[int]int{1: 90}, res.Created)
	assert.Contains(t, res.Errors, 2)
}

func TestBatchCreate_ConfirmedByReconciliation(t *testing.T) {
	release := make(chan struct{})
	mem := newMemMapping()
	target := &fakeTarget{
		execute: missingProcedure,
		create: func(model string, records []map[string]interface{}) ([]int, error) {
			_ = mem.Record(context.Background(), []models.MappingRecord{
				{Model: model, SourceID: 1, TargetID: 70, Status: models.StatusCreated},
				{Model: model, SourceID: 2, TargetID: 71, Status: models.StatusCreated},
			})
			<-release
			return []int{70, 71}, nil
		},
	}
	cfg := fastConfig()
	cfg.PollCeiling = 5 * time.Second
	creator, err := batch.NewCreator(target, mem, cfg, testLogger())
	require.NoError(t, err)
	defer creator.Release()
	defer close(release)

	start := time.Now()
	res, err := creator.BatchCreate(context.Background(), "sale.order", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "SO1"}},
		{SourceID: 2, Values: map[string]interface{}{"name": "SO2"}},
	}, "sale.order_1_1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 70, 2: 71}, res.Created)
	assert.Less(t, time.Since(start), cfg.PollCeiling)
}

func TestBatchCreate_CancelledCaller(t *testing.T) {
	release := make(chan struct{})
	target := &fakeTarget{
		execute: missingProcedure,
		create: func(model string, records []map[string]interface{}) ([]int, error) {
			<-release
			return []int{1}, nil
		},
	}
	cfg := fastConfig()
	cfg.PollCeiling = 5 * time.Second
	creator, err := batch.NewCreator(target, newMemMapping(), cfg, testLogger())
	require.NoError(t, err)
	defer creator.Release()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = creator.BatchCreate(ctx, "sale.order", []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "SO1"}},
	}, "b1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatchCreate_BusyWorkerHonoursContextAndCeiling(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	free := func() { once.Do(func() { close(release) }) }
	defer free()

	next := 100
	mem := newMemMapping()
	target := &fakeTarget{
		execute: missingProcedure,
		create: func(model string, records []map[string]interface{}) ([]int, error) {
			<-release
			ids := make([]int, len(records))
			for i := range records {
				next++
				ids[i] = next
			}
			return ids, nil
		},
	}
	cfg := fastConfig()
	cfg.PollCeiling = 150 * time.Millisecond
	creator, err := batch.NewCreator(target, mem, cfg, testLogger())
	require.NoError(t, err)
	defer creator.Release()

	item := func(id int) []batch.Item {
		return []batch.Item{{SourceID: id, Values: map[string]interface{}{"name": "SO"}}}
	}

	// The first call hangs and keeps the worker after its caller gave up
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = creator.BatchCreate(ctx, "sale.order", item(1), "sale.order_1_4")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel2()
	start := time.Now()
	_, err = creator.BatchCreate(ctx2, "sale.order", item(2), "sale.order_2_4")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "a busy worker does not outlast the caller")

	start = time.Now()
	res, err := creator.BatchCreate(context.Background(), "sale.order", item(3), "sale.order_3_4")
	var terr *batch.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, []int{3}, terr.Pending)
	assert.Contains(t, res.Errors, 3)
	assert.Less(t, time.Since(start), time.Second, "a busy worker does not outlast the ceiling")

	target.mu.Lock()
	assert.Equal(t, 1, target.creates, "nothing else reached the target")
	target.mu.Unlock()

	free()
	require.Eventually(t, func() bool {
		found, _ := mem.Lookup(context.Background(), "sale.order", []int{1})
		return found[1] == 101
	}, time.Second, 5*time.Millisecond)

	res, err = creator.BatchCreate(context.Background(), "sale.order", item(4), "sale.order_4_4")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{4: 102}, res.Created)
}

// ===== Mapping consistency after create =====

// flakyMapping fails the first failures mapping writes; a negative count fails all
type flakyMapping struct {
	*memMapping
	failures int
}

func (f *flakyMapping) Record(ctx context.Context, entries []models.MappingRecord) error {
	f.mu.Lock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		return errors.New("could not serialize access due to concurrent update")
	}
	f.mu.Unlock()
	return f.memMapping.Record(ctx, entries)
}

func twoOrders() []batch.Item {
	return []batch.Item{
		{SourceID: 1, Values: map[string]interface{}{"name": "SO1"}},
		{SourceID: 2, Values: map[string]interface{}{"name": "SO2"}},
	}
}

func TestBatchCreate_MappingWriteRetried(t *testing.T) {
	mem := &flakyMapping{memMapping: newMemMapping(), failures: 2}
	target := &fakeTarget{execute: missingProcedure, create: sequentialIDs(100)}
	creator, err := batch.NewCreator(target, mem, fastConfig(), testLogger())
	require.NoError(t, err)
	defer creator.Release()

	res, err := creator.BatchCreate(context.Background(), "sale.order", twoOrders(), "sale.order_1_1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 100, 2: 101}, res.Created)

	found, err := mem.Lookup(context.Background(), "sale.order", []int{1, 2})
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestBatchCreate_UnmappedRecordsAreReported(t *testing.T) {
	t.Run("mapping write keeps failing", func(t *testing.T) {
		mem := &flakyMapping{memMapping: newMemMapping(), failures: -1}
		target := &fakeTarget{execute: missingProcedure, create: sequentialIDs(100)}
		creator, err := batch.NewCreator(target, mem, fastConfig(), testLogger())
		require.NoError(t, err)
		defer creator.Release()

		res, err := creator.BatchCreate(context.Background(), "sale.order", twoOrders(), "sale.order_1_1")
		require.Error(t, err)
		assert.Empty(t, res.Created)
		assert.Contains(t, res.Errors[1], "target id 100 without mapping")
		assert.Contains(t, res.Errors[2], "target id 101 without mapping")
	})

	t.Run("fewer ids than records", func(t *testing.T) {
		target := &fakeTarget{
			execute: missingProcedure,
			create: func(model string, records []map[string]interface{}) ([]int, error) {
				return []int{100}, errors.New("create sale.order: sent 2 records, got 1 ids")
			},
		}
		mem := newMemMapping()
		creator, err := batch.NewCreator(target, mem, fastConfig(), testLogger())
		require.NoError(t, err)
		defer creator.Release()

		res, err := creator.BatchCreate(context.Background(), "sale.order", twoOrders(), "sale.order_1_1")
		require.Error(t, err)
		assert.Empty(t, res.Created)
		for _, id := range []int{1, 2} {
			assert.Contains(t, res.Errors[id], "target ids [100] exist without mapping")
		}
		assert.Empty(t, mem.records)
	})
}
