package migrate

import (
	"sync"
	"time"

	"github.com/ha1tch/xmigrate/pkg/models"
)

// State is the stage an entity type is in
type State string

const (
	StatePending   State = "pending"
	StateStaging   State = "staging"
	StateFiltering State = "filtering"
	StateOrdering  State = "ordering"
	StateBatching  State = "batching"
	StateLinking   State = "linking"
	StateDone      State = "done"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

// Terminal reports whether no further work happens in this state
func (s State) Terminal() bool {
	return s == StateDone || s == StateSkipped || s == StateFailed
}

// ModelProgress is the live view of one entity type
type ModelProgress struct {
	Model         string       `json:"model"`
	Target        string       `json:"target"`
	State         State        `json:"state"`
	Records       int          `json:"records"`
	AlreadyMapped int          `json:"already_mapped"`
	Batches       int          `json:"batches"`
	BatchesDone   int          `json:"batches_done"`
	Stats         models.Stats `json:"stats"`
	Links         LinkStats    `json:"links"`
	Message       string       `json:"message,omitempty"`
	Started       time.Time    `json:"started,omitempty"`
	Finished      time.Time    `json:"finished,omitempty"`
}

// Progress is a snapshot of a whole run
type Progress struct {
	RunID   string          `json:"run_id"`
	Started time.Time       `json:"started"`
	Order   []string        `json:"order"`
	Models  []ModelProgress `json:"models"`
	Stats   models.Stats    `json:"stats"`
}

// Tracker records progress for concurrent readers such as the status server
type Tracker struct {
	mu      sync.RWMutex
	runID   string
	started time.Time
	order   []string
	models  map[string]*ModelProgress
}

// NewTracker creates an empty tracker for a run
func NewTracker(runID string) *Tracker {
	return &Tracker{
		runID:   runID,
		started: time.Now().UTC(),
		models:  make(map[string]*ModelProgress),
	}
}

// SetOrder registers the entity types of the run as pending
func (t *Tracker) SetOrder(specs []models.EntitySpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = t.order[:0]
	for _, s := range specs {
		t.order = append(t.order, s.Source)
		if _, ok := t.models[s.Source]; !ok {
			t.models[s.Source] = &ModelProgress{Model: s.Source, Target: s.TargetName(), State: StatePending}
		}
	}
}

// update applies fn to the progress of model, creating it if needed
func (t *Tracker) update(model string, fn func(*ModelProgress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mp, ok := t.models[model]
	if !ok {
		mp = &ModelProgress{Model: model, Target: model, State: StatePending}
		t.models[model] = mp
		t.order = append(t.order, model)
	}
	fn(mp)
}

func (t *Tracker) setState(model string, state State, msg string) {
	t.update(model, func(mp *ModelProgress) {
		if mp.State == StatePending && !state.Terminal() {
			mp.Started = time.Now().UTC()
		}
		mp.State = state
		if msg != "" {
			mp.Message = msg
		}
		if state.Terminal() {
			mp.Finished = time.Now().UTC()
		}
	})
}

// Model returns the progress of one entity type
func (t *Tracker) Model(name string) (ModelProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mp, ok := t.models[name]
	if !ok {
		return ModelProgress{}, false
	}
	return *mp, true
}

// Snapshot returns a copy of the run progress
func (t *Tracker) Snapshot() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := Progress{
		RunID:   t.runID,
		Started: t.started,
		Order:   append([]string(nil), t.order...),
		Models:  make([]ModelProgress, 0, len(t.order)),
	}
	for _, name := range t.order {
		mp := *t.models[name]
		p.Models = append(p.Models, mp)
		p.Stats.Add(mp.Stats)
	}
	return p
}
