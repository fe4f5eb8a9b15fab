package projector

import (
	"sync"
	"time"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/ha1tch/xmigrate/pkg/remap"
)

// Env is what a strategy may read besides the source record
type Env struct {
	Model  string
	Now    time.Time
	Tables *remap.Tables
	Target models.Catalog
}

// Strategy holds the special cases of one entity type
type Strategy interface {
	// ExtraRequiredFields names many2one fields kept even when nothing
	// else would include them
	ExtraRequiredFields() []string
	// DeriveFields computes target values from the source record
	DeriveFields(src models.Record, values map[string]interface{}, env Env) error
	// PostProcess checks or adjusts the final payload
	PostProcess(values map[string]interface{}, env Env) error
}

// Defaulter is implemented by strategies that supply literal defaults
type Defaulter interface {
	Defaults() map[string]interface{}
}

// Base is a strategy with no special cases
type Base struct{}

func (Base) ExtraRequiredFields() []string { return nil }

func (Base) DeriveFields(src models.Record, values map[string]interface{}, env Env) error { return nil }

func (Base) PostProcess(values map[string]interface{}, env Env) error { return nil }

// Registry maps source entity type names to strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// DefaultRegistry returns a registry with the built-in strategies
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("contract.contract", ContractStrategy{})
	r.Register("crm.lead", LeadStrategy{})
	r.Register("res.partner", PartnerStrategy{})
	return r
}

// Register adds or replaces the strategy of model
func (r *Registry) Register(model string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[model] = s
}

// Get returns the strategy of model, or Base
func (r *Registry) Get(model string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[model]; ok {
		return s
	}
	return Base{}
}

// Subscription stages of the target
const (
	StageInProgress = "3_progress"
	StageClosed     = "6_churn"
)

// SubscriptionStage is "in progress" while the end date is absent or not yet
// past, and "closed" otherwise
func SubscriptionStage(dateEnd interface{}, now time.Time) string {
	end, ok := parseDate(dateEnd)
	if !ok {
		return StageInProgress
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !end.Before(today) {
		return StageInProgress
	}
	return StageClosed
}

func parseDate(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ContractStrategy turns recurring contracts into subscriptions
type ContractStrategy struct{ Base }

func (ContractStrategy) ExtraRequiredFields() []string { return []string{"partner_id"} }

func (ContractStrategy) DeriveFields(src models.Record, values map[string]interface{}, env Env) error {
	if _, ok := env.Target["subscription_state"]; ok {
		values["subscription_state"] = SubscriptionStage(src["date_end"], env.Now)
	}
	if _, ok := env.Target["template_id"]; ok && env.Tables != nil {
		ruleType, _ := src["recurring_rule_type"].(string)
		interval, ok := models.AsInt(src["recurring_interval"])
		if ruleType != "" && ok {
			if id, found := env.Tables.Templates.Lookup(ruleType, interval); found {
				values["template_id"] = id
			}
		}
	}
	return nil
}

// LeadStrategy migrates leads as opportunities unless told otherwise
type LeadStrategy struct{ Base }

func (LeadStrategy) Defaults() map[string]interface{} {
	return map[string]interface{}{"type": "opportunity"}
}

// PartnerStrategy derives a missing partner name and refuses nameless partners
type PartnerStrategy struct{ Base }

func (PartnerStrategy) DeriveFields(src models.Record, values map[string]interface{}, env Env) error {
	if !models.IsEmpty(values["name"]) {
		return nil
	}
	for _, field := range []string{"display_name", "email", "ref"} {
		if s, ok := src[field].(string); ok && s != "" {
			values["name"] = s
			return nil
		}
	}
	return nil
}

func (PartnerStrategy) PostProcess(values map[string]interface{}, env Env) error {
	if models.IsEmpty(values["name"]) {
		return &MissingRequiredFieldError{Model: env.Model, Field: "name", Type: models.TypeChar}
	}
	return nil
}
