package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options tune a Client
type Options struct {
	Policy RetryPolicy
	// RateLimit caps calls per second; 0 means unlimited
	RateLimit float64
	Observer  RetryObserver
}

// Client is the remote store client used for both source and target
type Client struct {
	transport Transport
	endpoint  Endpoint
	policy    RetryPolicy
	limiter   *rate.Limiter
	observer  RetryObserver
	logger    zerolog.Logger

	mu  sync.RWMutex
	uid int
}

// NewClient wraps a transport
func NewClient(t Transport, ep Endpoint, opts Options, logger zerolog.Logger) *Client {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	policy := opts.Policy
	if policy.NetworkRetries < 0 {
		policy.NetworkRetries = 0
	}
	if policy.ConflictRetries < 0 {
		policy.ConflictRetries = 0
	}

	return &Client{
		transport: t,
		endpoint:  ep,
		policy:    policy,
		limiter:   rate.NewLimiter(limit, 1),
		observer:  opts.Observer,
		logger:    logger.With().Str("component", "remote").Str("endpoint", ep.Redacted()).Logger(),
	}
}

// Dial creates the transport for ep and wraps it in a client
func Dial(ep Endpoint, opts Options, logger zerolog.Logger) (*Client, error) {
	t, err := NewTransport(ep, logger)
	if err != nil {
		return nil, err
	}
	return NewClient(t, ep, opts, logger), nil
}

// Transport returns the underlying transport
func (c *Client) Transport() Transport {
	return c.transport
}

// Endpoint returns the endpoint the client talks to
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Authenticate opens a session; it fails with ErrAuth on rejected credentials
func (c *Client) Authenticate(ctx context.Context) (int, error) {
	result, err := c.withRetry(ctx, "authenticate", func() (interface{}, error) {
		return c.transport.Authenticate(c.endpoint.DB, c.endpoint.Username, c.endpoint.Password)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	uid := result.(int)
	if uid <= 0 {
		return 0, fmt.Errorf("%w: user %q on database %q", ErrAuth, c.endpoint.Username, c.endpoint.DB)
	}

	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()

	c.logger.Info().Int("uid", uid).Str("db", c.endpoint.DB).Msg("Authenticated")
	return uid, nil
}

func (c *Client) session() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.uid <= 0 {
		return 0, ErrNotAuthenticated
	}
	return c.uid, nil
}

// reconnect recreates the transport connections and renews the session
func (c *Client) reconnect() error {
	if err := c.transport.Reconnect(); err != nil {
		return err
	}
	uid, err := c.transport.Authenticate(c.endpoint.DB, c.endpoint.Username, c.endpoint.Password)
	if err != nil {
		return err
	}
	if uid > 0 {
		c.mu.Lock()
		c.uid = uid
		c.mu.Unlock()
	}
	return nil
}

// Execute runs an arbitrary method with the retry policy applied
func (c *Client) Execute(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if _, err := c.session(); err != nil {
		return nil, err
	}
	op := model + "." + method
	return c.withRetry(ctx, op, func() (interface{}, error) {
		uid, _ := c.session()
		return c.transport.Execute(c.endpoint.DB, uid, c.endpoint.Password, model, method, args, kwargs)
	})
}

// Cond builds one domain triple
func Cond(field, op string, value interface{}) []interface{} {
	return []interface{}{field, op, value}
}

// Domain joins triples with implicit AND
func Domain(conds ...[]interface{}) []interface{} {
	domain := make([]interface{}, len(conds))
	for i, c := range conds {
		domain[i] = c
	}
	return domain
}

// Count returns the number of records matching domain. Failures are logged
// and reported as 0, so callers cannot tell "none" from "unknown".
func (c *Client) Count(ctx context.Context, model string, domain []interface{}) int {
	if domain == nil {
		domain = []interface{}{}
	}
	result, err := c.Execute(ctx, model, "search_count", []interface{}{domain}, nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("model", model).Msg("Count failed")
		return 0
	}
	n, ok := models.AsInt(result)
	if !ok {
		c.logger.Warn().Str("model", model).Interface("result", result).Msg("Unexpected count result")
		return 0
	}
	return n
}

// FieldsGet returns the field catalog of model, or an empty catalog on failure
func (c *Client) FieldsGet(ctx context.Context, model string) models.Catalog {
	result, err := c.Execute(ctx, model, "fields_get", []interface{}{}, map[string]interface{}{
		"attributes": []interface{}{"string", "type", "required", "readonly", "store", "relation", "selection"},
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("model", model).Msg("Field introspection failed")
		return models.Catalog{}
	}
	raw, ok := result.(map[string]interface{})
	if !ok {
		c.logger.Warn().Str("model", model).Msg("Unexpected fields_get result")
		return models.Catalog{}
	}
	return models.CatalogFromFieldsGet(raw)
}

// SearchRead reads one page of records ordered by id
func (c *Client) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, offset, limit int) ([]models.Record, error) {
	if domain == nil {
		domain = []interface{}{}
	}
	kwargs := map[string]interface{}{
		"offset": offset,
		"order":  "id asc",
	}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	if len(fields) > 0 {
		kwargs["fields"] = stringsToInterfaces(fields)
	}

	result, err := c.Execute(ctx, model, "search_read", []interface{}{domain}, kwargs)
	if err != nil {
		return nil, &ReadError{Model: model, Offset: offset, Limit: limit, Err: err}
	}
	return toRecords(result)
}

// ReadAll paginates SearchRead until a short page comes back
func (c *Client) ReadAll(ctx context.Context, model string, domain []interface{}, fields []string, pageSize int) ([]models.Record, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var all []models.Record
	for offset := 0; ; offset += pageSize {
		page, err := c.SearchRead(ctx, model, domain, fields, offset, pageSize)
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		c.logger.Debug().Str("model", model).Int("offset", offset).Int("read", len(page)).Msg("Read page")
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// Read returns the records with the given ids
func (c *Client) Read(ctx context.Context, model string, ids []int, fields []string) ([]models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	kwargs := map[string]interface{}{}
	if len(fields) > 0 {
		kwargs["fields"] = stringsToInterfaces(fields)
	}
	result, err := c.Execute(ctx, model, "read", []interface{}{intsToInterfaces(ids)}, kwargs)
	if err != nil {
		return nil, &ReadError{Model: model, Limit: len(ids), Err: err}
	}
	return toRecords(result)
}

// Search returns the ids matching domain
func (c *Client) Search(ctx context.Context, model string, domain []interface{}, limit int) ([]int, error) {
	if domain == nil {
		domain = []interface{}{}
	}
	kwargs := map[string]interface{}{}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	result, err := c.Execute(ctx, model, "search", []interface{}{domain}, kwargs)
	if err != nil {
		return nil, &ReadError{Model: model, Limit: limit, Err: err}
	}
	return models.AsIDList(result), nil
}

// Create sends records in one call and returns their ids in order.
// Every record is sanitized first.
func (c *Client) Create(ctx context.Context, model string, records []map[string]interface{}) ([]int, error) {
	if len(records) == 0 {
		return nil, nil
	}

	payload := make([]interface{}, len(records))
	for i, rec := range records {
		clean, _ := Sanitize(rec, c.logger.With().Str("model", model).Logger())
		payload[i] = clean
	}

	result, err := c.Execute(ctx, model, "create", []interface{}{payload}, nil)
	if err != nil {
		return nil, err
	}

	var ids []int
	if id, ok := models.AsInt(result); ok {
		ids = []int{id}
	} else {
		ids = models.AsIDList(result)
	}
	if len(ids) != len(records) {
		return ids, fmt.Errorf("create %s: sent %d records, got %d ids", model, len(records), len(ids))
	}
	return ids, nil
}

// Write updates records with the same values
func (c *Client) Write(ctx context.Context, model string, ids []int, values map[string]interface{}) error {
	if len(ids) == 0 {
		return nil
	}
	clean, _ := Sanitize(values, c.logger.With().Str("model", model).Logger())
	_, err := c.Execute(ctx, model, "write", []interface{}{intsToInterfaces(ids), clean}, nil)
	return err
}

// Close closes the transport
func (c *Client) Close() error {
	return c.transport.Close()
}

func stringsToInterfaces(list []string) []interface{} {
	out := make([]interface{}, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func toRecords(result interface{}) ([]models.Record, error) {
	list, ok := result.([]interface{})
	if !ok {
		if result == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected read result of type %T", result)
	}
	records := make([]models.Record, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("unexpected record of type %T", item)
		}
		records = append(records, models.Record(m))
	}
	return records, nil
}
