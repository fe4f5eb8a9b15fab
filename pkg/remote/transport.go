package remote

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Transport speaks the fixed RPC verb set of a remote store
type Transport interface {
	// Authenticate returns the session uid, 0 when the credentials are rejected
	Authenticate(db, username, password string) (int, error)
	// Execute runs method on model with positional args and keyword args
	Execute(db string, uid int, password, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
	// Reconnect drops and recreates the underlying connections
	Reconnect() error
	Close() error
}

// Endpoint identifies a remote store and the credentials used on it
type Endpoint struct {
	URL      string
	DB       string
	Username string
	Password string
	Timeout  time.Duration
}

// Redacted returns the endpoint URL without user info for logging
func (e Endpoint) Redacted() string {
	u, err := url.Parse(e.URL)
	if err != nil {
		return e.URL
	}
	u.User = nil
	return u.String()
}

// TransportFactory creates a transport for an endpoint
type TransportFactory func(ep Endpoint, logger zerolog.Logger) (Transport, error)

var (
	transportMu       sync.RWMutex
	transportRegistry = make(map[string]TransportFactory)
)

// RegisterTransport registers a transport implementation for a URL scheme
func RegisterTransport(scheme string, factory TransportFactory) {
	transportMu.Lock()
	defer transportMu.Unlock()
	transportRegistry[scheme] = factory
}

// NewTransport creates a transport by the scheme of the endpoint URL
func NewTransport(ep Endpoint, logger zerolog.Logger) (Transport, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", ep.URL, err)
	}

	transportMu.RLock()
	factory, exists := transportRegistry[u.Scheme]
	transportMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transport scheme: %q", u.Scheme)
	}

	return factory(ep, logger)
}

// ListTransports returns all registered schemes
func ListTransports() []string {
	transportMu.RLock()
	defer transportMu.RUnlock()

	schemes := make([]string, 0, len(transportRegistry))
	for scheme := range transportRegistry {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

func init() {
	xmlrpcFactory := func(ep Endpoint, logger zerolog.Logger) (Transport, error) {
		return NewXMLRPCTransport(ep, nil)
	}
	RegisterTransport("http", xmlrpcFactory)
	RegisterTransport("https", xmlrpcFactory)

	RegisterTransport("sqlite", func(ep Endpoint, logger zerolog.Logger) (Transport, error) {
		return OpenLocalTransport(ep, logger)
	})
}
