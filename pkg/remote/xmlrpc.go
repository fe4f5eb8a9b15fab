package remote

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"
)

const (
	commonPath = "/xmlrpc/2/common"
	objectPath = "/xmlrpc/2/object"
)

// XMLRPCTransport talks to a remote store over XML-RPC
type XMLRPCTransport struct {
	endpoint  Endpoint
	transport http.RoundTripper
	common    *xmlrpc.Client
	object    *xmlrpc.Client
	mu        sync.Mutex
}

// NewXMLRPCTransport creates the transport. A nil round-tripper gets an
// http.Transport whose dial and response-header timeouts follow ep.Timeout.
func NewXMLRPCTransport(ep Endpoint, rt http.RoundTripper) (*XMLRPCTransport, error) {
	if rt == nil {
		rt = newHTTPTransport(ep.Timeout)
	}
	t := &XMLRPCTransport{endpoint: ep, transport: rt}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

func newHTTPTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   30 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

func (t *XMLRPCTransport) connect() error {
	base := strings.TrimRight(t.endpoint.URL, "/")

	common, err := xmlrpc.NewClient(base+commonPath, t.transport)
	if err != nil {
		return fmt.Errorf("failed to create common client: %w", err)
	}
	object, err := xmlrpc.NewClient(base+objectPath, t.transport)
	if err != nil {
		common.Close()
		return fmt.Errorf("failed to create object client: %w", err)
	}

	t.common = common
	t.object = object
	return nil
}

// Authenticate calls common.authenticate
func (t *XMLRPCTransport) Authenticate(db, username, password string) (int, error) {
	t.mu.Lock()
	common := t.common
	t.mu.Unlock()

	var reply interface{}
	err := common.Call("authenticate", []interface{}{db, username, password, map[string]interface{}{}}, &reply)
	if err != nil {
		return 0, err
	}

	// A rejected login answers false instead of a uid
	switch v := reply.(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, nil
	}
}

// Execute calls object.execute_kw
func (t *XMLRPCTransport) Execute(db string, uid int, password, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	t.mu.Lock()
	object := t.object
	t.mu.Unlock()

	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}

	var reply interface{}
	err := object.Call("execute_kw", []interface{}{db, uid, password, model, method, args, kwargs}, &reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Reconnect recreates both clients
func (t *XMLRPCTransport) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeClients()
	if ht, ok := t.transport.(*http.Transport); ok {
		ht.CloseIdleConnections()
	}
	return t.connect()
}

// Close releases the clients
func (t *XMLRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeClients()
	return nil
}

func (t *XMLRPCTransport) closeClients() {
	if t.common != nil {
		t.common.Close()
	}
	if t.object != nil {
		t.object.Close()
	}
}
