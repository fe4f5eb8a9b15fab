package remote

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kolo/xmlrpc"
)

var (
	// ErrAuth is returned when the remote store rejects the credentials
	ErrAuth = errors.New("authentication failed")
	// ErrNotAuthenticated is returned when a call is made before Authenticate
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRead is returned when a read fails on the transport
	ErrRead = errors.New("read failed")
)

// ReadError carries the context of a failed read
type ReadError struct {
	Model  string
	Offset int
	Limit  int
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s (offset %d, limit %d): %v", e.Model, e.Offset, e.Limit, e.Err)
}

func (e *ReadError) Unwrap() []error { return []error{ErrRead, e.Err} }

// Fault is an application-level error reported by the remote store
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("remote fault %d: %s", f.Code, f.Message)
}

// NewFault builds a remote fault
func NewFault(format string, args ...interface{}) *Fault {
	return &Fault{Code: 1, Message: fmt.Sprintf(format, args...)}
}

// AsFault extracts the remote fault from err, whichever transport produced it
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	var xf xmlrpc.FaultError
	if errors.As(err, &xf) {
		return &Fault{Code: xf.Code, Message: xf.String}, true
	}
	var xfp *xmlrpc.FaultError
	if errors.As(err, &xfp) && xfp != nil {
		return &Fault{Code: xfp.Code, Message: xfp.String}, true
	}
	return nil, false
}

// FaultKind classifies an error for the retry policy
type FaultKind int

const (
	// FaultPermanent is not retried
	FaultPermanent FaultKind = iota
	// FaultNetwork is a transient transport fault
	FaultNetwork
	// FaultConflict is a write-write conflict signalled by the target
	FaultConflict
)

func (k FaultKind) String() string {
	switch k {
	case FaultNetwork:
		return "network"
	case FaultConflict:
		return "conflict"
	default:
		return "permanent"
	}
}

var (
	networkMarkers  = []string{"connection reset", "broken pipe", "connection refused", "connection aborted"}
	conflictMarkers = []string{"could not serialize", "concurrent update", "serialization failure"}
)

// Classify decides whether err is worth retrying
func Classify(err error) FaultKind {
	if err == nil {
		return FaultPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, m := range conflictMarkers {
		if strings.Contains(msg, m) {
			return FaultConflict
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return FaultNetwork
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return FaultNetwork
		}
	}
	return FaultPermanent
}

// IsMissingMethod reports whether a fault says the called procedure does not exist
// or cannot take the given payload
func IsMissingMethod(err error) bool {
	f, ok := AsFault(err)
	if !ok {
		return false
	}
	msg := strings.ToLower(f.Message)
	for _, m := range []string{"does not exist", "has no attribute", "not found", "unknown method", "takes", "positional argument"} {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
