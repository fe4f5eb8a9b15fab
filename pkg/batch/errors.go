package batch

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLengthMismatch = errors.New("length mismatch")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrTimeout        = errors.New("batch timed out")
)

// LengthMismatchError reports parallel record and id lists of different sizes
type LengthMismatchError struct {
	Records int
	IDs     int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("%s: %d records, %d source ids", ErrLengthMismatch, e.Records, e.IDs)
}

func (e *LengthMismatchError) Unwrap() error { return ErrLengthMismatch }

// InvalidRecordError reports an item that cannot be sent
type InvalidRecordError struct {
	Index    int
	SourceID int
	Reason   string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("%s at position %d (source id %d): %s", ErrInvalidRecord, e.Index, e.SourceID, e.Reason)
}

func (e *InvalidRecordError) Unwrap() error { return ErrInvalidRecord }

// TimeoutError is returned when neither the call nor reconciliation confirmed
// every record before the ceiling
type TimeoutError struct {
	Model   string
	BatchID string
	Pending []int
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s batch %s, %d records unconfirmed after %s",
		ErrTimeout, e.Model, e.BatchID, len(e.Pending), e.Waited)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
