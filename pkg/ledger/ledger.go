// Package ledger describes the append-only store the oracle writes to and the
// capabilities readers use to consume it.
//
// History reads go through a request/response Reader while live updates
// arrive through a Notifier. The two never share a transport handle and are
// injected independently.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"orbit-oracle/pkg/record"
)

// Reader answers history queries for a (dataset, publisher) partition.
type Reader interface {
	// CountRecords returns how many records were ever appended. The value is
	// also the sequence the next append must carry.
	CountRecords(ctx context.Context, dataset, publisher string) (uint64, error)
	// ReadRange returns records from..to inclusive in index order.
	ReadRange(ctx context.Context, dataset, publisher string, from, to uint64) ([]record.PositionRecord, error)
	// ReadAt returns the encoded record at an absolute index.
	ReadAt(ctx context.Context, dataset, publisher string, index uint64) ([]byte, error)
	// ReadLatest returns the most recently appended record, or false when the
	// partition is empty.
	ReadLatest(ctx context.Context, dataset, publisher string) ([]byte, bool, error)
}

// Writer appends records on behalf of the publisher identity it was built
// for. The caller guarantees key uniqueness within a dataset.
type Writer interface {
	AppendRecord(ctx context.Context, dataset, key string, payload []byte) (Receipt, error)
	// AppendRecordAndNotify stores the record and emits a payload-free
	// notification in the same step; readers never observe one without the
	// other.
	AppendRecordAndNotify(ctx context.Context, dataset, key string, payload []byte, notificationID string) (Receipt, error)
}

// Client is the full request/response capability used by the publisher.
type Client interface {
	Reader
	Writer
}

// Notification is the store-side signal that a record landed. It carries no
// record data; subscribers fetch it with a bundled query.
type Notification struct {
	ID        string
	Topic     string
	Publisher string
	Index     uint64
}

// Notifier delivers notifications for a topic (a dataset name). The
// notification channel closes when ctx ends or the transport fails; in the
// latter case the error channel yields the cause first.
type Notifier interface {
	Listen(ctx context.Context, topic string) (<-chan Notification, <-chan error, error)
}

// Receipt describes a successful append.
type Receipt struct {
	Index          uint64
	Key            string
	TxID           string
	NotificationID string
}

// UnavailableError reports a transient failure reaching the store.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger %s unavailable: %v", e.Op, e.Err)
}
func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError reports that the store refused an operation for a
// structural reason such as a duplicate key or an out-of-order sequence.
type RejectedError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger %s rejected: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("ledger %s rejected: %s", e.Op, e.Reason)
}
func (e *RejectedError) Unwrap() error { return e.Err }

// ErrNotFound is wrapped by ReadAt when the index has not been written yet.
var ErrNotFound = errors.New("record not found")

func Unavailable(op string, err error) error { return &UnavailableError{Op: op, Err: err} }

func Rejected(op, reason string, err error) error {
	return &RejectedError{Op: op, Reason: reason, Err: err}
}

func IsUnavailable(err error) bool {
	var e *UnavailableError
	return errors.As(err, &e)
}

func IsRejected(err error) bool {
	var e *RejectedError
	return errors.As(err, &e)
}
