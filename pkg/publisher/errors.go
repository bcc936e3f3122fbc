package publisher

import (
	"fmt"

	"orbit-oracle/pkg/ledger"
)

// Kind classifies why a cycle failed.
type Kind string

const (
	KindFeed              Kind = "feed"
	KindEncode            Kind = "encode"
	KindLedgerUnavailable Kind = "ledger-unavailable"
	KindLedgerRejected    Kind = "ledger-rejected"
)

// CycleError carries enough context to diagnose a skipped tick. Sequence is
// -1 when the ledger count itself failed.
type CycleError struct {
	Kind       Kind
	Sequence   int64
	CapturedAt int64
	Err        error
}

func (e *CycleError) Error() string {
	if e.Sequence < 0 {
		return fmt.Sprintf("publish cycle failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("publish cycle for sequence %d failed (%s): %v", e.Sequence, e.Kind, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

func ledgerKind(err error) Kind {
	if ledger.IsRejected(err) {
		return KindLedgerRejected
	}
	return KindLedgerUnavailable
}
