package ledger

import (
	"context"
	"fmt"

	"orbit-oracle/pkg/record"
)

// Recent returns up to k of the newest records in ascending sequence order.
// It works from a count and therefore needs no subscription state, which is
// what a consumer uses to recover after an arbitrary dark period.
//
// The range read is checked for contiguity; when it errors or returns records
// whose sequences do not match their indexes, every index is read on the
// single-record path instead.
func Recent(ctx context.Context, r Reader, dataset, publisher string, k int) ([]record.PositionRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	count, err := r.CountRecords(ctx, dataset, publisher)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	from := uint64(0)
	if count > uint64(k) {
		from = count - uint64(k)
	}
	return Range(ctx, r, dataset, publisher, from, count-1)
}

// Range reads from..to inclusive with the same contiguity check and fallback
// as Recent.
func Range(ctx context.Context, r Reader, dataset, publisher string, from, to uint64) ([]record.PositionRecord, error) {
	recs, err := r.ReadRange(ctx, dataset, publisher, from, to)
	if err == nil && contiguous(recs, from, to) {
		return recs, nil
	}
	if err != nil && ctx.Err() != nil {
		return nil, err
	}

	out := make([]record.PositionRecord, 0, to-from+1)
	for i := from; i <= to; i++ {
		b, err := r.ReadAt(ctx, dataset, publisher, i)
		if err != nil {
			return nil, fmt.Errorf("read index %d: %w", i, err)
		}
		rec, err := record.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("decode index %d: %w", i, err)
		}
		if rec.Sequence != record.SequenceFromUint64(i) {
			return nil, Rejected("read at", fmt.Sprintf("index %d holds sequence %s", i, rec.Sequence), nil)
		}
		out = append(out, rec)
	}
	return out, nil
}

func contiguous(recs []record.PositionRecord, from, to uint64) bool {
	if uint64(len(recs)) != to-from+1 {
		return false
	}
	for i, rec := range recs {
		if rec.Sequence != record.SequenceFromUint64(from+uint64(i)) {
			return false
		}
	}
	return true
}
