package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"orbit-oracle/pkg/record"
)

// Memory is an in-process ledger. It enforces the same append rules as the
// SQL ledger and publishes notifications on its own Bus.
type Memory struct {
	publisher string
	bus       *Bus

	mu      sync.RWMutex
	records map[partition][][]byte
	keys    map[string]map[string]struct{}
}

type partition struct{ dataset, publisher string }

// NewMemory returns an empty ledger that appends as publisher.
func NewMemory(publisher string) *Memory {
	return &Memory{
		publisher: publisher,
		bus:       NewBus(0),
		records:   make(map[partition][][]byte),
		keys:      make(map[string]map[string]struct{}),
	}
}

// Notifier exposes the push side of the ledger.
func (m *Memory) Notifier() Notifier { return m.bus }

func (m *Memory) Close() { m.bus.Close() }

func (m *Memory) CountRecords(ctx context.Context, dataset, publisher string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable("count", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records[partition{dataset, publisher}])), nil
}

func (m *Memory) ReadRange(ctx context.Context, dataset, publisher string, from, to uint64) ([]record.PositionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("read range", err)
	}
	if to < from {
		return nil, Rejected("read range", fmt.Sprintf("range %d..%d inverted", from, to), nil)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.records[partition{dataset, publisher}]
	if from >= uint64(len(list)) {
		return nil, nil
	}
	if to >= uint64(len(list)) {
		to = uint64(len(list)) - 1
	}
	out := make([]record.PositionRecord, 0, to-from+1)
	for _, b := range list[from : to+1] {
		r, err := record.Decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) ReadAt(ctx context.Context, dataset, publisher string, index uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable("read at", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.records[partition{dataset, publisher}]
	if index >= uint64(len(list)) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	return append([]byte(nil), list[index]...), nil
}

func (m *Memory) ReadLatest(ctx context.Context, dataset, publisher string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, Unavailable("read latest", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.records[partition{dataset, publisher}]
	if len(list) == 0 {
		return nil, false, nil
	}
	return append([]byte(nil), list[len(list)-1]...), true, nil
}

func (m *Memory) AppendRecord(ctx context.Context, dataset, key string, payload []byte) (Receipt, error) {
	return m.append(ctx, dataset, key, payload, "")
}

func (m *Memory) AppendRecordAndNotify(ctx context.Context, dataset, key string, payload []byte, notificationID string) (Receipt, error) {
	if notificationID == "" {
		return Receipt{}, Rejected("append", "empty notification id", nil)
	}
	return m.append(ctx, dataset, key, payload, notificationID)
}

func (m *Memory) append(ctx context.Context, dataset, key string, payload []byte, notificationID string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, Unavailable("append", err)
	}
	rec, err := record.Decode(payload)
	if err != nil {
		return Receipt{}, Rejected("append", "payload does not match schema", err)
	}

	m.mu.Lock()
	p := partition{dataset, m.publisher}
	next := uint64(len(m.records[p]))
	if want := record.SequenceFromUint64(next); rec.Sequence != want {
		m.mu.Unlock()
		return Receipt{}, Rejected("append", fmt.Sprintf("sequence %s, next is %d", rec.Sequence, next), nil)
	}
	if _, dup := m.keys[dataset][key]; dup {
		m.mu.Unlock()
		return Receipt{}, Rejected("append", fmt.Sprintf("key %q already used", key), nil)
	}
	if m.keys[dataset] == nil {
		m.keys[dataset] = make(map[string]struct{})
	}
	m.keys[dataset][key] = struct{}{}
	m.records[p] = append(m.records[p], append([]byte(nil), payload...))
	// Publishing under the lock keeps emission order equal to append order.
	if notificationID != "" {
		m.bus.Publish(Notification{ID: notificationID, Topic: dataset, Publisher: m.publisher, Index: next})
	}
	m.mu.Unlock()

	sum := sha256.Sum256(append([]byte(key), payload...))
	return Receipt{Index: next, Key: key, TxID: hex.EncodeToString(sum[:]), NotificationID: notificationID}, nil
}
