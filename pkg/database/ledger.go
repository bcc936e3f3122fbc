package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/record"
)

// rangeColumns is deliberately not in record layout order: range reads rebuild
// records by column name only.
var rangeColumns = []string{
	"seq_text", "subject_id", "visibility_state", "speed_kmh", "captured_at",
	"precision_m", "elevation_m", "longitude", "latitude",
}

// Ledger is the SQL-backed ledger for one publisher identity. It implements
// ledger.Client; Notifier returns the push side.
type Ledger struct {
	db        *Database
	publisher string
	bus       *ledger.Bus
	now       func() time.Time

	// mu keeps bus emission order equal to commit order.
	mu sync.Mutex
}

// Ledger binds the database to a publisher identity.
func (db *Database) Ledger(publisher string) *Ledger {
	return &Ledger{db: db, publisher: publisher, bus: ledger.NewBus(0), now: time.Now}
}

// Notifier returns the push side of the ledger. PostgreSQL delivers through
// LISTEN on a dedicated connection; embedded engines use the in-process bus.
func (l *Ledger) Notifier() ledger.Notifier {
	if l.db.Driver == "pgx" {
		return NewPGListener(l.db.dsn)
	}
	return l.bus
}

// Close stops the in-process bus. The database handle stays open.
func (l *Ledger) Close() { l.bus.Close() }

func (l *Ledger) CountRecords(ctx context.Context, dataset, publisher string) (uint64, error) {
	next := newPlaceholderGenerator(l.db.Driver)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM ledger_records WHERE dataset = %s AND publisher = %s`, next(), next())
	var n int64
	if err := l.db.DB.QueryRowContext(ctx, query, dataset, publisher).Scan(&n); err != nil {
		return 0, classify("count", err)
	}
	return uint64(n), nil
}

func (l *Ledger) ReadRange(ctx context.Context, dataset, publisher string, from, to uint64) ([]record.PositionRecord, error) {
	if to < from {
		return nil, ledger.Rejected("read range", fmt.Sprintf("range %d..%d inverted", from, to), nil)
	}
	next := newPlaceholderGenerator(l.db.Driver)
	query := fmt.Sprintf(`SELECT %s FROM ledger_records
WHERE dataset = %s AND publisher = %s AND idx >= %s AND idx <= %s
ORDER BY idx`, strings.Join(rangeColumns, ", "), next(), next(), next(), next())

	rows, err := l.db.DB.QueryContext(ctx, query, dataset, publisher, int64(from), int64(to))
	if err != nil {
		return nil, classify("read range", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify("read range", err)
	}
	var out []record.PositionRecord
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("read range", err)
		}
		fields := make(map[string]any, len(cols))
		for i, c := range cols {
			fields[c] = values[i]
		}
		rec, err := record.FromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("read range: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read range", err)
	}
	return out, nil
}

func (l *Ledger) ReadAt(ctx context.Context, dataset, publisher string, index uint64) ([]byte, error) {
	next := newPlaceholderGenerator(l.db.Driver)
	query := fmt.Sprintf(`SELECT payload FROM ledger_records WHERE dataset = %s AND publisher = %s AND idx = %s`, next(), next(), next())
	var payload []byte
	err := l.db.DB.QueryRowContext(ctx, query, dataset, publisher, int64(index)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index %d: %w", index, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, classify("read at", err)
	}
	return payload, nil
}

func (l *Ledger) ReadLatest(ctx context.Context, dataset, publisher string) ([]byte, bool, error) {
	next := newPlaceholderGenerator(l.db.Driver)
	query := fmt.Sprintf(`SELECT payload FROM ledger_records WHERE dataset = %s AND publisher = %s ORDER BY idx DESC LIMIT 1`, next(), next())
	var payload []byte
	err := l.db.DB.QueryRowContext(ctx, query, dataset, publisher).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("read latest", err)
	}
	return payload, true, nil
}

func (l *Ledger) AppendRecord(ctx context.Context, dataset, key string, payload []byte) (ledger.Receipt, error) {
	return l.append(ctx, dataset, key, payload, "")
}

func (l *Ledger) AppendRecordAndNotify(ctx context.Context, dataset, key string, payload []byte, notificationID string) (ledger.Receipt, error) {
	if notificationID == "" {
		return ledger.Receipt{}, ledger.Rejected("append", "empty notification id", nil)
	}
	return l.append(ctx, dataset, key, payload, notificationID)
}

// append runs count, sequence check, key check, insert and notification in a
// single transaction. PostgreSQL's pg_notify is transactional, so listeners
// hear about the record only once it is committed.
func (l *Ledger) append(ctx context.Context, dataset, key string, payload []byte, notificationID string) (ledger.Receipt, error) {
	rec, err := record.Decode(payload)
	if err != nil {
		return ledger.Receipt{}, ledger.Rejected("append", "payload does not match schema", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, classify("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	next := newPlaceholderGenerator(l.db.Driver)
	var count int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM ledger_records WHERE dataset = %s AND publisher = %s`, next(), next())
	if err := tx.QueryRowContext(ctx, countQuery, dataset, l.publisher).Scan(&count); err != nil {
		return ledger.Receipt{}, classify("append", err)
	}
	index := uint64(count)
	if rec.Sequence != record.SequenceFromUint64(index) {
		return ledger.Receipt{}, ledger.Rejected("append", fmt.Sprintf("sequence %s, next is %d", rec.Sequence, index), nil)
	}

	next = newPlaceholderGenerator(l.db.Driver)
	var used int64
	keyQuery := fmt.Sprintf(`SELECT COUNT(*) FROM ledger_records WHERE dataset = %s AND record_key = %s`, next(), next())
	if err := tx.QueryRowContext(ctx, keyQuery, dataset, key).Scan(&used); err != nil {
		return ledger.Receipt{}, classify("append", err)
	}
	if used > 0 {
		return ledger.Receipt{}, ledger.Rejected("append", fmt.Sprintf("key %q already used", key), nil)
	}

	sum := sha256.Sum256(append([]byte(key), payload...))
	txID := hex.EncodeToString(sum[:])
	createdAt := l.now().UnixMilli()

	next = newPlaceholderGenerator(l.db.Driver)
	cols := []string{"dataset", "publisher", "idx", "record_key", "captured_at", "latitude", "longitude",
		"elevation_m", "precision_m", "subject_id", "seq_text", "speed_kmh", "visibility_state",
		"payload", "tx_id", "created_at"}
	marks := make([]string, len(cols))
	for i := range marks {
		marks[i] = next()
	}
	insert := fmt.Sprintf(`INSERT INTO ledger_records (%s) VALUES (%s)`, strings.Join(cols, ", "), strings.Join(marks, ", "))
	_, err = tx.ExecContext(ctx, insert,
		dataset, l.publisher, int64(index), key,
		rec.CapturedAt, int64(rec.Latitude), int64(rec.Longitude),
		int64(rec.Elevation), int64(rec.Precision), rec.SubjectID[:], rec.Sequence.String(),
		int64(rec.Speed), int64(rec.Visibility),
		payload, txID, createdAt)
	if err != nil {
		return ledger.Receipt{}, classify("append", err)
	}

	note := ledger.Notification{ID: notificationID, Topic: dataset, Publisher: l.publisher, Index: index}
	if notificationID != "" {
		next = newPlaceholderGenerator(l.db.Driver)
		insertNote := fmt.Sprintf(`INSERT INTO ledger_notifications (id, dataset, publisher, idx, created_at) VALUES (%s, %s, %s, %s, %s)`,
			next(), next(), next(), next(), next())
		if _, err := tx.ExecContext(ctx, insertNote, notificationID, dataset, l.publisher, int64(index), createdAt); err != nil {
			return ledger.Receipt{}, classify("append", err)
		}
		if l.db.Driver == "pgx" {
			body, err := json.Marshal(pgNotification{ID: note.ID, Publisher: note.Publisher, Index: note.Index})
			if err != nil {
				return ledger.Receipt{}, fmt.Errorf("append: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelName(dataset), string(body)); err != nil {
				return ledger.Receipt{}, classify("append", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, classify("append", err)
	}
	if notificationID != "" && l.db.Driver != "pgx" {
		l.bus.Publish(note)
	}
	return ledger.Receipt{Index: index, Key: key, TxID: txID, NotificationID: notificationID}, nil
}

// classify maps driver errors onto the ledger's two failure kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "23") {
			return ledger.Rejected(op, pgErr.Message, err)
		}
		return ledger.Unavailable(op, err)
	}
	if isConflict(err) {
		return ledger.Rejected(op, "constraint violation", err)
	}
	return ledger.Unavailable(op, err)
}

// isConflict detects duplicate-key errors reported by the embedded engines,
// which only expose them through their message text.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"duplicate key", "constraint error", "constraint failed", "unique constraint", "already exists"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
