package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/record"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := NewDatabase(Config{DBType: "sqlite", DBPath: filepath.Join(t.TempDir(), "ledger.sqlite")})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	l := db.Ledger("oracle-1")
	t.Cleanup(l.Close)
	return l
}

func testPayload(t *testing.T, seq uint64) []byte {
	t.Helper()
	subject, _ := record.SubjectFromString("ISS")
	b, err := record.Encode(record.PositionRecord{
		CapturedAt: 1_700_000_000_000 + int64(seq)*5000,
		Latitude:   -51_234_567,
		Longitude:  179_999_999,
		Elevation:  408_000,
		Precision:  1000,
		SubjectID:  subject,
		Sequence:   record.SequenceFromUint64(seq),
		Speed:      27600,
		Visibility: record.Eclipsed,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return b
}

// TestSQLiteLedgerAppendAndRead covers the append rules and the read paths
// against a real SQLite file.
func TestSQLiteLedgerAppendAndRead(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	ctx := context.Background()

	for i := uint64(0); i < 4; i++ {
		rcpt, err := l.AppendRecordAndNotify(ctx, "iss", fmt.Sprintf("%032d", i), testPayload(t, i), fmt.Sprintf("note-%d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if rcpt.Index != i || rcpt.TxID == "" {
			t.Fatalf("receipt %d = %+v", i, rcpt)
		}
	}

	if _, err := l.AppendRecord(ctx, "iss", "fresh-key", testPayload(t, 2)); !ledger.IsRejected(err) {
		t.Fatalf("stale sequence err=%v want rejected", err)
	}
	if _, err := l.AppendRecord(ctx, "iss", fmt.Sprintf("%032d", 1), testPayload(t, 4)); !ledger.IsRejected(err) {
		t.Fatalf("duplicate key err=%v want rejected", err)
	}

	n, err := l.CountRecords(ctx, "iss", "oracle-1")
	if err != nil || n != 4 {
		t.Fatalf("CountRecords=%d,%v want 4", n, err)
	}

	recs, err := l.ReadRange(ctx, "iss", "oracle-1", 1, 3)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("ReadRange len=%d want 3", len(recs))
	}
	for i, rec := range recs {
		want, _ := record.Decode(testPayload(t, uint64(1+i)))
		if rec != want {
			t.Fatalf("ReadRange[%d]=%+v want %+v", i, rec, want)
		}
	}

	raw, err := l.ReadAt(ctx, "iss", "oracle-1", 2)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(raw) != string(testPayload(t, 2)) {
		t.Fatal("ReadAt returned different bytes")
	}
	if _, err := l.ReadAt(ctx, "iss", "oracle-1", 9); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("ReadAt(9) err=%v", err)
	}

	latest, ok, err := l.ReadLatest(ctx, "iss", "oracle-1")
	if err != nil || !ok || string(latest) != string(testPayload(t, 3)) {
		t.Fatalf("ReadLatest ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.ReadLatest(ctx, "other", "oracle-1"); ok || err != nil {
		t.Fatalf("ReadLatest on empty dataset ok=%v err=%v", ok, err)
	}

	tail, err := ledger.Recent(ctx, l, "iss", "oracle-1", 2)
	if err != nil || len(tail) != 2 || tail[1].Sequence != record.SequenceFromUint64(3) {
		t.Fatalf("Recent=%v,%v", tail, err)
	}
}

// TestSQLiteLedgerNotifiesAfterCommit checks that the bus only hears about
// records that were actually stored.
func TestSQLiteLedgerNotifiesAfterCommit(t *testing.T) {
	t.Parallel()

	l := openTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes, _, err := l.Notifier().Listen(ctx, "iss")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := l.AppendRecordAndNotify(ctx, "iss", "k0", testPayload(t, 1), "bad"); err == nil {
		t.Fatal("out-of-order append accepted")
	}
	if _, err := l.AppendRecordAndNotify(ctx, "iss", "k0", testPayload(t, 0), "good"); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case n := <-notes:
		if n.ID != "good" || n.Index != 0 || n.Publisher != "oracle-1" {
			t.Fatalf("notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		rejected bool
	}{
		{name: "sqlite unique", err: errors.New("constraint failed: UNIQUE constraint failed: ledger_records.dataset (2067)"), rejected: true},
		{name: "duckdb duplicate", err: errors.New("Constraint Error: Duplicate key \"idx: 3\" violates primary key constraint"), rejected: true},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")},
		{name: "deadline", err: context.DeadlineExceeded},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classify("append", tc.err)
			if ledger.IsRejected(err) != tc.rejected || ledger.IsUnavailable(err) == tc.rejected {
				t.Fatalf("classify(%v)=%v rejected=%v", tc.err, err, tc.rejected)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("classify lost the cause: %v", err)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()

	got, err := DSN(Config{DBType: "pgx", DBUser: "u", DBPass: "p", DBHost: "h", DBPort: 5432, DBName: "orbit"})
	if err != nil || got != "postgres://u:p@h:5432/orbit?sslmode=disable" {
		t.Fatalf("DSN=%q,%v", got, err)
	}
	if got, _ := DSN(Config{DBType: " SQLite ", Port: 8765}); got != "ledger-8765.sqlite" {
		t.Fatalf("sqlite DSN=%q", got)
	}
	if _, err := DSN(Config{DBType: "oracle"}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestSQLiteTuning(t *testing.T) {
	t.Parallel()

	db, err := NewDatabase(Config{DBType: "sqlite", DBPath: filepath.Join(t.TempDir(), "tuned.sqlite")})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	defer db.Close()

	var logged []string
	if err := tuneSQLiteLikeConnection(context.Background(), db.DB, func(f string, a ...any) {
		logged = append(logged, fmt.Sprintf(f, a...))
	}); err != nil {
		t.Fatalf("tune: %v", err)
	}
	if len(logged) != len(sqlitePragmas) {
		t.Fatalf("logged %v", logged)
	}
	var mode string
	if err := db.DB.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
		t.Fatalf("journal_mode=%q err=%v", mode, err)
	}
}
