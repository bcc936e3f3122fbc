package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/ledger"
)

// pgNotification is the pg_notify payload. The record itself never travels on
// the channel.
type pgNotification struct {
	ID        string `json:"id"`
	Publisher string `json:"publisher"`
	Index     uint64 `json:"index"`
}

// channelName maps a dataset onto a LISTEN channel. PostgreSQL truncates
// identifiers at 63 bytes.
func channelName(dataset string) string {
	name := "ledger:" + dataset
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// PGListener delivers pg_notify events over a dedicated connection. It never
// borrows from the *sql.DB pool, so history queries and the push transport do
// not share a handle.
type PGListener struct {
	dsn string
	log *logrus.Entry
}

// NewPGListener returns a notifier that dials dsn on every Listen call.
func NewPGListener(dsn string) *PGListener {
	return &PGListener{dsn: dsn, log: logrus.WithField("component", "pg-listener")}
}

// Listen implements ledger.Notifier.
func (l *PGListener) Listen(ctx context.Context, topic string) (<-chan ledger.Notification, <-chan error, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := pgx.Connect(dialCtx, l.dsn)
	if err != nil {
		return nil, nil, ledger.Unavailable("listen", err)
	}
	channel := channelName(topic)
	if _, err := conn.Exec(dialCtx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, nil, ledger.Unavailable("listen", err)
	}

	out := make(chan ledger.Notification, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Close(closeCtx)
			cancel()
		}()
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errs <- ledger.Unavailable("listen", err)
				}
				return
			}
			var body pgNotification
			if err := json.Unmarshal([]byte(n.Payload), &body); err != nil {
				l.log.Warnf("ignoring malformed notification on %s: %v", n.Channel, err)
				continue
			}
			note := ledger.Notification{ID: body.ID, Topic: topic, Publisher: body.Publisher, Index: body.Index}
			select {
			case out <- note:
			case <-ctx.Done():
				return
			default:
				errs <- fmt.Errorf("listen %s: %w", topic, ledger.ErrSlowListener)
				return
			}
		}
	}()
	return out, errs, nil
}
