package subscription

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orbit-oracle/pkg/record"
)

// Dial opens a remote subscription served by Server. The returned
// Subscription follows the same contract as Channel.Subscribe: OnData per
// record, OnError once on any connection loss, no reconnect. Cancelling ctx
// ends it silently, like Unsubscribe.
func Dial(ctx context.Context, url string, h Handler) (*Subscription, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	wc, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			_ = wc.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			_ = wc.Close()
		})
	}
	s := newSubscription(closeConn, h)

	go func() {
		select {
		case <-ctx.Done():
			s.stopped.Store(true)
			closeConn()
		case <-s.done:
		}
	}()

	go func() {
		defer close(s.done)
		defer closeConn()
		s.bind()

		_ = wc.SetReadDeadline(time.Now().Add(pongWait))
		wc.SetPingHandler(func(data string) error {
			_ = wc.SetReadDeadline(time.Now().Add(pongWait))
			return wc.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		})
		for {
			op, b, err := wc.ReadMessage()
			if err != nil {
				s.fail(&TransportError{Op: "read", Err: err})
				return
			}
			_ = wc.SetReadDeadline(time.Now().Add(pongWait))
			if op != websocket.BinaryMessage {
				continue
			}
			rec, err := record.Decode(b)
			if err != nil {
				s.fail(&TransportError{Op: "decode", Err: err})
				return
			}
			if !s.deliver(rec) {
				return
			}
		}
	}()
	return s, nil
}
