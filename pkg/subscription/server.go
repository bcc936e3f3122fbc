package subscription

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/record"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	sendBuffer   = 32
)

var errSlowConsumer = errors.New("consumer too slow, closing")

// QueryFor resolves the bundled read for a topic, or false if the topic is
// not served.
type QueryFor func(topic string) (BundledQuery, bool)

// Server exposes a Channel over websockets. Each connection owns one
// subscription; every record goes out as a single binary frame holding the
// encoded record.
type Server struct {
	channel  *Channel
	queryFor QueryFor
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewServer serves subscriptions on ch.
func NewServer(ch *Channel, queryFor QueryFor) *Server {
	return &Server{
		channel:  ch,
		queryFor: queryFor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logrus.WithField("component", "ws"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	query, ok := s.queryFor(topic)
	if !ok {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}

	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade failed: %v", err)
		return
	}
	defer wc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := make(chan []byte, sendBuffer)
	closing := make(chan error, 1)
	report := func(err error) {
		select {
		case closing <- err:
		default:
		}
	}

	sub, err := s.channel.Subscribe(ctx, topic, query, Handler{
		OnData: func(rec record.PositionRecord) {
			b, err := record.Encode(rec)
			if err != nil {
				report(err)
				return
			}
			select {
			case send <- b:
			default:
				report(errSlowConsumer)
			}
		},
		OnError: report,
	})
	if err != nil {
		s.log.Warnf("subscribe %s: %v", topic, err)
		closeWith(wc, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Unsubscribe()

	remote := r.RemoteAddr
	s.log.Debugf("ws subscriber %s joined topic %s", remote, topic)
	defer s.log.Debugf("ws subscriber %s left topic %s", remote, topic)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		wc.SetReadLimit(512)
		_ = wc.SetReadDeadline(time.Now().Add(pongWait))
		wc.SetPongHandler(func(string) error {
			return wc.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case b := <-send:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		case err := <-closing:
			s.log.Infof("closing ws subscriber %s: %v", remote, err)
			closeWith(wc, websocket.CloseInternalServerErr, err.Error())
			return
		case <-readerDone:
			return
		case <-ticker.C:
			_ = wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame. Control frame payloads are capped at 125
// bytes, two of which hold the code.
func closeWith(wc *websocket.Conn, code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = wc.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
}
