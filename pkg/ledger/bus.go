package ledger

import (
	"context"
	"errors"
)

// ErrSlowListener is reported to a listener whose buffer filled up. Its
// channel is closed instead of silently losing notifications, so the consumer
// notices and catches up from history.
var ErrSlowListener = errors.New("notification listener fell behind")

// ErrBusClosed is returned by Listen after Close.
var ErrBusClosed = errors.New("notification bus closed")

// Bus fans notifications out to in-process listeners. One goroutine owns the
// listener table, so no locks are needed.
type Bus struct {
	buffer      int
	publish     chan Notification
	subscribe   chan *busListener
	unsubscribe chan *busListener
	quit        chan struct{}
}

type busListener struct {
	topic string
	ch    chan Notification
	errs  chan error
}

// NewBus starts the fan-out goroutine. buffer is the per-listener backlog.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	b := &Bus{
		buffer:      buffer,
		publish:     make(chan Notification, buffer),
		subscribe:   make(chan *busListener),
		unsubscribe: make(chan *busListener),
		quit:        make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish queues n for every listener of n.Topic. It blocks only while the
// bus backlog itself is full.
func (b *Bus) Publish(n Notification) {
	select {
	case b.publish <- n:
	case <-b.quit:
	}
}

// Listen implements Notifier.
func (b *Bus) Listen(ctx context.Context, topic string) (<-chan Notification, <-chan error, error) {
	l := &busListener{
		topic: topic,
		ch:    make(chan Notification, b.buffer),
		errs:  make(chan error, 1),
	}
	select {
	case b.subscribe <- l:
	case <-b.quit:
		return nil, nil, ErrBusClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	go func() {
		select {
		case <-ctx.Done():
			select {
			case b.unsubscribe <- l:
			case <-b.quit:
			}
		case <-b.quit:
		}
	}()
	return l.ch, l.errs, nil
}

// Close stops the bus and closes every listener.
func (b *Bus) Close() {
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
}

func (b *Bus) run() {
	listeners := make(map[string][]*busListener)
	drop := func(l *busListener) {
		list := listeners[l.topic]
		kept := list[:0]
		for _, existing := range list {
			if existing != l {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(listeners, l.topic)
		} else {
			listeners[l.topic] = kept
		}
	}

	for {
		select {
		case <-b.quit:
			for _, list := range listeners {
				for _, l := range list {
					l.errs <- ErrBusClosed
					close(l.ch)
				}
			}
			return
		case l := <-b.subscribe:
			listeners[l.topic] = append(listeners[l.topic], l)
		case l := <-b.unsubscribe:
			for _, existing := range listeners[l.topic] {
				if existing == l {
					drop(l)
					close(l.ch)
					break
				}
			}
		case n := <-b.publish:
			for _, l := range append([]*busListener(nil), listeners[n.Topic]...) {
				select {
				case l.ch <- n:
				default:
					l.errs <- ErrSlowListener
					drop(l)
					close(l.ch)
				}
			}
		}
	}
}
