// Package logger configures the process logger and provides a per-job
// in-memory log buffer.
//
// Details are written to the buffer while a job runs. If the job fails the
// buffer is replayed before the final error; if it succeeds the buffer is
// dropped and a single short line is written.
//
// Thread safety comes from a dedicated goroutine reading a command channel;
// there are no mutexes.
package logger

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actSync
)

type cmd struct {
	act     action
	jobID   string
	message string        // Append, Success
	fields  logrus.Fields // Success, FlushErr
	err     error         // FlushErr
	done    chan struct{} // Sync
}

// Buffer collects detail lines per job id.
type Buffer struct {
	log     logrus.FieldLogger
	ch      chan cmd
	once    sync.Once
	quit    chan struct{}
	stopped chan struct{}
	buffers map[string]*strings.Builder // owned by runloop
}

// NewBuffer starts the buffer goroutine writing to log.
func NewBuffer(log logrus.FieldLogger) *Buffer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Buffer{
		log:     log,
		ch:      make(chan cmd, 128),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		buffers: make(map[string]*strings.Builder),
	}
	go b.runloop()
	return b
}

func (b *Buffer) send(c cmd) {
	select {
	case b.ch <- c:
	case <-b.quit:
	}
}

// Begin enables buffering for jobID.
func (b *Buffer) Begin(jobID string) { b.send(cmd{act: actBegin, jobID: jobID}) }

// Append adds a detail line.
func (b *Buffer) Append(jobID, msg string) {
	b.send(cmd{act: actAppend, jobID: jobID, message: msg})
}

// Success drops the buffer and logs msg once.
func (b *Buffer) Success(jobID, msg string, fields logrus.Fields) {
	b.send(cmd{act: actSuccess, jobID: jobID, message: msg, fields: fields})
}

// FlushError replays the buffer and then logs err.
func (b *Buffer) FlushError(jobID string, err error, fields logrus.Fields) {
	b.send(cmd{act: actFlushErr, jobID: jobID, err: err, fields: fields})
}

// Sync waits until every command sent so far has been written.
func (b *Buffer) Sync() {
	done := make(chan struct{})
	b.send(cmd{act: actSync, done: done})
	select {
	case <-done:
	case <-b.quit:
	}
}

// Close writes every command already queued and stops the goroutine.
// Commands sent after Close are dropped, as are buffers of jobs that never
// finished.
func (b *Buffer) Close() {
	b.once.Do(func() { close(b.quit) })
	<-b.stopped
}

func (b *Buffer) runloop() {
	defer close(b.stopped)
	for {
		select {
		case c := <-b.ch:
			b.handle(c)
		case <-b.quit:
			for {
				select {
				case c := <-b.ch:
					b.handle(c)
				default:
					return
				}
			}
		}
	}
}

func (b *Buffer) handle(c cmd) {
	entry := b.log.WithField("job", c.jobID)
	switch c.act {
	case actBegin:
		b.buffers[c.jobID] = &strings.Builder{}

	case actAppend:
		if sb := b.buffers[c.jobID]; sb != nil {
			sb.WriteString(c.message)
			sb.WriteByte('\n')
		} else {
			entry.Debug(c.message)
		}

	case actSuccess:
		entry.WithFields(c.fields).Info(c.message)
		delete(b.buffers, c.jobID)

	case actFlushErr:
		if sb := b.buffers[c.jobID]; sb != nil {
			for _, ln := range strings.Split(strings.TrimRight(sb.String(), "\n"), "\n") {
				if ln != "" {
					entry.Warn(ln)
				}
			}
			delete(b.buffers, c.jobID)
		}
		entry.WithFields(c.fields).WithError(c.err).Error("job failed")

	case actSync:
		close(c.done)
	}
}
