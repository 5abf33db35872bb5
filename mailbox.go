package geoview

import (
	"sync"

	"go.uber.org/zap"
)

// mailbox runs posted functions one at a time, in post order, on its
// own goroutine. Once closed, post runs the function inline.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

func newMailbox(logger *zap.Logger) *mailbox {
	m := &mailbox{
		done:   make(chan struct{}),
		logger: logger,
	}
	m.cond = sync.NewCond(&m.mu)
	go m.loop()
	return m
}

func (m *mailbox) post(fn func()) {
	if !m.enqueue(fn) {
		m.run(fn)
	}
}

// tryPost queues fn unless the mailbox is closed. It never runs fn on
// the caller's goroutine, so it is safe to call with locks held.
func (m *mailbox) tryPost(fn func()) bool {
	return m.enqueue(fn)
}

func (m *mailbox) enqueue(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.cond.Signal()
	return true
}

func (m *mailbox) loop() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, fn := range batch {
			m.run(fn)
		}
	}
}

func (m *mailbox) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("callback panic", zap.Any("recover", r))
		}
	}()
	fn()
}

// close drains the queue and stops the loop. Must not be called from
// a posted function.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
	<-m.done
}
