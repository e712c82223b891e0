// Package sessions tracks the live connections owned by this process so a
// draining relay can warn them, wait for them, and finally cancel them.
package sessions

import (
	"context"
	"sync"
)

// Conn is the slice of a live connection the tracker drives. A second
// registration under the same session id displaces and cancels the first,
// so the newest client for a practice session always wins.
type Conn interface {
	NotifyDraining() error
	Cancel()
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	wg    sync.WaitGroup
}

type trackedConn struct {
	conn Conn
	once sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]*trackedConn),
	}
}

// Register adds a connection under its practice session id and returns the
// matching unregister func. Unregister is safe to call more than once.
func (t *Tracker) Register(sessionID string, c Conn) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{conn: c}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*trackedConn)
	}
	old := t.conns[sessionID]
	t.conns[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.conn != nil {
			old.conn.Cancel()
		}
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedConn) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns != nil && t.conns[sessionID] == entry {
			delete(t.conns, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// NotifyDrainingAll tells every tracked connection the relay is shutting
// down. Notification failures are ignored; the connection is about to be
// canceled anyway if it does not finish on its own.
func (t *Tracker) NotifyDrainingAll() (notified int) {
	if t == nil {
		return 0
	}

	var conns []Conn
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.conn == nil {
			continue
		}
		conns = append(conns, entry.conn)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.NotifyDraining()
		notified++
	}
	return notified
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var conns []Conn
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.conn == nil {
			continue
		}
		conns = append(conns, entry.conn)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked connection has unregistered or ctx ends,
// reporting whether the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
