package api

import (
	"context"
	"sync"
	"time"

	iface "WeaponDetClient/interface"
	"WeaponDetClient/orchestrator"

	"github.com/gorilla/websocket"
)

// session is one user's orchestrator plus its connection bookkeeping.
type session struct {
	id    string
	orch  *orchestrator.Orchestrator
	ctx   context.Context
	close context.CancelFunc

	mu         sync.Mutex
	lastActive time.Time
	conns      map[*websocket.Conn]struct{}
	closeOnce  sync.Once
}

func newSession(id string, orch *orchestrator.Orchestrator) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:         id,
		orch:       orch,
		ctx:        ctx,
		close:      cancel,
		lastActive: time.Now(),
		conns:      make(map[*websocket.Conn]struct{}),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		return 0
	}
	return time.Since(s.lastActive)
}

func (s *session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// release cancels outstanding jobs, closes watchers and frees the orchestrator.
func (s *session) release(reason string) {
	s.closeOnce.Do(func() {
		s.close()
		s.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(time.Second))
			_ = c.Close()
		}
		_ = s.orch.Close()
	})
}

const (
	watchBuffer = 64
	writeWait   = 10 * time.Second
)

// watcher buffers one websocket's events. It never blocks the orchestrator's dispatcher: a
// client that falls watchBuffer events behind is marked lagged and dropped.
type watcher struct {
	events chan iface.Event
	gone   chan struct{}
	lagged chan struct{}
	once   sync.Once
}

func newWatcher(size int) *watcher {
	return &watcher{
		events: make(chan iface.Event, size),
		gone:   make(chan struct{}),
		lagged: make(chan struct{}),
	}
}

func (w *watcher) push(ev iface.Event) {
	select {
	case <-w.gone:
	case w.events <- ev:
	default:
		w.once.Do(func() { close(w.lagged) })
	}
}
