package session

import (
	"context"
	"sync"

	"github.com/zhouzirui/voicegate/internal/model/voice"
)

// inflight counts running work and lets callers wait for it to reach zero.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{} // closed while n == 0
}

func newInflight() *inflight {
	idle := make(chan struct{})
	close(idle)
	return &inflight{idle: idle}
}

func (f *inflight) add() {
	f.mu.Lock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
	f.mu.Unlock()
}

func (f *inflight) wait(ctx context.Context) bool {
	f.mu.Lock()
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

// Registry tracks live sessions so shutdown can close them and wait.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	live     *inflight
}

// NewRegistry 创建会话登记表。
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), live: newInflight()}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.live.add()
	r.mu.Unlock()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; ok {
		delete(r.sessions, s.id)
		r.live.done()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every live session with reason.
func (r *Registry) CloseAll(reason voice.CloseReason) int {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.Close(reason)
	}
	return len(live)
}

// Wait blocks until every registered session is removed or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	return r.live.wait(ctx)
}
