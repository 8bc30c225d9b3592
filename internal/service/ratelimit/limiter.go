package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	DefaultMaxAdmissions = 5
	DefaultWindow        = 60 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// Config 控制每个用户在滚动窗口内可建立的会话数。
type Config struct {
	MaxAdmissions int
	Window        time.Duration
	SweepInterval time.Duration
}

// Decision is the answer returned to the admission query surface.
type Decision struct {
	Granted           bool `json:"granted"`
	RetryAfterSeconds int  `json:"retryAfterSeconds"`
}

// Limiter tracks per-user session admissions over a rolling window.
// The map lock is only held to find or create an entry; all counting
// happens under the entry's own mutex.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userWindow
}

type userWindow struct {
	mu         sync.Mutex
	admissions []time.Time
	lastSeen   time.Time
	removed    bool
}

// New 创建限流器，零值配置使用默认值。
func New(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.MaxAdmissions <= 0 {
		cfg.MaxAdmissions = DefaultMaxAdmissions
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
		users:  make(map[string]*userWindow),
	}
}

// WithClock replaces the time source; intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// TryAdmit counts one admission for userID if the window has room.
// When denied, retryAfter is the time until the oldest counted admission expires.
func (l *Limiter) TryAdmit(userID string) (bool, time.Duration) {
	if userID == "" {
		userID = "anonymous"
	}

	for {
		now := l.now()
		w := l.getOrCreate(userID, now)

		w.mu.Lock()
		if w.removed {
			// swept between lookup and lock; retry against a fresh entry
			w.mu.Unlock()
			continue
		}
		granted, retryAfter := w.admit(now, l.cfg.MaxAdmissions, l.cfg.Window)
		w.mu.Unlock()
		return granted, retryAfter
	}
}

// Admit is TryAdmit expressed as the {granted, retryAfterSeconds} query surface.
func (l *Limiter) Admit(userID string) Decision {
	granted, retryAfter := l.TryAdmit(userID)
	if granted {
		return Decision{Granted: true}
	}
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return Decision{Granted: false, RetryAfterSeconds: seconds}
}

func (w *userWindow) admit(now time.Time, limit int, window time.Duration) (bool, time.Duration) {
	w.lastSeen = now
	w.prune(now, window)

	if len(w.admissions) < limit {
		w.admissions = append(w.admissions, now)
		return true, 0
	}

	retryAfter := w.admissions[0].Add(window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return false, retryAfter
}

// prune drops admissions that have left the rolling window.
func (w *userWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(w.admissions) && !w.admissions[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.admissions = append(w.admissions[:0], w.admissions[idx:]...)
	}
}

func (l *Limiter) getOrCreate(userID string, now time.Time) *userWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.users[userID]; ok {
		return w
	}
	w := &userWindow{lastSeen: now}
	l.users[userID] = w
	return w
}

// Sweep removes users with no activity for longer than the window.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for userID, w := range l.users {
		w.mu.Lock()
		if now.Sub(w.lastSeen) > l.cfg.Window {
			w.removed = true
			delete(l.users, userID)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len 返回当前跟踪的用户数。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// Run sweeps stale entries until ctx is done. It blocks; callers start it in a goroutine.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	l.logger.Info("rate limit sweeper started",
		"max_admissions", l.cfg.MaxAdmissions,
		"window", l.cfg.Window,
		"interval", l.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept idle rate limit entries", "removed", n, "remaining", l.Len())
			}
		}
	}
}
