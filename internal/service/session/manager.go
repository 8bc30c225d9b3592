package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/voicegate/internal/model/voice"
	"github.com/zhouzirui/voicegate/internal/service/ratelimit"
	"github.com/zhouzirui/voicegate/internal/service/retrieval"
	"github.com/zhouzirui/voicegate/internal/service/telemetry"
	"github.com/zhouzirui/voicegate/internal/service/turn"
	"github.com/zhouzirui/voicegate/internal/service/upstream"
)

const closeWriteTimeout = time.Second

var (
	// ErrRateLimited is returned by Accept when admission is denied.
	ErrRateLimited = errors.New("session: rate limited")
	// ErrShuttingDown is returned by Accept after Shutdown started.
	ErrShuttingDown = errors.New("session: manager shutting down")
)

// Upstream is the speech-conversation bridge as seen by a session.
type Upstream interface {
	turn.Upstream
	SendAudio(frame []byte) error
	Close() error
}

// Opener opens the upstream bridge for a new session.
type Opener func(ctx context.Context, sessionID string) (Upstream, error)

// BridgeOpener adapts an upstream dialer.
func BridgeOpener(d *upstream.Dialer) Opener {
	return func(ctx context.Context, sessionID string) (Upstream, error) {
		b, err := d.Open(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Admitter 会话准入。
type Admitter interface {
	Admit(userID string) ratelimit.Decision
}

// Config 会话管理配置。
type Config struct {
	SessionTimeout   time.Duration
	PrefetchMinWords int
	ContextDeadline  time.Duration
	MaxAudioFPS      int
	MaxFrameBytes    int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Retrieval        retrieval.Options
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.MaxAudioFPS <= 0 {
		c.MaxAudioFPS = 100
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	return c
}

// Manager admits client connections and owns their sessions.
type Manager struct {
	cfg       Config
	limiter   Admitter
	open      Opener
	retriever retriever.Retriever
	telemetry telemetry.Collector
	registry  *Registry
	reports   *inflight
	logger    *slog.Logger
	now       func() time.Time

	shuttingDown atomic.Bool
}

// NewManager 创建会话管理器。r 可以为 nil（不做检索）。
func NewManager(cfg Config, limiter Admitter, open Opener, r retriever.Retriever, collector telemetry.Collector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = telemetry.NewLogCollector(logger)
	}
	if cfg.Retrieval.Logger == nil {
		cfg.Retrieval.Logger = logger
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		limiter:   limiter,
		open:      open,
		retriever: r,
		telemetry: collector,
		registry:  NewRegistry(),
		reports:   newInflight(),
		logger:    logger.With("component", "session"),
		now:       time.Now,
	}
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	return m.registry.Count()
}

// Accept runs one client connection until the session ends. It returns
// nil when the client ended the session.
func (m *Manager) Accept(ctx context.Context, conn ClientConn, userID string) error {
	logger := m.logger.With("user_id", userID)

	if m.shuttingDown.Load() {
		m.reject(conn, voice.ClosedPayload{Reason: voice.CloseInternalError})
		return ErrShuttingDown
	}

	decision := m.limiter.Admit(userID)
	if !decision.Granted {
		logger.Info("session rejected", "retry_after_seconds", decision.RetryAfterSeconds)
		m.reject(conn, voice.ClosedPayload{Reason: voice.CloseRateLimited, RetryAfterSeconds: decision.RetryAfterSeconds})
		m.emit(telemetry.Report{UserID: userID, Reason: voice.CloseRateLimited})
		return fmt.Errorf("%w: retry after %ds", ErrRateLimited, decision.RetryAfterSeconds)
	}

	s := m.newSession(ctx, conn, userID)

	up, err := m.open(s.ctx, s.id)
	if err != nil {
		s.logger.Error("open upstream failed", "error", err)
		s.Close(voice.CloseUpstreamError)
		return err
	}
	s.up = up
	s.prefetcher = retrieval.NewPrefetcher(s.ctx, m.retriever, m.cfg.Retrieval)
	s.coord = turn.New(s.id, up, s.prefetcher, s, turn.Config{
		PrefetchMinWords: m.cfg.PrefetchMinWords,
		ContextDeadline:  m.cfg.ContextDeadline,
		Logger:           s.logger,
		OnTransition: func(turnID string, from, to voice.TurnState) {
			s.logger.Debug("turn transition", "turn_id", turnID, "from", from, "to", to)
		},
	})

	m.registry.add(s)
	if m.shuttingDown.Load() {
		s.Close(voice.CloseInternalError)
		return ErrShuttingDown
	}
	s.logger.Info("session admitted")

	return m.run(s)
}

func (m *Manager) newSession(ctx context.Context, conn ClientConn, userID string) *Session {
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(ctx)
	conn.SetReadLimit(int64(m.cfg.MaxFrameBytes)*2 + 1024)

	s := &Session{
		id:        id,
		userID:    userID,
		createdAt: m.now(),
		conn:      conn,
		flood:     rate.NewLimiter(rate.Limit(m.cfg.MaxAudioFPS), m.cfg.MaxAudioFPS*2),
		maxFrame:  m.cfg.MaxFrameBytes,
		ctx:       sctx,
		cancel:    cancel,
		manager:   m,
		logger:    m.logger.With("session_id", id, "user_id", userID),
		state:     voice.SessionActive,
	}
	s.out = newOutbox(conn, 256, m.cfg.WriteTimeout, m.cfg.PingInterval, func() { s.sent.Add(1) })
	return s
}

// run starts the session tasks; the first one to fail closes the session.
func (m *Manager) run(s *Session) error {
	var (
		g       errgroup.Group
		causeMu sync.Mutex
		cause   error
	)

	task := func(fn func() error) {
		g.Go(func() error {
			err := fn()
			if err != nil {
				causeMu.Lock()
				if cause == nil && s.ctx.Err() == nil {
					cause = err
				}
				causeMu.Unlock()
				s.Close(reasonFor(err))
			}
			return err
		})
	}

	task(s.readLoop)
	task(func() error { return s.coord.Run(s.ctx) })
	task(func() error { return s.out.run(s.ctx) })
	task(func() error {
		timer := time.NewTimer(m.cfg.SessionTimeout)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			// parent canceled: unblock the read loop
			s.Close(voice.CloseInternalError)
			return nil
		case <-timer.C:
			return errTimeout
		}
	})

	_ = g.Wait()

	causeMu.Lock()
	defer causeMu.Unlock()
	reason := s.Reason()
	switch {
	case reason == voice.CloseClientRequested:
		return nil
	case cause != nil:
		return cause
	default:
		return fmt.Errorf("session closed: %s", reason)
	}
}

func (m *Manager) reject(conn ClientConn, payload voice.ClosedPayload) {
	deadline := m.now().Add(closeWriteTimeout)
	data, err := json.Marshal(voice.OutboundMessage{
		Type:      voice.ServerSessionClosed,
		Data:      payload,
		Timestamp: m.now().UnixMilli(),
	})
	if err == nil {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(payload.Reason)), deadline)
	_ = conn.Close()
}

// Shutdown closes every live session and waits for teardown, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	n := m.registry.CloseAll(voice.CloseInternalError)
	m.logger.Info("closing live sessions", "count", n)
	if !m.registry.Wait(ctx) || !m.reports.wait(ctx) {
		return ctx.Err()
	}
	return nil
}

// emit hands r to the collector off the teardown path.
func (m *Manager) emit(r telemetry.Report) {
	m.reports.add()
	go func() {
		defer m.reports.done()
		m.telemetry.SessionEnded(r)
	}()
}

// reasonFor maps the error that ended a session to its close reason.
func reasonFor(err error) voice.CloseReason {
	var uerr *upstream.UpstreamError
	switch {
	case errors.Is(err, errClientEnded), errors.Is(err, errClientGone):
		return voice.CloseClientRequested
	case errors.Is(err, errTimeout):
		return voice.CloseSessionTimeout
	case errors.Is(err, turn.ErrInvariant):
		return voice.CloseInternalError
	case errors.Is(err, turn.ErrUpstream), errors.Is(err, upstream.ErrClosed), errors.As(err, &uerr):
		return voice.CloseUpstreamError
	default:
		return voice.CloseInternalError
	}
}
