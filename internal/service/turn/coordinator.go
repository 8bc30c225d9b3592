package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/voicegate/internal/model/voice"
	"github.com/zhouzirui/voicegate/internal/service/retrieval"
)

const (
	DefaultPrefetchMinWords = 5
	DefaultContextDeadline  = 200 * time.Millisecond
)

var (
	// ErrInvariant marks a broken turn state machine; the session must close.
	ErrInvariant = errors.New("turn: invariant violated")
	// ErrUpstream wraps errors reported by the speech-conversation service.
	ErrUpstream = errors.New("turn: upstream failure")
)

// Upstream is the part of the speech-conversation bridge the coordinator drives.
type Upstream interface {
	Events() <-chan voice.Event
	InjectContext(text string) error
	Interrupt() error
}

// Prefetcher 推测式检索。
type Prefetcher interface {
	Speculate(query string) *retrieval.Handle
	Await(h *retrieval.Handle, deadline time.Duration) (retrieval.Result, bool)
	Cancel(h *retrieval.Handle)
}

// Sink receives client-bound output.
type Sink interface {
	TurnStarted(turnID string)
	TurnInterrupted(turnID string)
	SendAudio(turnID string, chunk []byte)
	DiscardAudio(turnID string)
}

// Config 轮次协调参数。
type Config struct {
	PrefetchMinWords int
	ContextDeadline  time.Duration
	Logger           *slog.Logger

	// OnTransition is called after every state change, on the Run goroutine.
	OnTransition func(turnID string, from, to voice.TurnState)

	now   func() time.Time
	newID func() string
}

// Turn 一次用户发言到助手回复的周期。
type Turn struct {
	ID         string
	SessionID  string
	State      voice.TurnState
	Transcript string
	StartedAt  time.Time
	// Injected reports whether retrieved context reached the upstream.
	Injected bool

	handle *retrieval.Handle
}

// Coordinator runs the per-turn state machine of one session. Events are
// handled one at a time, so context injection always precedes any audio of
// the same turn.
type Coordinator struct {
	sessionID string
	up        Upstream
	pf        Prefetcher
	sink      Sink
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	current *Turn

	turns      atomic.Int64
	retrievals atomic.Int64
	injections atomic.Int64
}

// New 创建协调器。pf 为 nil 时不做预取。
func New(sessionID string, up Upstream, pf Prefetcher, sink Sink, cfg Config) *Coordinator {
	if cfg.PrefetchMinWords <= 0 {
		cfg.PrefetchMinWords = DefaultPrefetchMinWords
	}
	if cfg.ContextDeadline <= 0 {
		cfg.ContextDeadline = DefaultContextDeadline
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.newID == nil {
		cfg.newID = uuid.NewString
	}
	return &Coordinator{
		sessionID: sessionID,
		up:        up,
		pf:        pf,
		sink:      sink,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "turn", "session_id", sessionID),
	}
}

// Turns returns how many turns were started.
func (c *Coordinator) Turns() int64 { return c.turns.Load() }

// Retrievals returns how many speculative queries were issued.
func (c *Coordinator) Retrievals() int64 { return c.retrievals.Load() }

// Injections returns how many turns received retrieved context.
func (c *Coordinator) Injections() int64 { return c.injections.Load() }

// Current returns a snapshot of the active turn.
func (c *Coordinator) Current() (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Turn{}, false
	}
	return *c.current, true
}

// Run consumes upstream events until ctx is done or the upstream ends.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.abandon()

	events := c.up.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: event stream closed", ErrUpstream)
			}
			if err := c.HandleEvent(ev); err != nil {
				return err
			}
		}
	}
}

// HandleEvent applies one upstream event. It must not be called concurrently.
func (c *Coordinator) HandleEvent(ev voice.Event) error {
	switch ev.Type {
	case voice.EventSpeechStarted:
		return c.onSpeech("")
	case voice.EventPartialTranscript:
		if ev.Text == "" {
			return nil
		}
		return c.onSpeech(ev.Text)
	case voice.EventEndOfSpeech:
		return c.onEndOfSpeech()
	case voice.EventResponseAudio:
		c.onAudio(ev.Audio)
		return nil
	case voice.EventResponseComplete:
		return c.onComplete()
	case voice.EventError:
		return fmt.Errorf("%w: code=%s %s", ErrUpstream, ev.Code, ev.Text)
	default:
		c.logger.Debug("ignore upstream event", "type", ev.Type)
		return nil
	}
}

func (c *Coordinator) active() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.State.Terminal() {
		return nil
	}
	return c.current
}

// onSpeech handles user speech: it opens a turn, extends the current one,
// or barges in on a response.
func (c *Coordinator) onSpeech(text string) error {
	t := c.active()
	if t == nil {
		return c.startTurn(text)
	}

	switch t.State {
	case voice.TurnListening, voice.TurnPrefetching:
		if text != "" {
			return c.updateTranscript(t, text)
		}
		return nil
	case voice.TurnResponding:
		if err := c.interrupt(t); err != nil {
			return err
		}
		return c.startTurn(text)
	default:
		return fmt.Errorf("%w: speech while turn %s is %s", ErrInvariant, t.ID, t.State)
	}
}

func (c *Coordinator) startTurn(seed string) error {
	c.mu.Lock()
	if c.current != nil && !c.current.State.Terminal() {
		prev := c.current
		c.mu.Unlock()
		return fmt.Errorf("%w: turn %s still %s when a new turn starts", ErrInvariant, prev.ID, prev.State)
	}
	t := &Turn{
		ID:        c.cfg.newID(),
		SessionID: c.sessionID,
		State:     voice.TurnListening,
		StartedAt: c.cfg.now(),
	}
	c.current = t
	c.mu.Unlock()

	c.turns.Add(1)
	c.logger.Debug("turn started", "turn_id", t.ID)
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(t.ID, "", voice.TurnListening)
	}
	c.sink.TurnStarted(t.ID)

	if seed != "" {
		return c.updateTranscript(t, seed)
	}
	return nil
}

// updateTranscript stores the cumulative partial and fires the single
// speculative query once the word threshold is reached.
func (c *Coordinator) updateTranscript(t *Turn, text string) error {
	c.mu.Lock()
	t.Transcript = text
	state := t.State
	c.mu.Unlock()

	if state != voice.TurnListening || c.pf == nil {
		return nil
	}
	if retrieval.CountWords(text) < c.cfg.PrefetchMinWords {
		return nil
	}

	h := c.pf.Speculate(text)
	c.retrievals.Add(1)
	c.mu.Lock()
	t.handle = h
	c.mu.Unlock()
	return c.transition(t, voice.TurnPrefetching)
}

func (c *Coordinator) onEndOfSpeech() error {
	t := c.active()
	if t == nil {
		// end-of-speech without any partial still opens a turn
		if err := c.startTurn(""); err != nil {
			return err
		}
		t = c.active()
	}

	switch t.State {
	case voice.TurnListening, voice.TurnPrefetching:
	default:
		c.logger.Debug("ignore end-of-speech", "turn_id", t.ID, "state", t.State)
		return nil
	}

	if err := c.transition(t, voice.TurnAwaitingContext); err != nil {
		return err
	}

	c.mu.Lock()
	h := t.handle
	t.handle = nil
	c.mu.Unlock()

	if h == nil {
		c.logger.Info("no prefetch for turn, responding without context",
			"turn_id", t.ID, "words", retrieval.CountWords(t.Transcript))
	} else if res, ok := c.pf.Await(h, c.cfg.ContextDeadline); !ok {
		c.logger.Warn("context unavailable, responding without it",
			"turn_id", t.ID, "status", h.Status(), "deadline", c.cfg.ContextDeadline)
	} else if res.Text == "" {
		c.logger.Info("retrieval returned no passages", "turn_id", t.ID)
	} else if err := c.up.InjectContext(res.Text); err != nil {
		c.logger.Warn("inject context failed", "turn_id", t.ID, "error", err)
	} else {
		c.mu.Lock()
		t.Injected = true
		c.mu.Unlock()
		c.injections.Add(1)
		c.logger.Debug("context injected", "turn_id", t.ID, "passages", len(res.Passages))
	}

	return c.transition(t, voice.TurnResponding)
}

func (c *Coordinator) onAudio(chunk []byte) {
	t := c.active()
	if t == nil || t.State != voice.TurnResponding {
		c.logger.Debug("drop response audio outside responding turn", "bytes", len(chunk))
		return
	}
	c.sink.SendAudio(t.ID, chunk)
}

func (c *Coordinator) onComplete() error {
	t := c.active()
	if t == nil || t.State != voice.TurnResponding {
		return nil
	}
	if err := c.transition(t, voice.TurnCompleted); err != nil {
		return err
	}
	c.logger.Debug("turn completed", "turn_id", t.ID, "context_injected", t.Injected,
		"elapsed", c.cfg.now().Sub(t.StartedAt))
	return nil
}

// interrupt stops generation upstream and drops audio the client has not
// received yet.
func (c *Coordinator) interrupt(t *Turn) error {
	if err := c.transition(t, voice.TurnInterrupted); err != nil {
		return err
	}
	if err := c.up.Interrupt(); err != nil {
		c.logger.Warn("send interrupt failed", "turn_id", t.ID, "error", err)
	}
	c.sink.DiscardAudio(t.ID)
	c.sink.TurnInterrupted(t.ID)
	c.logger.Debug("turn interrupted", "turn_id", t.ID, "elapsed", c.cfg.now().Sub(t.StartedAt))
	return nil
}

// abandon cancels a retrieval nobody will await.
func (c *Coordinator) abandon() {
	c.mu.Lock()
	var h *retrieval.Handle
	if c.current != nil {
		h = c.current.handle
		c.current.handle = nil
	}
	c.mu.Unlock()
	if h != nil && c.pf != nil {
		c.pf.Cancel(h)
	}
}

var allowed = map[voice.TurnState][]voice.TurnState{
	voice.TurnListening:       {voice.TurnPrefetching, voice.TurnAwaitingContext},
	voice.TurnPrefetching:     {voice.TurnAwaitingContext},
	voice.TurnAwaitingContext: {voice.TurnResponding},
	voice.TurnResponding:      {voice.TurnCompleted, voice.TurnInterrupted},
}

func (c *Coordinator) transition(t *Turn, to voice.TurnState) error {
	c.mu.Lock()
	from := t.State
	ok := false
	for _, next := range allowed[from] {
		if next == to {
			ok = true
			break
		}
	}
	if ok {
		t.State = to
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: turn %s cannot move from %s to %s", ErrInvariant, t.ID, from, to)
	}
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(t.ID, from, to)
	}
	return nil
}
