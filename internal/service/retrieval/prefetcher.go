package retrieval

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/google/uuid"
)

// Status 预取结果槽的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusReady    Status = "ready"
	StatusTimedOut Status = "timed-out"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

const (
	DefaultTopK            = 3
	DefaultMaxContextChars = 1500
)

// Result is the context produced by one retrieval.
type Result struct {
	Passages []Passage
	Text     string
}

// Options 预取器配置。
type Options struct {
	TopK            int
	MaxContextChars int
	Logger          *slog.Logger
}

// Handle tracks one speculative retrieval.
type Handle struct {
	ID       string
	Query    string
	IssuedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	result Result
	err    error
}

// Status returns the current state of the result slot.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err 返回检索失败的原因。
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Prefetcher issues speculative queries for one session. Closing it (or
// canceling the session context) cancels every query still in flight.
type Prefetcher struct {
	ctx       context.Context
	cancel    context.CancelFunc
	retriever retriever.Retriever
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	issued  atomic.Int64
}

// NewPrefetcher 创建会话级预取器。r 为 nil 时所有检索立即失败。
func NewPrefetcher(ctx context.Context, r retriever.Retriever, opts Options) *Prefetcher {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = DefaultMaxContextChars
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Prefetcher{
		ctx:       ctx,
		cancel:    cancel,
		retriever: r,
		opts:      opts,
		logger:    opts.Logger.With("component", "prefetcher"),
		handles:   make(map[string]*Handle),
	}
}

// Issued reports how many queries were sent to the retrieval service.
func (p *Prefetcher) Issued() int64 {
	return p.issued.Load()
}

// Speculate starts a background retrieval and returns immediately.
func (p *Prefetcher) Speculate(query string) *Handle {
	h := &Handle{
		ID:       uuid.NewString(),
		Query:    query,
		IssuedAt: time.Now(),
		done:     make(chan struct{}),
		status:   StatusPending,
	}

	if p.retriever == nil || p.ctx.Err() != nil {
		h.status = StatusFailed
		if p.ctx.Err() != nil {
			h.status = StatusCanceled
		}
		h.cancel = func() {}
		close(h.done)
		return h
	}

	ctx, cancel := context.WithCancel(p.ctx)
	h.cancel = cancel

	p.mu.Lock()
	p.handles[h.ID] = h
	p.mu.Unlock()
	p.issued.Add(1)

	go p.run(ctx, h)
	return h
}

func (p *Prefetcher) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer h.cancel()
	defer func() {
		p.mu.Lock()
		delete(p.handles, h.ID)
		p.mu.Unlock()
	}()

	docs, err := p.retriever.Retrieve(ctx, h.Query, retriever.WithTopK(p.opts.TopK))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusPending {
		p.logger.Debug("discard late retrieval result",
			"handle", h.ID, "status", h.status, "elapsed", time.Since(h.IssuedAt))
		return
	}
	if err != nil && ctx.Err() != nil {
		h.status = StatusCanceled
		return
	}
	if err != nil {
		h.status = StatusFailed
		h.err = err
		p.logger.Warn("retrieval failed", "handle", h.ID, "error", err)
		return
	}
	passages := passagesFromDocuments(docs)
	h.result = Result{
		Passages: passages,
		Text:     FormatContext(passages, p.opts.MaxContextChars),
	}
	h.status = StatusReady
}

// Await waits at most deadline for the handle. On timeout the query keeps
// running detached and its result is discarded when it arrives.
func (p *Prefetcher) Await(h *Handle, deadline time.Duration) (Result, bool) {
	if h == nil {
		return Result{}, false
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
	case <-p.ctx.Done():
		p.Cancel(h)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case StatusReady:
		return h.result, true
	case StatusPending:
		h.status = StatusTimedOut
		p.logger.Info("retrieval missed deadline", "handle", h.ID, "deadline", deadline)
	}
	return Result{}, false
}

// Cancel abandons a pending retrieval.
func (p *Prefetcher) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.status == StatusPending {
		h.status = StatusCanceled
	}
	h.mu.Unlock()
	h.cancel()
}

// Close 取消会话内所有未完成的检索。
func (p *Prefetcher) Close() {
	p.mu.Lock()
	pending := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		pending = append(pending, h)
	}
	p.mu.Unlock()

	for _, h := range pending {
		p.Cancel(h)
	}
	p.cancel()
}
