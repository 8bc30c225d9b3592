// Package telemetry receives session-end reports. Emission is fire-and-forget:
// collectors must return quickly and a panicking collector never reaches the
// session that emitted the report.
package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zhouzirui/voicegate/internal/model/voice"
)

// Report summarizes one finished session.
type Report struct {
	SessionID           string            `json:"sessionId"`
	UserID              string            `json:"userId"`
	Reason              voice.CloseReason `json:"reason"`
	StartedAt           time.Time         `json:"startedAt"`
	Duration            time.Duration     `json:"duration"`
	Turns               int64             `json:"turns"`
	Retrievals          int64             `json:"retrievals"`
	AudioChunksReceived int64             `json:"audioChunksReceived"`
	AudioChunksSent     int64             `json:"audioChunksSent"`
}

// Collector consumes session-end reports.
type Collector interface {
	SessionEnded(report Report)
}

// LogCollector 以结构化日志输出会话结束报告。
type LogCollector struct {
	logger *slog.Logger
}

// NewLogCollector creates a collector writing to logger.
func NewLogCollector(logger *slog.Logger) *LogCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogCollector{logger: logger.With("component", "telemetry")}
}

func (c *LogCollector) SessionEnded(r Report) {
	c.logger.Info("session ended",
		"session_id", r.SessionID,
		"user_id", r.UserID,
		"reason", r.Reason,
		"duration", r.Duration,
		"turns", r.Turns,
		"retrievals", r.Retrievals,
		"audio_chunks_received", r.AudioChunksReceived,
		"audio_chunks_sent", r.AudioChunksSent,
	)
}

// Aggregate keeps in-memory totals per close reason.
type Aggregate struct {
	mu         sync.RWMutex
	byReason   map[voice.CloseReason]int64
	turns      int64
	retrievals int64
}

// NewAggregate 创建内存聚合器。
func NewAggregate() *Aggregate {
	return &Aggregate{byReason: make(map[voice.CloseReason]int64)}
}

func (a *Aggregate) SessionEnded(r Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byReason[r.Reason]++
	a.turns += r.Turns
	a.retrievals += r.Retrievals
}

// ClosedByReason returns a copy of the per-reason counters. Every known
// reason is present, zero or not.
func (a *Aggregate) ClosedByReason() map[string]int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int64, len(voice.CloseReasons))
	for _, reason := range voice.CloseReasons {
		out[string(reason)] = a.byReason[reason]
	}
	return out
}

// Totals returns the summed turns and retrievals over all closed sessions.
func (a *Aggregate) Totals() (turns, retrievals int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.turns, a.retrievals
}

// Fanout 将报告分发给多个收集器。
type Fanout struct {
	collectors []Collector
	logger     *slog.Logger
}

// NewFanout combines collectors; nil entries are skipped.
func NewFanout(logger *slog.Logger, collectors ...Collector) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger.With("component", "telemetry")}
	for _, c := range collectors {
		if c != nil {
			f.collectors = append(f.collectors, c)
		}
	}
	return f
}

func (f *Fanout) SessionEnded(r Report) {
	for _, c := range f.collectors {
		f.emit(c, r)
	}
}

func (f *Fanout) emit(c Collector, r Report) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Error("telemetry collector panicked", "session_id", r.SessionID, "panic", rec)
		}
	}()
	c.SessionEnded(r)
}
