package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/voicegate/internal/model/voice"
	"github.com/zhouzirui/voicegate/internal/service/retrieval"
	"github.com/zhouzirui/voicegate/internal/service/telemetry"
	"github.com/zhouzirui/voicegate/internal/service/turn"
)

// Session owns one admitted client connection and everything built for it.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	conn       ClientConn
	out        *outbox
	up         Upstream
	prefetcher *retrieval.Prefetcher
	coord      *turn.Coordinator
	flood      *rate.Limiter
	maxFrame   int

	ctx    context.Context
	cancel context.CancelFunc

	manager *Manager
	logger  *slog.Logger

	received atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64

	stateMu sync.Mutex
	state   voice.SessionState
	reason  voice.CloseReason

	closeOnce sync.Once
}

// ID 返回会话 ID。
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session.
func (s *Session) Info() voice.Session {
	s.stateMu.Lock()
	state := s.state
	s.stateMu.Unlock()

	info := voice.Session{
		ID:        s.id,
		UserID:    s.userID,
		CreatedAt: s.createdAt,
		State:     state,
		Metrics: voice.Metrics{
			AudioChunksReceived: s.received.Load(),
			AudioChunksSent:     s.sent.Load(),
		},
	}
	if s.coord != nil {
		info.Metrics.Turns = s.coord.Turns()
		info.Metrics.Retrievals = s.coord.Retrievals()
	}
	return info
}

// Reason returns the close reason, empty while the session is active.
func (s *Session) Reason() voice.CloseReason {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.reason
}

// Close tears the session down once: it tells the client why, closes the
// upstream bridge, cancels pending retrievals, closes the client socket and
// emits telemetry. Later calls are no-ops.
func (s *Session) Close(reason voice.CloseReason) {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.state = voice.SessionClosing
		s.reason = reason
		s.stateMu.Unlock()

		s.cancel()

		msg := s.controlMessage(voice.ServerSessionClosed, voice.ClosedPayload{Reason: reason})
		if err := s.out.write(websocket.TextMessage, msg, closeWriteTimeout); err != nil {
			s.logger.Debug("send session-closed failed", "error", err)
		}
		s.out.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(reason)),
			time.Now().Add(closeWriteTimeout))
		s.out.writeMu.Unlock()

		if s.up != nil {
			if err := s.up.Close(); err != nil {
				s.logger.Debug("close upstream failed", "error", err)
			}
		}
		if s.prefetcher != nil {
			s.prefetcher.Close()
		}
		_ = s.conn.Close()

		s.stateMu.Lock()
		s.state = voice.SessionClosed
		s.stateMu.Unlock()

		info := s.Info()
		s.manager.emit(telemetry.Report{
			SessionID:           s.id,
			UserID:              s.userID,
			Reason:              reason,
			StartedAt:           s.createdAt,
			Duration:            s.manager.now().Sub(s.createdAt),
			Turns:               info.Metrics.Turns,
			Retrievals:          info.Metrics.Retrievals,
			AudioChunksReceived: info.Metrics.AudioChunksReceived,
			AudioChunksSent:     info.Metrics.AudioChunksSent,
		})
		s.manager.registry.remove(s)
		s.logger.Info("session closed", "reason", reason, "dropped_frames", s.dropped.Load())
	})
}

func (s *Session) controlMessage(msgType string, data any) []byte {
	payload, err := json.Marshal(voice.OutboundMessage{
		Type:      msgType,
		SessionID: s.id,
		Data:      data,
		Timestamp: s.manager.now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("encode control message", "type", msgType, "error", err)
		return nil
	}
	return payload
}

// turn.Sink

func (s *Session) TurnStarted(turnID string) {
	s.out.push(s.ctx, outFrame{control: s.controlMessage(voice.ServerTurnStarted, voice.TurnPayload{TurnID: turnID})})
}

func (s *Session) TurnInterrupted(turnID string) {
	s.out.push(s.ctx, outFrame{control: s.controlMessage(voice.ServerTurnInterrupted, voice.TurnPayload{TurnID: turnID})})
}

func (s *Session) SendAudio(turnID string, chunk []byte) {
	s.out.push(s.ctx, outFrame{turnID: turnID, audio: chunk})
}

func (s *Session) DiscardAudio(turnID string) {
	s.out.cancelTurn(turnID)
}

var (
	errClientEnded = errors.New("session: client ended session")
	errClientGone  = errors.New("session: client disconnected")
	errTimeout     = errors.New("session: absolute timeout reached")
)

// readLoop relays client audio to the upstream bridge in arrival order.
func (s *Session) readLoop() error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				s.logger.Warn("client frame exceeds read limit", "limit", s.maxFrame)
			}
			return errClientGone
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := s.forwardAudio(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			var msg voice.InboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("invalid client message", "error", err)
				continue
			}
			switch msg.Type {
			case voice.ClientEndSession:
				return errClientEnded
			case voice.ClientAudioFrame:
				var frame voice.AudioFrame
				if err := json.Unmarshal(msg.Data, &frame); err != nil {
					s.logger.Warn("invalid audio-frame payload", "error", err)
					continue
				}
				if err := s.forwardAudio(frame.AudioData); err != nil {
					return err
				}
			default:
				s.logger.Warn("unknown client message type", "type", msg.Type)
			}
		}
	}
}

func (s *Session) forwardAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	if len(frame) > s.maxFrame {
		s.dropped.Add(1)
		s.logger.Warn("drop oversized audio frame", "bytes", len(frame), "limit", s.maxFrame)
		return nil
	}
	if !s.flood.Allow() {
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("client audio rate exceeded, dropping frames", "dropped", s.dropped.Load())
		}
		return nil
	}
	s.received.Add(1)
	return s.up.SendAudio(frame)
}
