package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voicegate/internal/model/voice"
)

// Bridge wraps one duplex connection to the speech-conversation service.
// A writer loop forwards client audio in arrival order; a reader loop
// republishes typed events on Events().
type Bridge struct {
	conn      *websocket.Conn
	sessionID string
	opts      Options
	logger    *slog.Logger

	writeMu sync.Mutex
	audio   chan []byte
	events  chan voice.Event

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func newBridge(conn *websocket.Conn, sessionID string, opts Options) *Bridge {
	opts = opts.withDefaults()
	b := &Bridge{
		conn:      conn,
		sessionID: sessionID,
		opts:      opts,
		logger:    opts.Logger.With("component", "upstream", "session_id", sessionID),
		audio:     make(chan []byte, opts.AudioQueue),
		events:    make(chan voice.Event, 64),
		closeCh:   make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		return nil
	})

	b.wg.Add(2)
	go b.writeLoop()
	go b.readLoop()
	return b
}

// SendAudio queues one client audio frame. It does not block once the
// bridge is closed.
func (b *Bridge) SendAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case <-b.closeCh:
		return b.closedErr()
	default:
	}
	select {
	case b.audio <- buf:
		return nil
	case <-b.closeCh:
		return b.closedErr()
	}
}

// Events returns the channel of upstream events. It is closed when the
// reader loop exits.
func (b *Bridge) Events() <-chan voice.Event {
	return b.events
}

// Recv blocks for the next event.
func (b *Bridge) Recv() (voice.Event, error) {
	ev, ok := <-b.events
	if !ok {
		return voice.Event{}, b.closedErr()
	}
	return ev, nil
}

// ragItem 注入给对话服务的外部知识条目。
type ragItem struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// InjectContext sends retrieved knowledge ahead of response generation.
func (b *Bridge) InjectContext(text string) error {
	items, err := json.Marshal([]ragItem{{Title: "knowledge", Content: text}})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"external_rag": string(items)})
	if err != nil {
		return err
	}
	return b.sendEvent(EventChatRAGText, payload)
}

// Interrupt asks the service to stop the response in progress.
func (b *Bridge) Interrupt() error {
	return b.sendEvent(EventClientInterrupt, []byte("{}"))
}

// Err returns the error that ended the bridge, if any.
func (b *Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Close 关闭桥接，可重复调用。
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)

		// best effort: skip FinishSession if a writer currently holds the socket
		if b.writeMu.TryLock() {
			if msg, err := NewEventRequest(EventFinishSession, b.sessionID, []byte("{}")); err == nil {
				if data, err := EncodeMessage(msg); err == nil {
					b.conn.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
					_ = b.conn.WriteMessage(websocket.BinaryMessage, data)
				}
			}
			b.writeMu.Unlock()
		}

		if err := b.conn.Close(); err != nil {
			b.logger.Debug("close upstream socket", "error", err)
		}
	})
	b.wg.Wait()
	return nil
}

func (b *Bridge) closedErr() error {
	if err := b.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.closeCh:
		return true
	default:
		return false
	}
}

// fail records the first fatal error.
func (b *Bridge) fail(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

func (b *Bridge) sendEvent(event EventType, payload []byte) error {
	msg, err := NewEventRequest(event, b.sessionID, payload)
	if err != nil {
		return err
	}
	return b.writeFrame(msg)
}

func (b *Bridge) writeFrame(msg *Message) error {
	if b.isClosed() {
		return b.closedErr()
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout))
	if err := b.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if b.isClosed() {
			return b.closedErr()
		}
		uerr := &UpstreamError{Code: "write", Err: err}
		b.fail(uerr)
		return uerr
	}
	return nil
}

func (b *Bridge) writeLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeCh:
			return
		case frame := <-b.audio:
			if err := b.writeFrame(NewAudioRequest(b.sessionID, frame)); err != nil {
				if !errors.Is(err, ErrClosed) {
					b.logger.Warn("forward audio failed", "error", err)
				}
				b.shutdownSocket()
				return
			}
		case <-ticker.C:
			b.writeMu.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.opts.WriteTimeout))
			b.writeMu.Unlock()
			if err != nil && !b.isClosed() {
				b.fail(&UpstreamError{Code: "ping", Err: err})
				b.shutdownSocket()
				return
			}
		}
	}
}

// shutdownSocket unblocks the reader after a writer failure without
// marking the bridge closed, so the reader reports the error.
func (b *Bridge) shutdownSocket() {
	if !b.isClosed() {
		b.conn.Close()
	}
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	defer close(b.events)

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.isClosed() {
				return
			}
			b.fail(&UpstreamError{Code: "read", Err: err})
			return
		}
		b.conn.SetReadDeadline(time.Now().Add(b.opts.ReadTimeout))

		msg, err := DecodeMessage(bytes.NewReader(data))
		if err != nil {
			b.logger.Warn("drop undecodable frame", "error", err, "bytes", len(data))
			continue
		}

		ev, ok, fatal := b.translate(msg)
		if fatal != nil {
			b.fail(fatal)
		}
		if ok {
			select {
			case b.events <- ev:
			case <-b.closeCh:
				return
			}
		}
		if fatal != nil {
			return
		}
	}
}

// asrPayload 语音识别结果。
type asrPayload struct {
	Results []struct {
		Text      string `json:"text"`
		IsInterim bool   `json:"is_interim"`
	} `json:"results"`
}

// translate maps a service frame onto a voice.Event. fatal is non-nil for
// frames that end the upstream session.
func (b *Bridge) translate(msg *Message) (ev voice.Event, ok bool, fatal error) {
	if msg.IsErrorMessage() {
		code := strconv.FormatUint(uint64(msg.ErrorCode), 10)
		text := payloadText(msg)
		return voice.Event{Type: voice.EventError, Code: code, Text: text}, true,
			&UpstreamError{Code: code, Err: fmt.Errorf("service error: %s", text)}
	}

	switch msg.EventType {
	case EventASRInfo:
		return voice.Event{Type: voice.EventSpeechStarted}, true, nil
	case EventASRResponse:
		data, err := msg.DecodedPayload()
		if err != nil {
			b.logger.Warn("decode asr payload", "error", err)
			return voice.Event{}, false, nil
		}
		var payload asrPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			b.logger.Warn("parse asr payload", "error", err)
			return voice.Event{}, false, nil
		}
		var builder strings.Builder
		for _, r := range payload.Results {
			builder.WriteString(r.Text)
		}
		return voice.Event{Type: voice.EventPartialTranscript, Text: builder.String()}, true, nil
	case EventASREnded:
		return voice.Event{Type: voice.EventEndOfSpeech}, true, nil
	case EventTTSResponse:
		audio, err := msg.DecodedPayload()
		if err != nil {
			b.logger.Warn("decode tts payload", "error", err)
			return voice.Event{}, false, nil
		}
		return voice.Event{Type: voice.EventResponseAudio, Audio: audio}, true, nil
	case EventTTSEnded:
		return voice.Event{Type: voice.EventResponseComplete}, true, nil
	case EventSessionFailed, EventConnectionFailed, EventSessionFinished, EventConnectionFinished:
		code := strconv.Itoa(int(msg.EventType))
		text := payloadText(msg)
		return voice.Event{Type: voice.EventError, Code: code, Text: text}, true,
			&UpstreamError{Code: code, Err: fmt.Errorf("session ended by service: %s", text)}
	default:
		return voice.Event{}, false, nil
	}
}
