package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxCanceledTurns bounds how many interrupted turn ids are remembered.
const maxCanceledTurns = 64

// ClientConn is the subset of *websocket.Conn a session uses.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

type outFrame struct {
	turnID  string
	audio   []byte
	control []byte
}

// outbox 按入队顺序向客户端写帧；被打断轮次的音频在出队时丢弃。
type outbox struct {
	conn         ClientConn
	writeMu      sync.Mutex
	frames       chan outFrame
	writeTimeout time.Duration
	pingInterval time.Duration
	onAudioSent  func()

	mu            sync.Mutex
	canceled      map[string]struct{}
	canceledOrder []string
}

func newOutbox(conn ClientConn, size int, writeTimeout, pingInterval time.Duration, onAudioSent func()) *outbox {
	if size <= 0 {
		size = 256
	}
	return &outbox{
		conn:         conn,
		frames:       make(chan outFrame, size),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		onAudioSent:  onAudioSent,
		canceled:     make(map[string]struct{}),
	}
}

// push queues a frame; it gives up once ctx is done.
func (o *outbox) push(ctx context.Context, f outFrame) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case o.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *outbox) cancelTurn(turnID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.canceled[turnID]; ok {
		return
	}
	o.canceled[turnID] = struct{}{}
	o.canceledOrder = append(o.canceledOrder, turnID)
	if len(o.canceledOrder) > maxCanceledTurns {
		oldest := o.canceledOrder[0]
		o.canceledOrder = o.canceledOrder[1:]
		delete(o.canceled, oldest)
	}
}

func (o *outbox) isCanceled(turnID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.canceled[turnID]
	return ok
}

// run writes queued frames until ctx is done or a write fails.
func (o *outbox) run(ctx context.Context) error {
	ticker := time.NewTicker(o.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.writeMu.Lock()
			err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(o.writeTimeout))
			o.writeMu.Unlock()
			if err != nil {
				return err
			}
		case f := <-o.frames:
			if err := o.writeFrame(f); err != nil {
				return err
			}
		}
	}
}

func (o *outbox) writeFrame(f outFrame) error {
	if f.control != nil {
		return o.write(websocket.TextMessage, f.control, o.writeTimeout)
	}
	if o.isCanceled(f.turnID) {
		return nil
	}
	if err := o.write(websocket.BinaryMessage, f.audio, o.writeTimeout); err != nil {
		return err
	}
	if o.onAudioSent != nil {
		o.onAudioSent()
	}
	return nil
}

func (o *outbox) write(messageType int, data []byte, timeout time.Duration) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return o.conn.WriteMessage(messageType, data)
}
