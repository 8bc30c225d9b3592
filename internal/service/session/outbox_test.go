package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type written struct {
	messageType int
	data        []byte
}

// recordingConn captures writes.
type recordingConn struct {
	mu     sync.Mutex
	writes []written
	notify chan struct{}
}

func newRecordingConn() *recordingConn {
	return &recordingConn{notify: make(chan struct{}, 64)}
}

func (c *recordingConn) ReadMessage() (int, []byte, error) { select {} }
func (c *recordingConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *recordingConn) SetReadLimit(int64)                {}
func (c *recordingConn) Close() error                      { return nil }

func (c *recordingConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *recordingConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, written{mt, append([]byte(nil), data...)})
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *recordingConn) snapshot() []written {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]written(nil), c.writes...)
}

func TestOutboxDropsAudioOfCanceledTurn(t *testing.T) {
	conn := newRecordingConn()
	sent := 0
	out := newOutbox(conn, 16, time.Second, time.Hour, func() { sent++ })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, out.push(ctx, outFrame{control: []byte(`{"type":"turn-started"}`)}))
	require.True(t, out.push(ctx, outFrame{turnID: "t1", audio: []byte{1}}))
	require.True(t, out.push(ctx, outFrame{turnID: "t1", audio: []byte{2}}))
	out.cancelTurn("t1")
	require.True(t, out.push(ctx, outFrame{control: []byte(`{"type":"turn-interrupted"}`)}))
	require.True(t, out.push(ctx, outFrame{turnID: "t2", audio: []byte{3}}))

	done := make(chan error, 1)
	go func() { done <- out.run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-conn.notify:
		case <-time.After(2 * time.Second):
			t.Fatal("outbox stalled")
		}
	}
	cancel()
	require.NoError(t, <-done)

	writes := conn.snapshot()
	require.Len(t, writes, 3)
	assert.Equal(t, websocket.TextMessage, writes[0].messageType)
	assert.Equal(t, websocket.TextMessage, writes[1].messageType)
	assert.Equal(t, written{websocket.BinaryMessage, []byte{3}}, writes[2])
	assert.Equal(t, 1, sent)
}

func TestOutboxForgetsOldestCanceledTurns(t *testing.T) {
	out := newOutbox(newRecordingConn(), 1, time.Second, time.Hour, nil)
	for i := 0; i <= maxCanceledTurns; i++ {
		out.cancelTurn(string(rune('a' + i%26)) + string(rune('0'+i/26)))
	}
	assert.False(t, out.isCanceled("a0"))
	assert.True(t, out.isCanceled("b0"))
	assert.Len(t, out.canceled, maxCanceledTurns)
}

func TestOutboxPushAfterCancel(t *testing.T) {
	out := newOutbox(newRecordingConn(), 1, time.Second, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, out.push(ctx, outFrame{control: []byte("x")}))
}
