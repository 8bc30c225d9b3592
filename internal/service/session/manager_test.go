package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voicegate/internal/model/voice"
	"github.com/zhouzirui/voicegate/internal/service/ratelimit"
	"github.com/zhouzirui/voicegate/internal/service/telemetry"
	"github.com/zhouzirui/voicegate/internal/service/turn"
	"github.com/zhouzirui/voicegate/internal/service/upstream"
)

// fakeUpstream stands in for the speech-conversation bridge.
type fakeUpstream struct {
	events  chan voice.Event
	audio   chan []byte
	done    chan struct{}
	once    sync.Once
	closes  atomic.Int32
	injects atomic.Int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events: make(chan voice.Event, 16),
		audio:  make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeUpstream) Events() <-chan voice.Event { return f.events }
func (f *fakeUpstream) InjectContext(string) error { f.injects.Add(1); return nil }
func (f *fakeUpstream) Interrupt() error           { return nil }

func (f *fakeUpstream) SendAudio(frame []byte) error {
	select {
	case <-f.done:
		return upstream.ErrClosed
	case f.audio <- append([]byte(nil), frame...):
		return nil
	}
}

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeUpstream) emit(ev voice.Event) {
	select {
	case f.events <- ev:
	case <-f.done:
	}
}

// countingCollector records every report.
type countingCollector struct {
	mu      sync.Mutex
	reports []telemetry.Report
}

func (c *countingCollector) SessionEnded(r telemetry.Report) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
}

func (c *countingCollector) forSession(id string) []telemetry.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []telemetry.Report
	for _, r := range c.reports {
		if r.SessionID == id {
			out = append(out, r)
		}
	}
	return out
}

func (c *countingCollector) all() []telemetry.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]telemetry.Report(nil), c.reports...)
}

type testEnv struct {
	m         *Manager
	srv       *httptest.Server
	collector *countingCollector
	ups       chan *fakeUpstream
	results   chan error
}

func newEnv(t *testing.T, cfg Config, limiter Admitter, openErr error) *testEnv {
	t.Helper()
	env := &testEnv{
		collector: &countingCollector{},
		ups:       make(chan *fakeUpstream, 8),
		results:   make(chan error, 8),
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{MaxAdmissions: 100}, nil)
	}
	open := func(ctx context.Context, sessionID string) (Upstream, error) {
		if openErr != nil {
			return nil, openErr
		}
		up := newFakeUpstream()
		env.ups <- up
		return up, nil
	}
	env.m = NewManager(cfg, limiter, open, nil, env.collector, nil)

	upgrader := websocket.Upgrader{}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.results <- env.m.Accept(r.Context(), conn, r.Header.Get("X-User-ID"))
	}))
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", user)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (env *testEnv) upstream(t *testing.T) *fakeUpstream {
	t.Helper()
	select {
	case up := <-env.ups:
		return up
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never opened")
		return nil
	}
}

func (env *testEnv) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-env.results:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Accept did not return")
		return nil
	}
}

type controlMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func readControl(t *testing.T, conn *websocket.Conn) controlMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt, "expected a control message, got %v", data)
	var msg controlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func readClosed(t *testing.T, conn *websocket.Conn) voice.ClosedPayload {
	t.Helper()
	msg := readControl(t, conn)
	require.Equal(t, voice.ServerSessionClosed, msg.Type)
	var payload voice.ClosedPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return payload
}

func recvAudio(t *testing.T, up *fakeUpstream) []byte {
	t.Helper()
	select {
	case frame := <-up.audio:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("upstream received no audio")
		return nil
	}
}

// drainReports waits until every telemetry report has been delivered.
func (env *testEnv) drainReports(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, env.m.reports.wait(ctx), "telemetry reports still pending")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestAcceptRelaysAudioBothWays(t *testing.T) {
	env := newEnv(t, Config{}, nil, nil)
	conn := env.dial(t, "u1")
	up := env.upstream(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{2}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio-frame","data":{"audioData":"BAU="}}`)))
	assert.Equal(t, []byte{1}, recvAudio(t, up))
	assert.Equal(t, []byte{2}, recvAudio(t, up))
	assert.Equal(t, []byte{4, 5}, recvAudio(t, up))

	up.emit(voice.Event{Type: voice.EventSpeechStarted})
	started := readControl(t, conn)
	assert.Equal(t, voice.ServerTurnStarted, started.Type)
	assert.NotEmpty(t, started.SessionID)

	up.emit(voice.Event{Type: voice.EventEndOfSpeech})
	up.emit(voice.Event{Type: voice.EventResponseAudio, Audio: []byte{9, 9}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{9, 9}, data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end-session"}`)))
	assert.Equal(t, voice.CloseClientRequested, readClosed(t, conn).Reason)
	assert.NoError(t, env.result(t))
	env.drainReports(t)

	reports := env.collector.forSession(started.SessionID)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, voice.CloseClientRequested, r.Reason)
	assert.Equal(t, "u1", r.UserID)
	assert.EqualValues(t, 3, r.AudioChunksReceived)
	assert.EqualValues(t, 1, r.AudioChunksSent)
	assert.EqualValues(t, 1, r.Turns)
	assert.Zero(t, env.m.ActiveSessions())
	assert.EqualValues(t, 1, up.closes.Load())
}

func TestRateLimitedConnectionIsRejected(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxAdmissions: 1}, nil)
	env := newEnv(t, Config{}, limiter, nil)

	env.dial(t, "u1")
	env.upstream(t)

	second := env.dial(t, "u1")
	closed := readClosed(t, second)
	assert.Equal(t, voice.CloseRateLimited, closed.Reason)
	assert.Greater(t, closed.RetryAfterSeconds, 0)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
	assert.ErrorIs(t, env.result(t), ErrRateLimited)
	waitFor(t, func() bool { return env.m.ActiveSessions() == 1 })

	// another user is unaffected
	env.dial(t, "u2")
	env.upstream(t)
	waitFor(t, func() bool { return env.m.ActiveSessions() == 2 })
}

func TestSessionTimeoutForcesClose(t *testing.T) {
	env := newEnv(t, Config{SessionTimeout: 300 * time.Millisecond}, nil, nil)
	conn := env.dial(t, "u1")
	up := env.upstream(t)

	up.emit(voice.Event{Type: voice.EventSpeechStarted})
	assert.Equal(t, voice.ServerTurnStarted, readControl(t, conn).Type)

	assert.Equal(t, voice.CloseSessionTimeout, readClosed(t, conn).Reason)
	assert.ErrorIs(t, env.result(t), errTimeout)
	assert.EqualValues(t, 1, up.closes.Load())
}

func TestUpstreamErrorClosesSession(t *testing.T) {
	env := newEnv(t, Config{}, nil, nil)
	conn := env.dial(t, "u1")
	up := env.upstream(t)

	up.emit(voice.Event{Type: voice.EventError, Code: "55000001", Text: "busy"})
	assert.Equal(t, voice.CloseUpstreamError, readClosed(t, conn).Reason)
	assert.ErrorIs(t, env.result(t), turn.ErrUpstream)
}

func TestUpstreamOpenFailure(t *testing.T) {
	env := newEnv(t, Config{}, nil, &upstream.UpstreamError{Code: "dial", Err: errors.New("connection refused")})
	conn := env.dial(t, "u1")

	assert.Equal(t, voice.CloseUpstreamError, readClosed(t, conn).Reason)
	var uerr *upstream.UpstreamError
	assert.ErrorAs(t, env.result(t), &uerr)
	env.drainReports(t)

	reports := env.collector.all()
	require.Len(t, reports, 1)
	assert.Equal(t, voice.CloseUpstreamError, reports[0].Reason)
	assert.Zero(t, env.m.ActiveSessions())
}

func TestDoubleCloseEmitsTelemetryOnce(t *testing.T) {
	env := newEnv(t, Config{}, nil, nil)
	conn := env.dial(t, "u1")
	up := env.upstream(t)
	waitFor(t, func() bool { return env.m.ActiveSessions() == 1 })

	var s *Session
	env.m.registry.mu.Lock()
	for _, live := range env.m.registry.sessions {
		s = live
	}
	env.m.registry.mu.Unlock()
	require.NotNil(t, s)

	var wg sync.WaitGroup
	for _, reason := range []voice.CloseReason{voice.CloseClientRequested, voice.CloseInternalError, voice.CloseClientRequested} {
		wg.Add(1)
		go func(r voice.CloseReason) {
			defer wg.Done()
			s.Close(r)
		}(reason)
	}
	wg.Wait()
	s.Close(voice.CloseSessionTimeout)

	first := readClosed(t, conn).Reason
	assert.Equal(t, s.Reason(), first)
	env.result(t)
	env.drainReports(t)

	assert.Len(t, env.collector.forSession(s.ID()), 1)
	assert.EqualValues(t, 1, up.closes.Load())
	assert.Equal(t, voice.SessionClosed, s.Info().State)
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	env := newEnv(t, Config{}, nil, nil)
	c1 := env.dial(t, "u1")
	c2 := env.dial(t, "u2")
	env.upstream(t)
	env.upstream(t)
	waitFor(t, func() bool { return env.m.ActiveSessions() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.m.Shutdown(ctx))

	assert.Equal(t, voice.CloseInternalError, readClosed(t, c1).Reason)
	assert.Equal(t, voice.CloseInternalError, readClosed(t, c2).Reason)
	assert.Zero(t, env.m.ActiveSessions())

	late := env.dial(t, "u3")
	assert.Equal(t, voice.CloseInternalError, readClosed(t, late).Reason)
}

func TestFloodGuardDropsExcessAudio(t *testing.T) {
	env := newEnv(t, Config{MaxAudioFPS: 1}, nil, nil)
	conn := env.dial(t, "u1")
	up := env.upstream(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end-session"}`)))
	readClosed(t, conn)
	require.NoError(t, env.result(t))
	env.drainReports(t)

	reports := env.collector.all()
	require.Len(t, reports, 1)
	assert.Less(t, reports[0].AudioChunksReceived, int64(10))
	assert.GreaterOrEqual(t, reports[0].AudioChunksReceived, int64(2))
	assert.Len(t, up.audio, int(reports[0].AudioChunksReceived))
}

// blockingCollector holds every report until released.
type blockingCollector struct {
	release chan struct{}
	got     atomic.Int32
}

func (b *blockingCollector) SessionEnded(telemetry.Report) {
	<-b.release
	b.got.Add(1)
}

func TestSlowCollectorDoesNotStallTeardown(t *testing.T) {
	env := newEnv(t, Config{}, nil, nil)
	slow := &blockingCollector{release: make(chan struct{})}
	env.m.telemetry = slow

	conn := env.dial(t, "u1")
	env.upstream(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end-session"}`)))
	assert.Equal(t, voice.CloseClientRequested, readClosed(t, conn).Reason)
	assert.NoError(t, env.result(t))
	assert.Zero(t, env.m.ActiveSessions())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.m.Shutdown(ctx), context.DeadlineExceeded)
	assert.Zero(t, slow.got.Load())

	close(slow.release)
	require.NoError(t, env.m.Shutdown(context.Background()))
	assert.EqualValues(t, 1, slow.got.Load())
}

// blockingRetriever never answers on its own; it reports when its
// context is canceled.
type blockingRetriever struct {
	started  chan string
	canceled chan struct{}
}

func (r *blockingRetriever) Retrieve(ctx context.Context, query string, _ ...retriever.Option) ([]*schema.Document, error) {
	r.started <- query
	<-ctx.Done()
	close(r.canceled)
	return nil, ctx.Err()
}

func TestEndSessionCancelsInFlightRetrieval(t *testing.T) {
	env := newEnv(t, Config{}, nil, nil)
	r := &blockingRetriever{started: make(chan string, 1), canceled: make(chan struct{})}
	env.m.retriever = r

	conn := env.dial(t, "u1")
	up := env.upstream(t)

	up.emit(voice.Event{Type: voice.EventPartialTranscript, Text: "how heavy is a broiler at"})
	assert.Equal(t, voice.ServerTurnStarted, readControl(t, conn).Type)
	select {
	case q := <-r.started:
		assert.Equal(t, "how heavy is a broiler at", q)
	case <-time.After(2 * time.Second):
		t.Fatal("retrieval never started")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"end-session"}`)))
	assert.Equal(t, voice.CloseClientRequested, readClosed(t, conn).Reason)
	require.NoError(t, env.result(t))

	select {
	case <-r.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("retrieval context was not canceled by teardown")
	}
	env.drainReports(t)
	reports := env.collector.all()
	require.Len(t, reports, 1)
	assert.EqualValues(t, 1, reports[0].Retrievals)
}

func TestReasonFor(t *testing.T) {
	cases := []struct {
		err  error
		want voice.CloseReason
	}{
		{errClientEnded, voice.CloseClientRequested},
		{errClientGone, voice.CloseClientRequested},
		{errTimeout, voice.CloseSessionTimeout},
		{turn.ErrInvariant, voice.CloseInternalError},
		{turn.ErrUpstream, voice.CloseUpstreamError},
		{upstream.ErrClosed, voice.CloseUpstreamError},
		{&upstream.UpstreamError{Code: "read", Err: errors.New("reset")}, voice.CloseUpstreamError},
		{errors.New("unexpected"), voice.CloseInternalError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, reasonFor(tc.err), tc.err.Error())
	}
}
