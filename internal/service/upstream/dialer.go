package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Options 语音对话服务连接参数。
type Options struct {
	URL        string
	AppID      string
	AccessKey  string
	ResourceID string
	AppKey     string
	Speaker    string
	BotName    string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	// AudioQueue bounds the client audio frames waiting to be written.
	AudioQueue int
	Logger     *slog.Logger
}

// DefaultOptions returns the timeouts used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		AudioQueue:       256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.AudioQueue <= 0 {
		o.AudioQueue = def.AudioQueue
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Dialer opens bridges to the speech-conversation service.
type Dialer struct {
	opts Options
	ws   *websocket.Dialer
}

// NewDialer 创建上游拨号器。
func NewDialer(opts Options) *Dialer {
	opts = opts.withDefaults()
	return &Dialer{
		opts: opts,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// resolveCredentials 返回规范化后的 AppID 与 AccessKey，缺失时给出明确错误。
func resolveCredentials(opts Options) (string, string, error) {
	appID := strings.TrimSpace(opts.AppID)
	token := strings.TrimSpace(opts.AccessKey)
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("语音对话服务配置缺少 AppID 或 AccessKey")
	}
	return appID, token, nil
}

// Open dials the service, runs the connection and session handshake, and
// starts the relay loops. The returned bridge lives until Close is called
// or the upstream fails; ctx only bounds the handshake.
func (d *Dialer) Open(ctx context.Context, sessionID string) (*Bridge, error) {
	if strings.TrimSpace(d.opts.URL) == "" {
		return nil, &UpstreamError{Code: "config", Err: fmt.Errorf("upstream url not configured")}
	}
	appID, token, err := resolveCredentials(d.opts)
	if err != nil {
		return nil, &UpstreamError{Code: "config", Err: err}
	}

	header := http.Header{}
	header.Set("X-Api-App-ID", appID)
	header.Set("X-Api-Access-Key", token)
	if d.opts.ResourceID != "" {
		header.Set("X-Api-Resource-Id", d.opts.ResourceID)
	}
	if d.opts.AppKey != "" {
		header.Set("X-Api-App-Key", d.opts.AppKey)
	}
	header.Set("X-Api-Connect-Id", uuid.NewString())

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := d.ws.DialContext(dialCtx, d.opts.URL, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &UpstreamError{Code: fmt.Sprintf("http-%d", resp.StatusCode), Err: fmt.Errorf("websocket dial failed: %w: %s", err, strings.TrimSpace(string(body)))}
		}
		return nil, &UpstreamError{Code: "dial", Err: fmt.Errorf("websocket dial failed: %w", err)}
	}

	conn.SetReadLimit(MaxFrameSize)

	deadline, _ := dialCtx.Deadline()
	if err := d.handshake(conn, sessionID, deadline); err != nil {
		conn.Close()
		return nil, err
	}

	return newBridge(conn, sessionID, d.opts), nil
}

type startSessionPayload struct {
	TTS    ttsConfig    `json:"tts"`
	Dialog dialogConfig `json:"dialog"`
}

type ttsConfig struct {
	Speaker     string      `json:"speaker,omitempty"`
	AudioConfig audioConfig `json:"audio_config"`
}

type audioConfig struct {
	Channel    int    `json:"channel"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type dialogConfig struct {
	BotName string `json:"bot_name,omitempty"`
}

func (d *Dialer) handshake(conn *websocket.Conn, sessionID string, deadline time.Time) error {
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)

	if err := writeEvent(conn, EventStartConnection, "", []byte("{}")); err != nil {
		return &UpstreamError{Code: "handshake", Err: fmt.Errorf("send StartConnection: %w", err)}
	}
	if _, err := awaitEvent(conn, EventConnectionStarted); err != nil {
		return err
	}

	payload, err := json.Marshal(startSessionPayload{
		TTS: ttsConfig{
			Speaker:     d.opts.Speaker,
			AudioConfig: audioConfig{Channel: 1, Format: "pcm", SampleRate: 24000},
		},
		Dialog: dialogConfig{BotName: d.opts.BotName},
	})
	if err != nil {
		return &UpstreamError{Code: "handshake", Err: err}
	}
	if err := writeEvent(conn, EventStartSession, sessionID, payload); err != nil {
		return &UpstreamError{Code: "handshake", Err: fmt.Errorf("send StartSession: %w", err)}
	}
	if _, err := awaitEvent(conn, EventSessionStarted); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Time{})
	return nil
}

func writeEvent(conn *websocket.Conn, event EventType, sessionID string, payload []byte) error {
	msg, err := NewEventRequest(event, sessionID, payload)
	if err != nil {
		return err
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// awaitEvent reads frames until want arrives; failure events abort the handshake.
func awaitEvent(conn *websocket.Conn, want EventType) (*Message, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, &UpstreamError{Code: "handshake", Err: fmt.Errorf("waiting for event %d: %w", want, err)}
		}
		msg, err := DecodeMessage(bytes.NewReader(data))
		if err != nil {
			return nil, &UpstreamError{Code: "handshake", Err: err}
		}
		if msg.IsErrorMessage() {
			return nil, &UpstreamError{Code: fmt.Sprintf("%d", msg.ErrorCode), Err: fmt.Errorf("handshake rejected: %s", payloadText(msg))}
		}
		switch msg.EventType {
		case want:
			return msg, nil
		case EventConnectionFailed, EventSessionFailed:
			return nil, &UpstreamError{Code: fmt.Sprintf("%d", msg.EventType), Err: fmt.Errorf("handshake failed: %s", payloadText(msg))}
		}
	}
}

func payloadText(msg *Message) string {
	data, err := msg.DecodedPayload()
	if err != nil {
		return fmt.Sprintf("<undecodable payload: %v>", err)
	}
	return strings.TrimSpace(string(data))
}
