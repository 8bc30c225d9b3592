package voice

import "encoding/json"

// 客户端 -> 网关
const (
	ClientAudioFrame = "audio-frame"
	ClientEndSession = "end-session"
)

// 网关 -> 客户端
const (
	ServerTurnStarted     = "turn-started"
	ServerTurnInterrupted = "turn-interrupted"
	ServerSessionClosed   = "session-closed"
)

// InboundMessage is the JSON envelope of client control messages.
// Binary websocket messages carry raw audio frames instead.
type InboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// AudioFrame 以 JSON 方式上传的音频帧（base64）。
type AudioFrame struct {
	AudioData []byte `json:"audioData"`
}

// OutboundMessage is the JSON envelope of server control messages.
type OutboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TurnPayload 轮次事件负载。
type TurnPayload struct {
	TurnID string `json:"turnId"`
}

// ClosedPayload 会话关闭负载。
type ClosedPayload struct {
	Reason            CloseReason `json:"reason"`
	RetryAfterSeconds int         `json:"retryAfterSeconds,omitempty"`
}
