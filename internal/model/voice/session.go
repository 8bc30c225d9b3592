package voice

import "time"

// SessionState 描述会话生命周期。
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionClosing SessionState = "closing"
	SessionClosed  SessionState = "closed"
)

// CloseReason is the enumerated reason sent with session-closed.
type CloseReason string

const (
	CloseRateLimited     CloseReason = "rate-limited"
	CloseSessionTimeout  CloseReason = "session-timeout"
	CloseUpstreamError   CloseReason = "upstream-error"
	CloseClientRequested CloseReason = "client-requested"
	CloseInternalError   CloseReason = "internal-error"
)

// CloseReasons lists every reason a session can end with.
var CloseReasons = []CloseReason{
	CloseRateLimited,
	CloseSessionTimeout,
	CloseUpstreamError,
	CloseClientRequested,
	CloseInternalError,
}

// Metrics 会话累计指标。
type Metrics struct {
	AudioChunksReceived int64 `json:"audioChunksReceived"`
	AudioChunksSent     int64 `json:"audioChunksSent"`
	Retrievals          int64 `json:"retrievals"`
	Turns               int64 `json:"turns"`
}

// Session captures one admitted client connection.
type Session struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	CreatedAt time.Time    `json:"createdAt"`
	State     SessionState `json:"state"`
	Metrics   Metrics      `json:"metrics"`
}
