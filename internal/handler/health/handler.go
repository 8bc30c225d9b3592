package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voicegate/pkg/utils"
)

// SessionCounter reports live sessions.
type SessionCounter interface {
	ActiveSessions() int
}

// ClosedCounter reports closed sessions per close reason and the turns and
// retrievals they ran.
type ClosedCounter interface {
	ClosedByReason() map[string]int64
	Totals() (turns, retrievals int64)
}

// UserCounter reports how many users the rate limiter tracks.
type UserCounter interface {
	Len() int
}

// Response 健康检查响应
type Response struct {
	Status         string           `json:"status"`
	Enabled        bool             `json:"enabled"`
	ActiveSessions int              `json:"activeSessions"`
	ClosedSessions map[string]int64 `json:"closedSessions"`
	TrackedUsers   int              `json:"trackedUsers"`
	Turns          int64            `json:"turns"`
	Retrievals     int64            `json:"retrievals"`
}

// Handler serves the read-only diagnostics endpoint.
type Handler struct {
	enabled  bool
	sessions SessionCounter
	closed   ClosedCounter
	users    UserCounter
}

// New 创建健康检查处理器，任一计数器可以为 nil。
func New(enabled bool, sessions SessionCounter, closed ClosedCounter, users UserCounter) *Handler {
	return &Handler{enabled: enabled, sessions: sessions, closed: closed, users: users}
}

// RegisterRoutes 注册健康检查路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := Response{
		Status:         "healthy",
		Enabled:        h.enabled,
		ClosedSessions: map[string]int64{},
	}
	if h.sessions != nil {
		resp.ActiveSessions = h.sessions.ActiveSessions()
	}
	if h.closed != nil {
		resp.ClosedSessions = h.closed.ClosedByReason()
		resp.Turns, resp.Retrievals = h.closed.Totals()
	}
	if h.users != nil {
		resp.TrackedUsers = h.users.Len()
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}
