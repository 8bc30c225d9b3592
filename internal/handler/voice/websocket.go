package voice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voicegate/internal/service/session"
	"github.com/zhouzirui/voicegate/pkg/utils"
)

// Acceptor runs one upgraded client connection until its session ends.
type Acceptor interface {
	Accept(ctx context.Context, conn session.ClientConn, userID string) error
}

// Options 语音 WebSocket 端点配置。
type Options struct {
	Enabled        bool
	UserHeader     string
	AllowQueryUser bool
	AllowedOrigins []string
	Logger         *slog.Logger
}

// WebSocketHandler WebSocket语音网关处理器
type WebSocketHandler struct {
	acceptor Acceptor
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(acceptor Acceptor, opts Options) *WebSocketHandler {
	if opts.UserHeader == "" {
		opts.UserHeader = "X-User-ID"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &WebSocketHandler{
		acceptor: acceptor,
		opts:     opts,
		logger:   opts.Logger.With("component", "voice-ws"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return h
}

// RegisterRoutes 注册语音网关路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/voice/ws", h.handleWebSocket)
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.opts.Enabled || h.acceptor == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "voice gateway disabled")
		return
	}

	userID := h.resolveUser(r)
	if userID == "" {
		utils.RespondError(w, http.StatusUnauthorized, "user identity required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	err = h.acceptor.Accept(r.Context(), conn, userID)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRateLimited), errors.Is(err, session.ErrShuttingDown):
		h.logger.Info("voice session refused", "user_id", userID, "error", err)
	default:
		h.logger.Warn("voice session ended with error", "user_id", userID, "error", err)
	}
}

// resolveUser reads the identity set by the authenticating proxy.
func (h *WebSocketHandler) resolveUser(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get(h.opts.UserHeader)); user != "" {
		return user
	}
	if h.opts.AllowQueryUser {
		return strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	return ""
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.opts.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}
