package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/voicegate/internal/model/voice"
)

var (
	gatewayURL string
	userID     string
	userHeader string
	timeout    time.Duration
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "voiceprobe",
	Short: "Operator probe for the realtime voice gateway",
	Long: `Operator probe for the realtime voice gateway.

Streams a raw PCM file through /api/voice/ws and records the spoken
replies, or prints the gateway health counters.

Examples:
  voiceprobe stream -a question.pcm -o reply.pcm --user alice
  voiceprobe health --url http://localhost:8080`,
	SilenceUsage: true,
}

func init() {
	// .env 需要在读取 flag 默认值之前加载
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", envOr("VOICEPROBE_URL", "http://localhost:8080"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&userID, "user", envOr("VOICEPROBE_USER", "voiceprobe"), "user identity sent to the gateway")
	rootCmd.PersistentFlags().StringVar(&userHeader, "user-header", envOr("VOICE_USER_HEADER", "X-User-ID"), "header carrying the user identity")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "overall timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	streamCmd.Flags().StringP("audio", "a", "", "input PCM file (16kHz mono s16le)")
	streamCmd.Flags().StringP("out", "o", "", "output file for reply audio (default reply-<unix>.pcm)")
	streamCmd.Flags().Int("chunk", 3200, "bytes per audio frame")
	streamCmd.Flags().Duration("interval", 100*time.Millisecond, "delay between frames")
	streamCmd.Flags().Duration("linger", 5*time.Second, "how long to wait for replies after the last frame")
	_ = streamCmd.MarkFlagRequired("audio")

	rootCmd.AddCommand(streamCmd, healthCmd)
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream a PCM file and record the replies",
	RunE: func(cmd *cobra.Command, args []string) error {
		audioPath, _ := cmd.Flags().GetString("audio")
		outPath, _ := cmd.Flags().GetString("out")
		chunk, _ := cmd.Flags().GetInt("chunk")
		interval, _ := cmd.Flags().GetDuration("interval")
		linger, _ := cmd.Flags().GetDuration("linger")
		if chunk <= 0 {
			return fmt.Errorf("chunk must be positive")
		}
		if outPath == "" {
			outPath = fmt.Sprintf("reply-%d.pcm", time.Now().Unix())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return runStream(ctx, audioPath, outPath, chunk, interval, linger)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the gateway health counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(gatewayURL, "/")+"/api/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("request health: %w", err)
		}
		defer resp.Body.Close()

		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode health: %w", err)
		}
		out, _ := json.MarshalIndent(body, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func runStream(ctx context.Context, audioPath, outPath string, chunk int, interval, linger time.Duration) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))

	in, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("打开音频文件失败: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("创建输出文件失败: %w", err)
	}
	defer out.Close()

	wsURL, err := websocketURL(gatewayURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set(userHeader, userID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	logger.Info("connected", "url", wsURL, "user", userID)

	done := make(chan error, 1)
	go func() { done <- readReplies(conn, out, logger) }()

	buf := make([]byte, chunk)
	frames := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, readErr := io.ReadFull(in, buf)
		if n > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
			frames++
		}
		if readErr != nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
		}
	}
	logger.Info("audio sent", "frames", frames)

	select {
	case err := <-done:
		return err
	case <-time.After(linger):
	case <-ctx.Done():
	}

	end, _ := json.Marshal(voice.InboundMessage{Type: voice.ClientEndSession, Timestamp: time.Now().UnixMilli()})
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		return fmt.Errorf("send end-session: %w", err)
	}

	select {
	case err := <-done:
		logger.Info("reply audio written", "path", outPath)
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("gateway did not close the session")
	}
}

// readReplies 把二进制音频写入 out，打印控制消息，直到会话关闭。
func readReplies(conn *websocket.Conn, out io.Writer, logger *slog.Logger) error {
	var audioBytes int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if mt == websocket.BinaryMessage {
			if _, err := out.Write(data); err != nil {
				return err
			}
			audioBytes += len(data)
			logger.Debug("audio", "bytes", len(data), "total", audioBytes)
			continue
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("unparseable control message", "raw", string(data))
			continue
		}
		logger.Info(msg.Type, "data", string(msg.Data))
		if msg.Type == voice.ServerSessionClosed {
			var closed voice.ClosedPayload
			_ = json.Unmarshal(msg.Data, &closed)
			if closed.Reason != voice.CloseClientRequested {
				return fmt.Errorf("session closed: %s (retry after %ds)", closed.Reason, closed.RetryAfterSeconds)
			}
		}
	}
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/voice/ws"
	return u.String(), nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
