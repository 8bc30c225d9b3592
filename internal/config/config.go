package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Gateway   GatewayConfig
	Upstream  UpstreamConfig
	Retrieval RetrievalConfig
	AI        AIConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	gateway, err := loadGatewayConfig()
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	retrieval, err := loadRetrievalConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Gateway:   gateway,
		Upstream:  upstream,
		Retrieval: retrieval,
		AI:        ai,
		Log:       logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// GatewayConfig 描述语音网关的会话与限流配置。
type GatewayConfig struct {
	Enabled          bool
	SessionTimeout   time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	RateLimitSweep   time.Duration
	PrefetchMinWords int
	ContextDeadline  time.Duration
	MaxAudioFPS      int
	MaxFrameBytes    int
	UserHeader       string
	AllowQueryUser   bool
	AllowedOrigins   []string
}

func loadGatewayConfig() (GatewayConfig, error) {
	var (
		cfg GatewayConfig
		err error
	)

	if cfg.Enabled, err = parseBoolEnv("VOICE_GATEWAY_ENABLED", true); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.SessionTimeout, err = parseDurationEnv("VOICE_SESSION_TIMEOUT", 10*time.Minute); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.RateLimitMax, err = parseIntEnv("VOICE_RATE_LIMIT_MAX", 5); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.RateLimitWindow, err = parseDurationEnv("VOICE_RATE_LIMIT_WINDOW", 60*time.Minute); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.RateLimitSweep, err = parseDurationEnv("VOICE_RATE_LIMIT_SWEEP", 5*time.Minute); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.PrefetchMinWords, err = parseIntEnv("VOICE_PREFETCH_MIN_WORDS", 5); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.ContextDeadline, err = parseDurationEnv("VOICE_CONTEXT_DEADLINE", 200*time.Millisecond); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.MaxAudioFPS, err = parseIntEnv("VOICE_MAX_AUDIO_FPS", 100); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.MaxFrameBytes, err = parseIntEnv("VOICE_MAX_FRAME_BYTES", 64<<10); err != nil {
		return GatewayConfig{}, err
	}
	if cfg.AllowQueryUser, err = parseBoolEnv("VOICE_ALLOW_QUERY_USER", false); err != nil {
		return GatewayConfig{}, err
	}

	if cfg.RateLimitMax < 1 {
		return GatewayConfig{}, fmt.Errorf("VOICE_RATE_LIMIT_MAX must be positive, got %d", cfg.RateLimitMax)
	}
	if cfg.PrefetchMinWords < 1 {
		return GatewayConfig{}, fmt.Errorf("VOICE_PREFETCH_MIN_WORDS must be positive, got %d", cfg.PrefetchMinWords)
	}

	cfg.UserHeader = getEnvOrDefault("VOICE_USER_HEADER", "X-User-ID")
	cfg.AllowedOrigins = parseListEnv("VOICE_ALLOWED_ORIGINS")
	return cfg, nil
}

// UpstreamConfig 描述实时语音对话服务的连接参数。
type UpstreamConfig struct {
	URL              string
	AppID            string
	AccessKey        string
	ResourceID       string
	AppKey           string
	Speaker          string
	BotName          string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// Enabled 表示是否提供了上游凭证。
func (c UpstreamConfig) Enabled() bool {
	return c.AppID != "" && c.AccessKey != ""
}

func loadUpstreamConfig() (UpstreamConfig, error) {
	cfg := UpstreamConfig{
		URL:        getEnvOrDefault("UPSTREAM_URL", "wss://openspeech.bytedance.com/api/v3/realtime/dialogue"),
		AppID:      strings.TrimSpace(os.Getenv("UPSTREAM_APP_ID")),
		AccessKey:  strings.TrimSpace(os.Getenv("UPSTREAM_ACCESS_KEY")),
		ResourceID: getEnvOrDefault("UPSTREAM_RESOURCE_ID", "volc.speech.dialog"),
		AppKey:     strings.TrimSpace(os.Getenv("UPSTREAM_APP_KEY")),
		Speaker:    getEnvOrDefault("UPSTREAM_SPEAKER", "zh_female_vv_jupiter_bigtts"),
		BotName:    getEnvOrDefault("UPSTREAM_BOT_NAME", "豆包"),
	}

	var err error
	if cfg.HandshakeTimeout, err = parseDurationEnv("UPSTREAM_HANDSHAKE_TIMEOUT", 10*time.Second); err != nil {
		return UpstreamConfig{}, err
	}
	if cfg.ReadTimeout, err = parseDurationEnv("UPSTREAM_READ_TIMEOUT", 60*time.Second); err != nil {
		return UpstreamConfig{}, err
	}
	if cfg.WriteTimeout, err = parseDurationEnv("UPSTREAM_WRITE_TIMEOUT", 5*time.Second); err != nil {
		return UpstreamConfig{}, err
	}
	if cfg.PingInterval, err = parseDurationEnv("UPSTREAM_PING_INTERVAL", 20*time.Second); err != nil {
		return UpstreamConfig{}, err
	}
	return cfg, nil
}

// 检索后端
const (
	RetrievalHTTP  = "http"
	RetrievalModel = "model"
	RetrievalNone  = "none"
)

// RetrievalConfig 描述知识检索后端配置。
type RetrievalConfig struct {
	Backend         string
	Endpoint        string
	APIKey          string
	TopK            int
	Timeout         time.Duration
	MaxContextChars int
}

func loadRetrievalConfig() (RetrievalConfig, error) {
	cfg := RetrievalConfig{
		Endpoint: strings.TrimSpace(os.Getenv("RETRIEVAL_ENDPOINT")),
		APIKey:   strings.TrimSpace(os.Getenv("RETRIEVAL_API_KEY")),
	}

	defaultBackend := RetrievalNone
	if cfg.Endpoint != "" {
		defaultBackend = RetrievalHTTP
	}
	cfg.Backend = strings.ToLower(getEnvOrDefault("RETRIEVAL_BACKEND", defaultBackend))
	switch cfg.Backend {
	case RetrievalHTTP:
		if cfg.Endpoint == "" {
			return RetrievalConfig{}, fmt.Errorf("RETRIEVAL_ENDPOINT is required for the http retrieval backend")
		}
	case RetrievalModel, RetrievalNone:
	default:
		return RetrievalConfig{}, fmt.Errorf("invalid RETRIEVAL_BACKEND value %q", cfg.Backend)
	}

	var err error
	if cfg.TopK, err = parseIntEnv("RETRIEVAL_TOP_K", 3); err != nil {
		return RetrievalConfig{}, err
	}
	if cfg.Timeout, err = parseDurationEnv("RETRIEVAL_TIMEOUT", 5*time.Second); err != nil {
		return RetrievalConfig{}, err
	}
	if cfg.MaxContextChars, err = parseIntEnv("RETRIEVAL_MAX_CONTEXT_CHARS", 1500); err != nil {
		return RetrievalConfig{}, err
	}
	return cfg, nil
}

// LogConfig 日志配置。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() (LogConfig, error) {
	cfg := LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "text")),
	}
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q", cfg.Level)
	}
	if cfg.Format != "text" && cfg.Format != "json" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q", cfg.Format)
	}
	return cfg, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

// parseDurationEnv 接受 time.ParseDuration 格式，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
