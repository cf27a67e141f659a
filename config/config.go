package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	AI        AIConfig
	Broker    BrokerConfig
	RateLimit RateLimitConfig
	Risk      RiskConfig
	Pipeline  PipelineConfig
	Infra     InfraConfig
	Log       LogConfig
}

// AIConfig configures the inference worker pool.
type AIConfig struct {
	ModelPaths       []string
	ModelGlob        string
	PoolSize         int
	TimeoutQuick     time.Duration
	TimeoutDeep      time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	StartupTimeout   time.Duration
	StopGrace        time.Duration
	WorkerBin        string
	WorkerEngine     string // llama (llama-server) | llama-cli | rules
	LlamaServer      string
	LlamaCLI         string
	MaxTokens        int
	Temperature      float64
}

// BrokerConfig configures the front-end channel.
type BrokerConfig struct {
	Host              string
	Port              int
	Transport         string // tcp | ws
	ReconnectMax      int
	BackoffBase       float64
	BackoffMax        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ExecTimeout       time.Duration
	SendTimeout       time.Duration
	AuthTimeout       time.Duration
	AuthTTL           time.Duration
	APIKeys           map[string]string // account id -> key; empty accepts any key
	TOTPSecret        string
}

// Addr returns host:port.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// RateLimitConfig configures the admission gate.
type RateLimitConfig struct {
	Enabled         bool
	OrdersPerMinute float64
	BurstSize       float64
	IdleTTL         time.Duration
	SweepInterval   time.Duration
}

// RiskConfig configures the default risk rules.
type RiskConfig struct {
	MinConfidence float64
	MaxLot        float64
	LotStep       float64
	BlockWeekend  bool
}

// PipelineConfig configures the orchestrator budgets.
type PipelineConfig struct {
	TotalDeadline     time.Duration
	AdmissionFraction float64
	EnrichmentTimeout time.Duration
	MaxInFlight       int
	AllowFallback     bool
}

// InfraConfig holds the optional stores and the metrics listener.
type InfraConfig struct {
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	WebhookURL    string
	WebhookEvents []string // empty sends every event
	MetricsAddr   string
}

// LogConfig configures logger.Setup.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var defaults = map[string]any{
	"AI_MODEL_PATHS":       "./models",
	"AI_MODEL_GLOB":        "*.gguf",
	"AI_POOL_SIZE":         2,
	"AI_TIMEOUT_QUICK":     "8s",
	"AI_TIMEOUT_DEEP":      "30s",
	"AI_BREAKER_THRESHOLD": 5,
	"AI_BREAKER_TIMEOUT":   "60s",
	"AI_STARTUP_TIMEOUT":   "120s",
	"AI_STOP_GRACE":        "3s",
	"AI_WORKER_BIN":        "aiworker",
	"AI_WORKER_ENGINE":     "llama",
	"AI_LLAMA_SERVER":      "llama-server",
	"AI_LLAMA_CLI":         "llama-cli",
	"AI_MAX_TOKENS":        256,
	"AI_TEMPERATURE":       0.2,

	"BROKER_HOST":               "0.0.0.0",
	"BROKER_PORT":               8765,
	"BROKER_TRANSPORT":          "tcp",
	"BROKER_RECONNECT_MAX":      10,
	"BROKER_BACKOFF_BASE":       2.0,
	"BROKER_BACKOFF_MAX":        "60s",
	"BROKER_HEARTBEAT_INTERVAL": "30s",
	"BROKER_HEARTBEAT_TIMEOUT":  "60s",
	"BROKER_EXEC_TIMEOUT":       "5s",
	"BROKER_SEND_TIMEOUT":       "5s",
	"BROKER_AUTH_TIMEOUT":       "10s",
	"BROKER_AUTH_TTL":           "24h",
	"BROKER_API_KEYS":           "",
	"BROKER_TOTP_SECRET":        "",

	"RATE_LIMIT_ENABLED":           true,
	"RATE_LIMIT_ORDERS_PER_MINUTE": 60,
	"RATE_LIMIT_BURST_SIZE":        10,
	"RATE_LIMIT_IDLE_TTL":          "10m",
	"RATE_LIMIT_SWEEP_INTERVAL":    "5m",

	"RISK_MIN_CONFIDENCE": 0.6,
	"RISK_MAX_LOT":        1.0,
	"RISK_LOT_STEP":       0.01,
	"RISK_BLOCK_WEEKEND":  false,

	"PIPELINE_TOTAL_DEADLINE":     "20s",
	"PIPELINE_ADMISSION_FRACTION": 0.05,
	"PIPELINE_ENRICHMENT_TIMEOUT": "2s",
	"PIPELINE_MAX_INFLIGHT":       64,
	"PIPELINE_ALLOW_FALLBACK":     false,

	"REDIS_ADDR":     "",
	"REDIS_PASSWORD": "",
	"SQLITE_PATH":    "data/events.db",
	"WEBHOOK_URL":    "",
	"WEBHOOK_EVENTS": "",
	"METRICS_ADDR":   ":9090",

	"LOG_LEVEL":        "info",
	"LOG_FILE":         "",
	"LOG_MAX_SIZE_MB":  50,
	"LOG_MAX_BACKUPS":  5,
	"LOG_MAX_AGE_DAYS": 14,
	"LOG_COMPRESS":     true,
}

// Load reads configuration from the environment (and an optional .env file)
// with sensible defaults, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env not loaded: %v", err)
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already-populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	p := &durationParser{v: v}
	keys, err := ParseAPIKeys(v.GetString("BROKER_API_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AI: AIConfig{
			ModelPaths:       splitList(v.GetString("AI_MODEL_PATHS"), ","+string(os.PathListSeparator)),
			ModelGlob:        v.GetString("AI_MODEL_GLOB"),
			PoolSize:         v.GetInt("AI_POOL_SIZE"),
			TimeoutQuick:     p.get("AI_TIMEOUT_QUICK"),
			TimeoutDeep:      p.get("AI_TIMEOUT_DEEP"),
			BreakerThreshold: v.GetInt("AI_BREAKER_THRESHOLD"),
			BreakerTimeout:   p.get("AI_BREAKER_TIMEOUT"),
			StartupTimeout:   p.get("AI_STARTUP_TIMEOUT"),
			StopGrace:        p.get("AI_STOP_GRACE"),
			WorkerBin:        v.GetString("AI_WORKER_BIN"),
			WorkerEngine:     strings.ToLower(v.GetString("AI_WORKER_ENGINE")),
			LlamaServer:      v.GetString("AI_LLAMA_SERVER"),
			LlamaCLI:         v.GetString("AI_LLAMA_CLI"),
			MaxTokens:        v.GetInt("AI_MAX_TOKENS"),
			Temperature:      v.GetFloat64("AI_TEMPERATURE"),
		},
		Broker: BrokerConfig{
			Host:              v.GetString("BROKER_HOST"),
			Port:              v.GetInt("BROKER_PORT"),
			Transport:         strings.ToLower(v.GetString("BROKER_TRANSPORT")),
			ReconnectMax:      v.GetInt("BROKER_RECONNECT_MAX"),
			BackoffBase:       v.GetFloat64("BROKER_BACKOFF_BASE"),
			BackoffMax:        p.get("BROKER_BACKOFF_MAX"),
			HeartbeatInterval: p.get("BROKER_HEARTBEAT_INTERVAL"),
			HeartbeatTimeout:  p.get("BROKER_HEARTBEAT_TIMEOUT"),
			ExecTimeout:       p.get("BROKER_EXEC_TIMEOUT"),
			SendTimeout:       p.get("BROKER_SEND_TIMEOUT"),
			AuthTimeout:       p.get("BROKER_AUTH_TIMEOUT"),
			AuthTTL:           p.get("BROKER_AUTH_TTL"),
			APIKeys:           keys,
			TOTPSecret:        v.GetString("BROKER_TOTP_SECRET"),
		},
		RateLimit: RateLimitConfig{
			Enabled:         v.GetBool("RATE_LIMIT_ENABLED"),
			OrdersPerMinute: v.GetFloat64("RATE_LIMIT_ORDERS_PER_MINUTE"),
			BurstSize:       v.GetFloat64("RATE_LIMIT_BURST_SIZE"),
			IdleTTL:         p.get("RATE_LIMIT_IDLE_TTL"),
			SweepInterval:   p.get("RATE_LIMIT_SWEEP_INTERVAL"),
		},
		Risk: RiskConfig{
			MinConfidence: v.GetFloat64("RISK_MIN_CONFIDENCE"),
			MaxLot:        v.GetFloat64("RISK_MAX_LOT"),
			LotStep:       v.GetFloat64("RISK_LOT_STEP"),
			BlockWeekend:  v.GetBool("RISK_BLOCK_WEEKEND"),
		},
		Pipeline: PipelineConfig{
			TotalDeadline:     p.get("PIPELINE_TOTAL_DEADLINE"),
			AdmissionFraction: v.GetFloat64("PIPELINE_ADMISSION_FRACTION"),
			EnrichmentTimeout: p.get("PIPELINE_ENRICHMENT_TIMEOUT"),
			MaxInFlight:       v.GetInt("PIPELINE_MAX_INFLIGHT"),
			AllowFallback:     v.GetBool("PIPELINE_ALLOW_FALLBACK"),
		},
		Infra: InfraConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			SQLitePath:    v.GetString("SQLITE_PATH"),
			WebhookURL:    v.GetString("WEBHOOK_URL"),
			WebhookEvents: splitList(v.GetString("WEBHOOK_EVENTS"), ","),
			MetricsAddr:   v.GetString("METRICS_ADDR"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
			Compress:   v.GetBool("LOG_COMPRESS"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces value ranges.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.AI.PoolSize >= 1 && c.AI.PoolSize <= 8, "AI_POOL_SIZE must be in 1..8, got %d", c.AI.PoolSize)
	check(c.AI.TimeoutQuick > 0, "AI_TIMEOUT_QUICK must be positive")
	check(c.AI.TimeoutDeep > 0, "AI_TIMEOUT_DEEP must be positive")
	check(c.AI.BreakerThreshold >= 1, "AI_BREAKER_THRESHOLD must be >= 1")
	check(c.AI.BreakerTimeout > 0, "AI_BREAKER_TIMEOUT must be positive")
	check(c.AI.StartupTimeout > 0, "AI_STARTUP_TIMEOUT must be positive")
	check(c.AI.WorkerEngine == "llama" || c.AI.WorkerEngine == "llama-cli" || c.AI.WorkerEngine == "rules",
		"AI_WORKER_ENGINE must be llama, llama-cli or rules, got %q", c.AI.WorkerEngine)
	check(c.AI.MaxTokens > 0, "AI_MAX_TOKENS must be positive")

	check(c.Broker.Port > 0 && c.Broker.Port < 65536, "BROKER_PORT out of range: %d", c.Broker.Port)
	check(c.Broker.Transport == "tcp" || c.Broker.Transport == "ws", "BROKER_TRANSPORT must be tcp or ws, got %q", c.Broker.Transport)
	check(c.Broker.ReconnectMax >= 1, "BROKER_RECONNECT_MAX must be >= 1")
	check(c.Broker.BackoffBase >= 1, "BROKER_BACKOFF_BASE must be >= 1")
	check(c.Broker.BackoffMax > 0, "BROKER_BACKOFF_MAX must be positive")
	check(c.Broker.HeartbeatInterval > 0, "BROKER_HEARTBEAT_INTERVAL must be positive")
	check(c.Broker.HeartbeatTimeout > c.Broker.HeartbeatInterval, "BROKER_HEARTBEAT_TIMEOUT must exceed BROKER_HEARTBEAT_INTERVAL")
	check(c.Broker.ExecTimeout > 0, "BROKER_EXEC_TIMEOUT must be positive")
	check(c.Broker.SendTimeout > 0, "BROKER_SEND_TIMEOUT must be positive")
	check(c.Broker.AuthTimeout > 0, "BROKER_AUTH_TIMEOUT must be positive")
	check(c.Broker.AuthTTL > 0, "BROKER_AUTH_TTL must be positive")

	if c.RateLimit.Enabled {
		check(c.RateLimit.OrdersPerMinute > 0, "RATE_LIMIT_ORDERS_PER_MINUTE must be positive")
		check(c.RateLimit.BurstSize >= 1, "RATE_LIMIT_BURST_SIZE must be >= 1")
		check(c.RateLimit.IdleTTL > 0, "RATE_LIMIT_IDLE_TTL must be positive")
		check(c.RateLimit.SweepInterval > 0, "RATE_LIMIT_SWEEP_INTERVAL must be positive")
	}

	check(c.Risk.MinConfidence >= 0 && c.Risk.MinConfidence <= 1, "RISK_MIN_CONFIDENCE must be in [0,1]")
	check(c.Risk.MaxLot > 0, "RISK_MAX_LOT must be positive")
	check(c.Risk.LotStep > 0, "RISK_LOT_STEP must be positive")

	check(c.Pipeline.TotalDeadline > 0, "PIPELINE_TOTAL_DEADLINE must be positive")
	check(c.Pipeline.AdmissionFraction > 0 && c.Pipeline.AdmissionFraction < 1, "PIPELINE_ADMISSION_FRACTION must be in (0,1)")
	check(c.Pipeline.EnrichmentTimeout > 0, "PIPELINE_ENRICHMENT_TIMEOUT must be positive")
	check(c.Pipeline.MaxInFlight >= 1, "PIPELINE_MAX_INFLIGHT must be >= 1")

	return errors.Join(errs...)
}

// ParseAPIKeys parses "acct:key,acct2:key2" into a map.
func ParseAPIKeys(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range splitList(s, ",") {
		acct, key, ok := strings.Cut(part, ":")
		acct, key = strings.TrimSpace(acct), strings.TrimSpace(key)
		if !ok || acct == "" || key == "" {
			return nil, fmt.Errorf("BROKER_API_KEYS: malformed entry %q (want account:key)", part)
		}
		out[acct] = key
	}
	return out, nil
}

// ParseDuration accepts Go duration strings ("8s", "1m30s") or bare numbers
// meaning seconds ("8", "2.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

type durationParser struct {
	v   *viper.Viper
	err error
}

func (p *durationParser) get(key string) time.Duration {
	d, err := ParseDuration(p.v.GetString(key))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func splitList(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
