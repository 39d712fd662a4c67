// Package config loads the typed configuration for conclaved and
// conclavectl: a YAML file overlaid with environment variables, following
// the same load-then-overlay shape as the rest of the ambient stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BudgetConfig carries the Cost Circuit Breaker's required limits.
type BudgetConfig struct {
	DailyLimit         float64 `yaml:"daily_limit"`
	ConversationLimit  float64 `yaml:"conversation_limit"`
	TurnLimit          float64 `yaml:"turn_limit"`
	WarningThreshold   float64 `yaml:"warning_threshold"`
	CriticalThreshold  float64 `yaml:"critical_threshold"`
	MaxTurnsPerMinute  int     `yaml:"max_turns_per_minute"`
	MaxConvsPerHour    int     `yaml:"max_conversations_per_hour"`
	SpikeFactor        float64 `yaml:"spike_factor"`
	FailureThreshold   int     `yaml:"failure_threshold"`
	SuccessThreshold   int     `yaml:"success_threshold"`
	RecoveryTimeoutSec int     `yaml:"recovery_timeout_s"`
}

// RAGConfig controls retrieval defaults for C5/C6.
type RAGConfig struct {
	CacheTTLSeconds  int     `yaml:"cache_ttl_s"`
	TopK             int     `yaml:"top_k"`
	Threshold        float64 `yaml:"threshold"`
	RecencyTauHours  float64 `yaml:"recency_tau_hours"`
	WeightRelevance  float64 `yaml:"weight_relevance"`
	WeightImportance float64 `yaml:"weight_importance"`
	WeightRecency    float64 `yaml:"weight_recency"`
	RetentionDays    int     `yaml:"retention_days"`
	EmbeddingDim     int     `yaml:"embedding_dim"`
}

// StreamConfig controls the Streaming Engine's backpressure knobs.
type StreamConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_s"`
	MaxBufferBytes   int `yaml:"max_buffer_bytes"`
	WindowSize       int `yaml:"window_size"`
	ChunkDelayMs     int `yaml:"chunk_delay_ms"`
	MaxIdleMinutes   int `yaml:"max_idle_minutes"`
}

// BudgetMonitorConfig controls C4's sweep cadence.
type BudgetMonitorConfig struct {
	IntervalSeconds int `yaml:"interval_s"`
}

// GroupChatConfig controls the Group-Chat Orchestrator's turn bound and the
// prompt-size cost heuristic used to estimate a call's cost before admission.
type GroupChatConfig struct {
	MaxTurns             int     `yaml:"max_turns"`
	RetryBaseMs          int     `yaml:"retry_base_ms"`
	RetryFactor          float64 `yaml:"retry_factor"`
	RetryCapMs           int     `yaml:"retry_cap_ms"`
	EstimatedOutputRatio float64 `yaml:"estimated_output_ratio"` // estimated output tokens per input token
	CharsPerToken        float64 `yaml:"chars_per_token"`
	ComplexMessageChars  int     `yaml:"complex_message_chars"`
}

// PostgresConfig is the DSN for the system-of-record store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig is the DSN for caches, rate buckets, and the stream registry.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// QdrantConfig points the Memory Store's vector backend at a Qdrant instance.
type QdrantConfig struct {
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
}

// KafkaConfig configures turn/workflow event publication.
type KafkaConfig struct {
	Brokers       string `yaml:"brokers"`
	TurnsTopic    string `yaml:"turns_topic"`
	WorkflowTopic string `yaml:"workflow_topic"`
	GroupID       string `yaml:"group_id"`
}

// ClickHouseConfig configures the Budget Monitor's analytical sink.
type ClickHouseConfig struct {
	DSN         string `yaml:"dsn"`
	Database    string `yaml:"database"`
	EventsTable string `yaml:"events_table"`
}

// S3Config configures Benchmark Runner artifact storage.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `yaml:"use_path_style,omitempty"`
}

// ObsConfig configures OpenTelemetry export.
type ObsConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	OTLP           string `yaml:"otlp_endpoint"`
}

// OIDCConfig gates the elevated circuit-breaker override endpoint.
type OIDCConfig struct {
	IssuerURL string `yaml:"issuer_url"`
	ClientID  string `yaml:"client_id"`
}

// ProviderConfig carries per-vendor LLM credentials.
type ProviderConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GoogleAPIKey    string `yaml:"google_api_key"`
}

// MCPServerConfig names one MCP server to discover tools from at startup.
type MCPServerConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Command string `yaml:"command,omitempty"`
}

// Config is the composition root's fully-resolved configuration.
type Config struct {
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	AgentDefinitionsPath    string `yaml:"agent_definitions_path"`
	WorkflowDefinitionsPath string `yaml:"workflow_definitions_path"`
	BenchmarkScenariosPath  string `yaml:"benchmark_scenarios_path"`

	Budget        BudgetConfig        `yaml:"budget"`
	RAG           RAGConfig           `yaml:"rag"`
	Stream        StreamConfig        `yaml:"stream"`
	BudgetMonitor BudgetMonitorConfig `yaml:"budget_monitor"`
	GroupChat     GroupChatConfig     `yaml:"group_chat"`

	Postgres   PostgresConfig    `yaml:"postgres"`
	Redis      RedisConfig       `yaml:"redis"`
	Qdrant     QdrantConfig      `yaml:"qdrant"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	ClickHouse ClickHouseConfig  `yaml:"clickhouse"`
	S3         S3Config          `yaml:"s3"`
	Obs        ObsConfig         `yaml:"observability"`
	OIDC       OIDCConfig        `yaml:"oidc"`
	Providers  ProviderConfig    `yaml:"providers"`
	MCP        []MCPServerConfig `yaml:"mcp_servers"`

	HTTPAddr string `yaml:"http_addr"`
}

func defaults() Config {
	return Config{
		LogLevel:                "info",
		AgentDefinitionsPath:    "./agents",
		WorkflowDefinitionsPath: "./workflows",
		BenchmarkScenariosPath:  "./benchmarks",
		HTTPAddr:                ":8080",
		Budget: BudgetConfig{
			WarningThreshold:   0.7,
			CriticalThreshold:  0.9,
			MaxTurnsPerMinute:  30,
			MaxConvsPerHour:    120,
			SpikeFactor:        3.0,
			FailureThreshold:   3,
			SuccessThreshold:   3,
			RecoveryTimeoutSec: 60,
		},
		RAG: RAGConfig{
			CacheTTLSeconds:  600,
			TopK:             5,
			Threshold:        0.2,
			RecencyTauHours:  72,
			WeightRelevance:  0.3,
			WeightImportance: 0.4,
			WeightRecency:    0.3,
			RetentionDays:    30,
			EmbeddingDim:     256,
		},
		Stream: StreamConfig{
			HeartbeatSeconds: 30,
			MaxBufferBytes:   1 << 20,
			WindowSize:       20,
			ChunkDelayMs:     10,
			MaxIdleMinutes:   15,
		},
		BudgetMonitor: BudgetMonitorConfig{IntervalSeconds: 30},
		GroupChat: GroupChatConfig{
			MaxTurns:             12,
			RetryBaseMs:          250,
			RetryFactor:          2.0,
			RetryCapMs:           4000,
			EstimatedOutputRatio: 0.5,
			CharsPerToken:        4.0,
			ComplexMessageChars:  600,
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Qdrant: QdrantConfig{Collection: "memories"},
		Kafka: KafkaConfig{
			TurnsTopic:    "conclave.turns",
			WorkflowTopic: "conclave.workflow-steps",
			GroupID:       "conclave-budget-monitor",
		},
		ClickHouse: ClickHouseConfig{Database: "conclave", EventsTable: "cost_events"},
		Obs:        ObsConfig{ServiceName: "conclaved", ServiceVersion: "dev", Environment: "development"},
	}
}

// Load reads config.yaml (if present, path via CONCLAVE_CONFIG) and overlays
// environment variables, following the teacher's env-overlay pattern:
// built-in defaults, then the YAML file, then environment variables. `.env`
// is loaded with godotenv.Overload, so its entries replace variables already
// set in the process environment.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := defaults()

	if path := firstNonEmpty(os.Getenv("CONCLAVE_CONFIG"), "config.yaml"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	overlayEnv(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	envFloat("BUDGET_DAILY_LIMIT", &cfg.Budget.DailyLimit)
	envFloat("BUDGET_CONVERSATION_LIMIT", &cfg.Budget.ConversationLimit)
	envFloat("BUDGET_TURN_LIMIT", &cfg.Budget.TurnLimit)
	envInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Budget.FailureThreshold)
	envInt("CIRCUIT_RECOVERY_TIMEOUT_S", &cfg.Budget.RecoveryTimeoutSec)
	envInt("CIRCUIT_SUCCESS_THRESHOLD", &cfg.Budget.SuccessThreshold)
	envFloat("CIRCUIT_SPIKE_FACTOR", &cfg.Budget.SpikeFactor)
	envInt("RATE_TURNS_PER_MINUTE", &cfg.Budget.MaxTurnsPerMinute)
	envInt("RATE_CONVERSATIONS_PER_HOUR", &cfg.Budget.MaxConvsPerHour)

	envInt("RAG_CACHE_TTL_S", &cfg.RAG.CacheTTLSeconds)
	envInt("RAG_TOP_K", &cfg.RAG.TopK)
	envFloat("RAG_THRESHOLD", &cfg.RAG.Threshold)
	envInt("EMBEDDING_DIM", &cfg.RAG.EmbeddingDim)
	envInt("MEMORY_RETENTION_DAYS", &cfg.RAG.RetentionDays)

	envInt("STREAM_HEARTBEAT_S", &cfg.Stream.HeartbeatSeconds)
	envInt("STREAM_MAX_BUFFER_BYTES", &cfg.Stream.MaxBufferBytes)
	envInt("STREAM_WINDOW_SIZE", &cfg.Stream.WindowSize)
	envInt("STREAM_CHUNK_DELAY_MS", &cfg.Stream.ChunkDelayMs)

	envInt("GROUPCHAT_MAX_TURNS", &cfg.GroupChat.MaxTurns)
	envInt("GROUPCHAT_RETRY_BASE_MS", &cfg.GroupChat.RetryBaseMs)
	envInt("GROUPCHAT_RETRY_CAP_MS", &cfg.GroupChat.RetryCapMs)

	envStr("LOG_PATH", &cfg.LogPath)
	envStr("LOG_LEVEL", &cfg.LogLevel)
	envStr("AGENT_DEFINITIONS_PATH", &cfg.AgentDefinitionsPath)
	envStr("WORKFLOW_DEFINITIONS_PATH", &cfg.WorkflowDefinitionsPath)
	envStr("BENCHMARK_SCENARIOS_PATH", &cfg.BenchmarkScenariosPath)
	envStr("HTTP_ADDR", &cfg.HTTPAddr)

	envStr("POSTGRES_DSN", &cfg.Postgres.DSN)
	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envStr("QDRANT_DSN", &cfg.Qdrant.DSN)
	envStr("QDRANT_COLLECTION", &cfg.Qdrant.Collection)
	envStr("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	envStr("KAFKA_TURNS_TOPIC", &cfg.Kafka.TurnsTopic)
	envStr("KAFKA_WORKFLOW_TOPIC", &cfg.Kafka.WorkflowTopic)
	envStr("KAFKA_GROUP_ID", &cfg.Kafka.GroupID)
	envStr("CLICKHOUSE_DSN", &cfg.ClickHouse.DSN)
	envStr("CLICKHOUSE_DATABASE", &cfg.ClickHouse.Database)
	envStr("CLICKHOUSE_EVENTS_TABLE", &cfg.ClickHouse.EventsTable)
	envStr("S3_BUCKET", &cfg.S3.Bucket)
	envStr("S3_REGION", &cfg.S3.Region)
	envStr("S3_PREFIX", &cfg.S3.Prefix)
	envStr("S3_ENDPOINT", &cfg.S3.Endpoint)
	envStr("S3_ACCESS_KEY_ID", &cfg.S3.AccessKeyID)
	envStr("S3_SECRET_ACCESS_KEY", &cfg.S3.SecretAccessKey)

	envStr("OTEL_SERVICE_NAME", &cfg.Obs.ServiceName)
	envStr("SERVICE_VERSION", &cfg.Obs.ServiceVersion)
	envStr("ENVIRONMENT", &cfg.Obs.Environment)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Obs.OTLP)

	envStr("OIDC_ISSUER_URL", &cfg.OIDC.IssuerURL)
	envStr("OIDC_CLIENT_ID", &cfg.OIDC.ClientID)

	envStr("OPENAI_API_KEY", &cfg.Providers.OpenAIAPIKey)
	envStr("OPENAI_BASE_URL", &cfg.Providers.OpenAIBaseURL)
	envStr("ANTHROPIC_API_KEY", &cfg.Providers.AnthropicAPIKey)
	envStr("GOOGLE_LLM_API_KEY", &cfg.Providers.GoogleAPIKey)
}

func validate(cfg Config) error {
	if cfg.Budget.TurnLimit > 0 && cfg.Budget.ConversationLimit > 0 && cfg.Budget.TurnLimit > cfg.Budget.ConversationLimit {
		return fmt.Errorf("config: turn_limit (%v) must not exceed conversation_limit (%v)", cfg.Budget.TurnLimit, cfg.Budget.ConversationLimit)
	}
	if cfg.Budget.ConversationLimit > 0 && cfg.Budget.DailyLimit > 0 && cfg.Budget.ConversationLimit > cfg.Budget.DailyLimit {
		return fmt.Errorf("config: conversation_limit (%v) must not exceed daily_limit (%v)", cfg.Budget.ConversationLimit, cfg.Budget.DailyLimit)
	}
	sum := cfg.RAG.WeightRelevance + cfg.RAG.WeightImportance + cfg.RAG.WeightRecency
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: rag composite weights must sum to 1, got %v", sum)
	}
	return nil
}

// HeartbeatInterval is StreamConfig.HeartbeatSeconds as a time.Duration.
func (s StreamConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// MaxIdle is StreamConfig.MaxIdleMinutes as a time.Duration.
func (s StreamConfig) MaxIdle() time.Duration {
	return time.Duration(s.MaxIdleMinutes) * time.Minute
}

// ChunkDelay is StreamConfig.ChunkDelayMs as a time.Duration.
func (s StreamConfig) ChunkDelay() time.Duration {
	return time.Duration(s.ChunkDelayMs) * time.Millisecond
}

// CacheTTL is RAGConfig.CacheTTLSeconds as a time.Duration, clamped to 15m.
func (r RAGConfig) CacheTTL() time.Duration {
	d := time.Duration(r.CacheTTLSeconds) * time.Second
	if d > 15*time.Minute {
		d = 15 * time.Minute
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envStr(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
