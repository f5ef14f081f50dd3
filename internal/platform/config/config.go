// Package config loads service configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for a service.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Engine    EngineConfig    `mapstructure:"engine"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Sender    SenderConfig    `mapstructure:"sender"`
	State     StateConfig     `mapstructure:"state"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds service identity.
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port            int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// EngineConfig holds execution engine settings.
type EngineConfig struct {
	MaxWorkers        int           `mapstructure:"max_workers" envconfig:"ENGINE_MAX_WORKERS" default:"1"`
	ContinueOnFailure bool          `mapstructure:"continue_on_failure" envconfig:"ENGINE_CONTINUE_ON_FAILURE" default:"false"`
	RunRetention      time.Duration `mapstructure:"run_retention" envconfig:"ENGINE_RUN_RETENTION" default:"24h"`
}

// LLMConfig holds per-provider endpoints and credentials. Node configs may
// override any of these per flow.
type LLMConfig struct {
	OpenAIAPIKey    string `mapstructure:"openai_api_key" envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url" envconfig:"OPENAI_BASE_URL"`
	LMStudioBaseURL string `mapstructure:"lmstudio_base_url" envconfig:"LMSTUDIO_BASE_URL" default:"http://localhost:1234/v1"`
	OllamaBaseURL   string `mapstructure:"ollama_base_url" envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	YandexAPIKey    string `mapstructure:"yandex_api_key" envconfig:"YANDEX_API_KEY"`
	YandexFolderID  string `mapstructure:"yandex_folder_id" envconfig:"YANDEX_FOLDER_ID"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" envconfig:"ANTHROPIC_API_KEY"`
}

// SenderConfig holds the report delivery endpoint for HTTP-mode sends.
type SenderConfig struct {
	BaseURL string        `mapstructure:"base_url" envconfig:"SENDER_BASE_URL"`
	Secret  string        `mapstructure:"secret" envconfig:"SENDER_BACKEND_SECRET"`
	Timeout time.Duration `mapstructure:"timeout" envconfig:"SENDER_TIMEOUT" default:"30s"`
}

// StateConfig selects and configures the run-state store backend.
type StateConfig struct {
	Backend string      `mapstructure:"backend" envconfig:"STATE_BACKEND" default:"memory"`
	DSN     string      `mapstructure:"dsn" envconfig:"STATE_DSN"`
	Redis   RedisConfig `mapstructure:"redis"`
	Mongo   MongoConfig `mapstructure:"mongo"`
}

// RedisConfig holds Redis connection settings for the state store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB       int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	TTL      time.Duration `mapstructure:"ttl" envconfig:"REDIS_TTL" default:"720h"`
}

// MongoConfig holds MongoDB connection settings for the state store.
type MongoConfig struct {
	URI      string `mapstructure:"uri" envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	Database string `mapstructure:"database" envconfig:"MONGO_DATABASE" default:"chainflow"`
}

// ReportsConfig selects the report store for OutputSender batch mode.
type ReportsConfig struct {
	Backend string   `mapstructure:"backend" envconfig:"REPORTS_BACKEND" default:"fs"`
	S3      S3Config `mapstructure:"s3"`
}

// S3Config holds the S3 report store settings.
type S3Config struct {
	Bucket string `mapstructure:"bucket" envconfig:"REPORTS_S3_BUCKET"`
	Region string `mapstructure:"region" envconfig:"REPORTS_S3_REGION" default:"us-east-1"`
	Prefix string `mapstructure:"prefix" envconfig:"REPORTS_S3_PREFIX"`
}

// KafkaConfig holds the progress publisher settings.
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled" envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers     []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	TopicPrefix string   `mapstructure:"topic_prefix" envconfig:"KAFKA_TOPIC_PREFIX" default:"chainflow"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// Load reads configs/<service>.yaml (or the file named by CONFIG_PATH) and
// applies CHAINFLOW-prefixed environment overrides on top.
func Load(serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName

	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing file is fine: defaults plus environment cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("CHAINFLOW", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.Service.Name
	}
	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else if cfg.Version == "" {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Service.Environment == "production"
}
