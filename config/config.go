package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	LogLevel   string           `mapstructure:"log_level"`
	Storage    StorageConfig    `mapstructure:"storage"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

type SecurityConfig struct {
	APIKeyHeader    string            `mapstructure:"apiKeyHeader"`
	APIKeys         map[string]string `mapstructure:"apiKeys"`
	SignatureHeader string            `mapstructure:"signatureHeader"`
	EventIDHeader   string            `mapstructure:"eventIdHeader"`
	EventTypeHeader string            `mapstructure:"eventTypeHeader"`
	CompanyIDHeader string            `mapstructure:"companyIdHeader"`
	// RequestsPerSecond and Burst bound inbound deliveries per company.
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond"`
	Burst             float64 `mapstructure:"burst"`
	MaxBodyBytes      int64   `mapstructure:"maxBodyBytes"`
	// Subscriptions seeds "company:secret[:type|type]" entries at startup.
	Subscriptions string `mapstructure:"subscriptions"`
}

type MonitoringConfig struct {
	PrometheusPort int    `mapstructure:"prometheusPort"`
	MetricsPath    string `mapstructure:"metricsPath"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // mongodb | memory
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	// Prefix is prepended to every collection name.
	Prefix string `mapstructure:"prefix"`
}

type RabbitMQConfig struct {
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	QueueName string `mapstructure:"queueName"`
	Prefetch  int    `mapstructure:"prefetch"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PipelineConfig struct {
	// Mode is "queue" (publish to RabbitMQ for cmd/worker) or "inline".
	Mode                  string        `mapstructure:"mode"`
	MaxRetries            int           `mapstructure:"maxRetries"`
	BaseRetryDelay        time.Duration `mapstructure:"baseRetryDelay"`
	MaxRetryDelay         time.Duration `mapstructure:"maxRetryDelay"`
	ProcessingTimeout     time.Duration `mapstructure:"processingTimeout"`
	StageTimeout          time.Duration `mapstructure:"stageTimeout"`
	HighValueThreshold    float64       `mapstructure:"highValueThreshold"`
	EmergencyServiceTypes []string      `mapstructure:"emergencyServiceTypes"`
	Concurrency           int           `mapstructure:"concurrency"`
}

type SupervisorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batchSize"`
	StalePendingAfter time.Duration `mapstructure:"stalePendingAfter"`
	RegistryTTL       time.Duration `mapstructure:"registryTTL"`
}

type ServerConfig struct {
	Port int
	Host string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage.driver", "mongodb")

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "webhooks")
	v.SetDefault("mongodb.prefix", "webhook")

	v.SetDefault("rabbitmq.exchange", "webhook_events")
	v.SetDefault("rabbitmq.queueName", "webhook_processing")
	v.SetDefault("rabbitmq.prefetch", 8)

	v.SetDefault("redis.prefix", "webhook-pipeline:")
	v.SetDefault("redis.ttl", time.Minute)

	v.SetDefault("monitoring.prometheusPort", 9090)
	v.SetDefault("monitoring.metricsPath", "/metrics")

	v.SetDefault("security.apiKeyHeader", "X-API-Key")
	v.SetDefault("security.signatureHeader", "X-Webhook-Signature")
	v.SetDefault("security.eventIdHeader", "X-Webhook-Event-Id")
	v.SetDefault("security.eventTypeHeader", "X-Webhook-Event-Type")
	v.SetDefault("security.companyIdHeader", "X-Webhook-Company-Id")
	v.SetDefault("security.requestsPerSecond", 50.0)
	v.SetDefault("security.burst", 100.0)
	v.SetDefault("security.maxBodyBytes", 1<<20)

	v.SetDefault("pipeline.mode", "queue")
	v.SetDefault("pipeline.maxRetries", 5)
	v.SetDefault("pipeline.baseRetryDelay", 10*time.Second)
	v.SetDefault("pipeline.maxRetryDelay", 30*time.Minute)
	v.SetDefault("pipeline.processingTimeout", 30*time.Second)
	v.SetDefault("pipeline.stageTimeout", 10*time.Second)
	v.SetDefault("pipeline.highValueThreshold", 500.0)
	v.SetDefault("pipeline.emergencyServiceTypes", []string{
		"emergency", "emergency_plumbing", "emergency_hvac", "emergency_electrical", "emergency_repair", "after_hours",
	})
	v.SetDefault("pipeline.concurrency", 4)

	v.SetDefault("supervisor.enabled", true)
	v.SetDefault("supervisor.interval", 15*time.Second)
	v.SetDefault("supervisor.batchSize", 50)
	v.SetDefault("supervisor.stalePendingAfter", 5*time.Minute)
	v.SetDefault("supervisor.registryTTL", 30*time.Second)
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("APP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if promPort := os.Getenv("PROMETHEUS_PORT"); promPort != "" {
		if p, err := strconv.Atoi(promPort); err == nil {
			cfg.Monitoring.PrometheusPort = p
		}
	}

	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		cfg.MongoDB.URI = uri
	}
	if db := os.Getenv("MONGODB_DATABASE"); db != "" {
		cfg.MongoDB.Database = db
	}
	if prefix := os.Getenv("MONGODB_PREFIX"); prefix != "" {
		cfg.MongoDB.Prefix = prefix
	}

	// Support both CLOUDAMQP_URL and RABBITMQ_URI for backwards compatibility
	if cloudamqpURL := os.Getenv("CLOUDAMQP_URL"); cloudamqpURL != "" {
		cfg.RabbitMQ.URL = cloudamqpURL
	} else if rabbitURL := os.Getenv("RABBITMQ_URI"); rabbitURL != "" {
		cfg.RabbitMQ.URL = rabbitURL
	}
	if exchange := os.Getenv("RABBITMQ_EXCHANGE"); exchange != "" {
		cfg.RabbitMQ.Exchange = exchange
	}
	if queue := os.Getenv("RABBITMQ_QUEUE"); queue != "" {
		cfg.RabbitMQ.QueueName = queue
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if header := os.Getenv("API_KEY_HEADER"); header != "" {
		cfg.Security.APIKeyHeader = header
	}
	if subs := os.Getenv("WEBHOOK_SUBSCRIPTIONS"); subs != "" {
		cfg.Security.Subscriptions = subs
	}

	if mode := os.Getenv("PIPELINE_MODE"); mode != "" {
		cfg.Pipeline.Mode = mode
	}
	if n := os.Getenv("PIPELINE_MAX_RETRIES"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.Pipeline.MaxRetries = v
		}
	}
	if n := os.Getenv("PIPELINE_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.Pipeline.Concurrency = v
		}
	}
	if t := os.Getenv("PIPELINE_HIGH_VALUE_THRESHOLD"); t != "" {
		if v, err := strconv.ParseFloat(t, 64); err == nil {
			cfg.Pipeline.HighValueThreshold = v
		}
	}

	keys := loadAPIKeysFromEnv()
	if cfg.Security.APIKeys == nil {
		cfg.Security.APIKeys = make(map[string]string, len(keys))
	}
	for name, key := range keys {
		cfg.Security.APIKeys[name] = key
	}
}

// loadAPIKeysFromEnv collects dashboard/admin keys. ADMIN_API_KEY maps to
// "admin"; any other NAME_API_KEY maps to "name".
func loadAPIKeysFromEnv() map[string]string {
	apiKeys := make(map[string]string)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		envName, envValue := parts[0], parts[1]
		if !strings.HasSuffix(envName, "_API_KEY") {
			continue
		}
		clientName := strings.ToLower(strings.TrimSuffix(envName, "_API_KEY"))
		apiKeys[clientName] = envValue
	}

	return apiKeys
}
