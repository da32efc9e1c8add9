package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all runtime settings for the classification service. Values
// come from the environment so the same binary runs unchanged in containers
// and on developer machines.
type Config struct {
	ListenAddr string `env:"CLASSIFIER_LISTEN_ADDR, default=:8080"`
	LogLevel   string `env:"CLASSIFIER_LOG_LEVEL, default=info"`

	// Model artifact produced by the offline training pipeline. The metadata
	// file carries input shape, class ordering and normalization constants;
	// it is the single source of truth shared with training.
	ModelPath    string `env:"CLASSIFIER_MODEL_PATH, default=models/cats_dogs.onnx"`
	MetadataPath string `env:"CLASSIFIER_METADATA_PATH, default=models/cats_dogs.json"`

	// PoolSize controls how many inference sessions are kept warm. Each
	// session owns its own input/output buffers, so this bounds prediction
	// concurrency.
	PoolSize int `env:"CLASSIFIER_POOL_SIZE, default=4"`

	RequestLogPath string `env:"CLASSIFIER_REQUEST_LOG_PATH, default=logs/requests.log"`

	// RedisAddr enables the prediction result cache when non-empty.
	RedisAddr string        `env:"CLASSIFIER_REDIS_ADDR"`
	CacheTTL  time.Duration `env:"CLASSIFIER_CACHE_TTL, default=5m"`

	MaxUploadBytes  int64         `env:"CLASSIFIER_MAX_UPLOAD_BYTES, default=10485760"`
	ShutdownTimeout time.Duration `env:"CLASSIFIER_SHUTDOWN_TIMEOUT, default=15s"`
}

// Load reads configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
