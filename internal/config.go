package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL,default=INFO"`
	Host     string `env:"HOST,default=localhost"`
	Port     int    `env:"PORT,default=8080"`
	GrpcPort int    `env:"GRPC_PORT,default=9090"`

	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisURL       string `env:"REDIS_URL"`

	NumberOfShards         int           `env:"NUMBER_OF_SHARDS,default=8"`
	BufferSize             int           `env:"BUFFER_SIZE,default=1024"`
	SubscriptionBufferSize int           `env:"SUBSCRIPTION_BUFFER_SIZE,default=256"`
	SinkTimeout            time.Duration `env:"SINK_TIMEOUT,default=2s"`
	RestartInterval        time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	MetricInterval         time.Duration `env:"METRIC_INTERVAL,default=30s"`

	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT,default=5s"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY,default=50ms"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY,default=1s"`

	TypingTimeout    time.Duration `env:"TYPING_TIMEOUT,default=2s"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT,default=30s"`
	LivenessInterval time.Duration `env:"LIVENESS_INTERVAL,default=10s"`

	LimitMessages    *int `env:"LIMIT_MESSAGES"`
	MaxContentLength int  `env:"MAX_CONTENT_LENGTH,default=4096"`

	JwtSecret         string        `env:"JWT_SECRET,required=true"`
	JwtIssuer         string        `env:"JWT_ISSUER,default=chat-sync"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`

	CensoredWordsDir string `env:"CENSORED_WORDS_DIR"`
	CharReplacement  string `env:"CHARACTER_REPLACEMENT,default=*"`
}

// LoadConfig reads the optional .env file, then the environment. Variables
// already set in the environment win over the file.
func LoadConfig(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if config.NumberOfShards <= 0 {
		return Config{}, fmt.Errorf("NUMBER_OF_SHARDS must be positive, got %d", config.NumberOfShards)
	}
	return config, nil
}

func (c Config) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) GrpcAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GrpcPort)
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
