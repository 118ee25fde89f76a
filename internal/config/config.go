package config

import (
	"fmt"
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env  string `env:"APP_ENV" env-default:"local"`
	Port string `env:"PORT" env-default:"8080"`

	Database struct {
		Driver   string `env:"DB_DRIVER" env-default:"postgres"`
		DSN      string `env:"DATABASE_URL" env-default:"host=localhost user=postgres password=postgres dbname=inbox port=5432 sslmode=disable"`
		LogLevel string `env:"DB_LOG_LEVEL" env-default:"warn"`
	}

	Gateway struct {
		BaseURL string `env:"GATEWAY_BASE_URL" env-default:"http://localhost:8081"`
	}

	Graph struct {
		BaseURL     string `env:"GRAPH_BASE_URL" env-default:"https://graph.facebook.com"`
		Version     string `env:"GRAPH_API_VERSION" env-default:"v19.0"`
		VerifyToken string `env:"WEBHOOK_VERIFY_TOKEN" env-default:""`
	}

	HTTPClientTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" env-default:"30s"`

	Media struct {
		Driver    string `env:"MEDIA_DRIVER" env-default:"local"`
		Dir       string `env:"MEDIA_DIR" env-default:"./media"`
		Bucket    string `env:"S3_BUCKET" env-default:""`
		Region    string `env:"S3_REGION" env-default:"us-east-1"`
		AccessKey string `env:"S3_ACCESS_KEY" env-default:""`
		SecretKey string `env:"S3_SECRET_KEY" env-default:""`
		Prefix    string `env:"S3_PREFIX" env-default:"media"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR" env-default:""`
		Password string `env:"REDIS_PASSWORD" env-default:""`
	}

	Automation struct {
		StepDelay time.Duration `env:"AUTOMATION_STEP_DELAY" env-default:"1s"`
	}

	AI struct {
		HistoryLimit int `env:"AI_HISTORY_LIMIT" env-default:"20"`
	}
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: no .env file loaded")
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		desc, _ := cleanenv.GetDescription(cfg, nil)
		return nil, fmt.Errorf("%w; %s", err, desc)
	}
	return cfg, nil
}

func MustLoad() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}
