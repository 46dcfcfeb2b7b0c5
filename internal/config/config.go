// Package config provides the structures and loading function for the
// engine configuration.
package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all settings of both binaries.
type Config struct {
	Env                     string `yaml:"env" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string"`
	MigrationsPath          string `yaml:"migrations_path" env-default:"./migrations"`
	RedisConnection         `yaml:"redis_connection"`
	RabbitMQ                `yaml:"rabbitmq"`
	HTTPServer              `yaml:"http_server"`
	JWTToken                `yaml:"jwttoken"`
	Billing                 `yaml:"billing"`
	Gateway                 `yaml:"gateway"`
}

// HTTPServer configures the engine HTTP server.
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"5s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection configures the duplicate-suppression / entitlement cache.
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis"`
	Password     string        `yaml:"password"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries" env-default:"3"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis time.Duration `yaml:"timeoutredis" env-default:"3s"`
}

// RabbitMQ configures the notification publisher connection.
type RabbitMQ struct {
	URL        string        `yaml:"url"`
	MaxRetries int           `yaml:"max_retries" env-default:"10"`
	RetryDelay time.Duration `yaml:"retry_delay" env-default:"3s"`
}

// JWTToken configures validation of tenant tokens issued by the
// surrounding application.
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"24h"`
}

// Billing configures the renewal lifecycle.
type Billing struct {
	GracePeriodDays    int           `yaml:"grace_period_days" env-default:"14"`
	GraceExtensionDays int           `yaml:"grace_extension_days" env-default:"7"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env-default:"24h"`
	// ManualRenew auto-advances due periods without charging. An explicit
	// feature flag for test/manual operation, never an implicit fallback.
	ManualRenew bool `yaml:"manual_renew" env-default:"false"`
}

// Gateway configures the external payment gateway.
type Gateway struct {
	Enabled       bool          `yaml:"enabled" env-default:"false"`
	AccountID     string        `yaml:"account_id"`
	SecretKey     string        `yaml:"secret_key"`
	APIURL        string        `yaml:"api_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	CheckoutTTL   time.Duration `yaml:"checkout_ttl" env-default:"72h"`
	ReturnURL     string        `yaml:"return_url"`
}

// MustLoad loads the config from the file named by CONFIG_PATH and exits
// the process when it cannot.
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}
