// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type CORS struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

type TLS struct {
	Enabled    bool
	CertPath   string
	KeyPath    string
	SelfSigned bool
}

type Postgres struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	ApplySchema     bool
}

type Mongo struct {
	URI      string
	Database string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Bus struct {
	RedisBridge      bool
	SubscriberBuffer int
}

type JWT struct {
	Secret        string
	PublicKeyPath string
}

type Rate struct {
	SendLimit    int
	SendWindow   time.Duration
	TypingLimit  int
	TypingWindow time.Duration
}

type SendGrid struct {
	APIKey      string
	SenderEmail string
	SenderName  string
}

type Config struct {
	AppEnv          string
	ServerPort      string
	CORS            CORS
	TLS             TLS
	StoreDriver     string
	Postgres        Postgres
	Mongo           Mongo
	Redis           Redis
	Bus             Bus
	StreamHeartbeat time.Duration
	JWT             JWT
	Rate            Rate
	SendGrid        SendGrid
	NotifyCooldown  time.Duration
	LogDevelopment  bool
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", true)
	v.SetDefault("ENABLE_TLS", false)
	v.SetDefault("TLS_CERT_PATH", "certs/server.crt")
	v.SetDefault("TLS_KEY_PATH", "certs/server.key")
	v.SetDefault("TLS_SELF_SIGNED", false)
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", "5m")
	v.SetDefault("APPLY_SCHEMA_ON_START", true)
	v.SetDefault("MONGO_DATABASE", "matchtalk")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("BUS_REDIS_BRIDGE", false)
	v.SetDefault("BUS_SUBSCRIBER_BUFFER", 64)
	v.SetDefault("STREAM_HEARTBEAT", "25s")
	v.SetDefault("RATE_SEND_LIMIT", 30)
	v.SetDefault("RATE_SEND_WINDOW", "1m")
	v.SetDefault("RATE_TYPING_LIMIT", 20)
	v.SetDefault("RATE_TYPING_WINDOW", "10s")
	v.SetDefault("NOTIFY_COOLDOWN", "15m")
	v.SetDefault("LOG_DEVELOPMENT", false)
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AppEnv:     v.GetString("APP_ENV"),
		ServerPort: v.GetString("SERVER_PORT"),
		CORS: CORS{
			AllowedOrigins:   splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			AllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
		},
		TLS: TLS{
			Enabled:    v.GetBool("ENABLE_TLS"),
			CertPath:   v.GetString("TLS_CERT_PATH"),
			KeyPath:    v.GetString("TLS_KEY_PATH"),
			SelfSigned: v.GetBool("TLS_SELF_SIGNED"),
		},
		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		Postgres: Postgres{
			URL:             v.GetString("DATABASE_URL"),
			MaxConns:        v.GetInt32("DB_MAX_CONNS"),
			MinConns:        v.GetInt32("DB_MIN_CONNS"),
			MaxConnIdleTime: v.GetDuration("DB_MAX_CONN_IDLE_TIME"),
			ApplySchema:     v.GetBool("APPLY_SCHEMA_ON_START"),
		},
		Mongo: Mongo{
			URI:      v.GetString("MONGO_URI"),
			Database: v.GetString("MONGO_DATABASE"),
		},
		Redis: Redis{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Bus: Bus{
			RedisBridge:      v.GetBool("BUS_REDIS_BRIDGE"),
			SubscriberBuffer: v.GetInt("BUS_SUBSCRIBER_BUFFER"),
		},
		StreamHeartbeat: v.GetDuration("STREAM_HEARTBEAT"),
		JWT: JWT{
			Secret:        v.GetString("JWT_SECRET"),
			PublicKeyPath: v.GetString("JWT_PUBLIC_KEY_PATH"),
		},
		Rate: Rate{
			SendLimit:    v.GetInt("RATE_SEND_LIMIT"),
			SendWindow:   v.GetDuration("RATE_SEND_WINDOW"),
			TypingLimit:  v.GetInt("RATE_TYPING_LIMIT"),
			TypingWindow: v.GetDuration("RATE_TYPING_WINDOW"),
		},
		SendGrid: SendGrid{
			APIKey:      v.GetString("SENDGRID_API_KEY"),
			SenderEmail: v.GetString("SENDGRID_SENDER_EMAIL"),
			SenderName:  v.GetString("SENDGRID_SENDER_NAME"),
		},
		NotifyCooldown: v.GetDuration("NOTIFY_COOLDOWN"),
		LogDevelopment: v.GetBool("LOG_DEVELOPMENT"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	var errs []error
	switch c.StoreDriver {
	case "postgres":
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("MONGO_URI is required when STORE_DRIVER=mongo"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.Bus.RedisBridge && c.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when BUS_REDIS_BRIDGE=true"))
	}
	if c.JWT.Secret == "" && c.JWT.PublicKeyPath == "" {
		errs = append(errs, errors.New("JWT_SECRET or JWT_PUBLIC_KEY_PATH is required"))
	}
	// redis expires rate windows with second precision
	if c.Rate.SendWindow < time.Second || c.Rate.TypingWindow < time.Second {
		errs = append(errs, errors.New("RATE_SEND_WINDOW and RATE_TYPING_WINDOW must be at least 1s"))
	}
	if c.TLS.Enabled && !c.TLS.SelfSigned && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		errs = append(errs, errors.New("TLS_CERT_PATH and TLS_KEY_PATH are required when ENABLE_TLS=true"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
