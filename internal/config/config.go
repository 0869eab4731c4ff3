package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Durations are strings ("15s", "10m") parsed with TTLDuration, so an empty value means "use the default".
type Config struct {
	Server struct {
		Port         string `yaml:"port" validate:"omitempty,numeric"`
		ReadTimeout  string `yaml:"readTimeout" validate:"omitempty,duration"`
		WriteTimeout string `yaml:"writeTimeout" validate:"omitempty,duration"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	} `yaml:"log"`
	Rooms struct {
		GracePeriod  string `yaml:"gracePeriod" validate:"omitempty,duration"`
		JoinDebounce string `yaml:"joinDebounce" validate:"omitempty,duration"`
		InboxSize    int    `yaml:"inboxSize" validate:"gte=0"`
		OutboxSize   int    `yaml:"outboxSize" validate:"gte=0"`
	} `yaml:"rooms"`
	WebSocket struct {
		ReadBufferSize  int      `yaml:"readBufferSize" validate:"gte=0"`
		WriteBufferSize int      `yaml:"writeBufferSize" validate:"gte=0"`
		WriteWait       string   `yaml:"writeWait" validate:"omitempty,duration"`
		PongWait        string   `yaml:"pongWait" validate:"omitempty,duration"`
		PingPeriod      string   `yaml:"pingPeriod" validate:"omitempty,duration"`
		MaxMessageSize  int64    `yaml:"maxMessageSize" validate:"gte=0"`
		AllowedOrigins  []string `yaml:"allowedOrigins"`
	} `yaml:"websocket"`
	SocketIO struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"socketio"`
	Redis struct {
		Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
		TTL      string `yaml:"ttl" validate:"omitempty,duration"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" validate:"omitempty,url"`
	} `yaml:"postgres"`
	Mongo struct {
		URI        string `yaml:"uri" validate:"omitempty,url"`
		Database   string `yaml:"database" validate:"required_with=URI"`
		Collection string `yaml:"collection"`
	} `yaml:"mongo"`
	RabbitMQ struct {
		URL      string `yaml:"url" validate:"omitempty,url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"rabbitmq"`
	Notifications struct {
		QueueSize int    `yaml:"queueSize" validate:"gte=0"`
		Timeout   string `yaml:"timeout" validate:"omitempty,duration"`
	} `yaml:"notifications"`
	Results struct {
		TTL string `yaml:"ttl" validate:"omitempty,duration"`
	} `yaml:"results"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" validate:"omitempty,startswith=/"`
	} `yaml:"metrics"`
}

// Load reads YAML config from path and validates it.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid field in one error.
func (c Config) Validate() error {
	validate := validator.New()
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
