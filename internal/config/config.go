package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind        string   `yaml:"bind"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Store       StoreConfig     `yaml:"store"`
	STT         STTConfig       `yaml:"stt"`
	Session     SessionConfig   `yaml:"session"`
	Bus         BusConfig       `yaml:"bus"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StoreConfig selects and tunes the durable session store.
type StoreConfig struct {
	Driver         string `yaml:"driver"` // sqlite, memory, postgres
	Path           string `yaml:"path"`
	URL            string `yaml:"url"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxSessions    int    `yaml:"max_sessions"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type STTConfig struct {
	Mode              string  `yaml:"mode"` // mock, exec, vosk
	Command           string  `yaml:"command"`
	ModelPath         string  `yaml:"model_path"`
	Language          string  `yaml:"language"`
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	PartialEveryMS    int     `yaml:"partial_every_ms"`
	EndpointSilenceMS int     `yaml:"endpoint_silence_ms"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	MaxUtteranceMS    int     `yaml:"max_utterance_ms"`
	MockUtteranceMS   int     `yaml:"mock_utterance_ms"`
	TimeoutMS         int     `yaml:"timeout_ms"`
}

// SessionConfig tunes the per-connection transcription protocol.
type SessionConfig struct {
	IdleTimeoutMS        int `yaml:"idle_timeout_ms"`
	CloseTimeoutMS       int `yaml:"close_timeout_ms"`
	MaxMessageBytes      int `yaml:"max_message_bytes"`
	PartialMinWords      int `yaml:"partial_min_words"`
	PartialMinIntervalMS int `yaml:"partial_min_interval_ms"`
}

func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c SessionConfig) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutMS) * time.Millisecond
}

func (c SessionConfig) PartialMinInterval() time.Duration {
	return time.Duration(c.PartialMinIntervalMS) * time.Millisecond
}

func (c StoreConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c STTConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Store: StoreConfig{
			Driver:         "sqlite",
			Path:           "./data/transcriptions.db",
			RetentionDays:  0,
			MaxSessions:    0,
			WriteTimeoutMS: 5000,
		},
		STT: STTConfig{
			Mode:              "mock",
			ModelPath:         "./models/vosk-model-small-en-us-0.15",
			Language:          "en",
			SampleRate:        16000,
			Channels:          1,
			PartialEveryMS:    800,
			EndpointSilenceMS: 600,
			SilenceThreshold:  0.01,
			MaxUtteranceMS:    15000,
			MockUtteranceMS:   1000,
			TimeoutMS:         45000,
		},
		Session: SessionConfig{
			IdleTimeoutMS:   30000,
			CloseTimeoutMS:  3000,
			MaxMessageBytes: 1 << 20,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyLegacyEnv honors the plain variable names earlier deployments used.
// SCRIBE_* variables are applied afterwards and win.
func applyLegacyEnv(cfg *Config) {
	if value, ok := os.LookupEnv("DATABASE_URL"); ok && strings.TrimSpace(value) != "" {
		applyDatabaseURL(&cfg.Store, strings.TrimSpace(value))
	}
	overrideString(&cfg.STT.ModelPath, "MODEL_PATH")
	overrideString(&cfg.HTTP.Bind, "HOST")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "CORS_ORIGINS")
}

func applyDatabaseURL(store *StoreConfig, url string) {
	switch {
	case strings.HasPrefix(url, "sqlite:///"):
		store.Driver = "sqlite"
		store.Path = strings.TrimPrefix(url, "sqlite:///")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		store.Driver = "postgres"
		store.URL = url
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "SCRIBE_HTTP_CORS_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "SCRIBE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Store.Driver, "SCRIBE_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideString(&cfg.Store.URL, "SCRIBE_STORE_URL")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "SCRIBE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Store.WriteTimeoutMS, "SCRIBE_STORE_WRITE_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "SCRIBE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SCRIBE_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "SCRIBE_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.EndpointSilenceMS, "SCRIBE_STT_ENDPOINT_SILENCE_MS")
	overrideFloat(&cfg.STT.SilenceThreshold, "SCRIBE_STT_SILENCE_THRESHOLD")
	overrideInt(&cfg.STT.MaxUtteranceMS, "SCRIBE_STT_MAX_UTTERANCE_MS")
	overrideInt(&cfg.STT.MockUtteranceMS, "SCRIBE_STT_MOCK_UTTERANCE_MS")
	overrideInt(&cfg.STT.TimeoutMS, "SCRIBE_STT_TIMEOUT_MS")
	overrideInt(&cfg.Session.IdleTimeoutMS, "SCRIBE_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.CloseTimeoutMS, "SCRIBE_SESSION_CLOSE_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxMessageBytes, "SCRIBE_SESSION_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Session.PartialMinWords, "SCRIBE_SESSION_PARTIAL_MIN_WORDS")
	overrideInt(&cfg.Session.PartialMinIntervalMS, "SCRIBE_SESSION_PARTIAL_MIN_INTERVAL_MS")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty when driver=sqlite")
		}
	case "postgres":
		if cfg.Store.URL == "" {
			return errors.New("store.url must be set when driver=postgres")
		}
	case "memory":
	default:
		return errors.New("store.driver must be one of sqlite|memory|postgres")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxSessions < 0 {
		return errors.New("store.max_sessions must be >= 0")
	}
	if cfg.Store.WriteTimeoutMS <= 0 {
		return errors.New("store.write_timeout_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "vosk":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|vosk")
	}
	if cfg.STT.Mode == "vosk" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=vosk")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels != 1 {
		return errors.New("stt.channels must be 1 (mono PCM)")
	}
	if cfg.STT.EndpointSilenceMS <= 0 {
		return errors.New("stt.endpoint_silence_ms must be positive")
	}
	if cfg.STT.MaxUtteranceMS <= cfg.STT.EndpointSilenceMS {
		return errors.New("stt.max_utterance_ms must be greater than endpoint silence")
	}
	if cfg.STT.SilenceThreshold < 0 || cfg.STT.SilenceThreshold >= 1 {
		return errors.New("stt.silence_threshold must be within [0, 1)")
	}
	if cfg.STT.MockUtteranceMS <= 0 {
		return errors.New("stt.mock_utterance_ms must be positive")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Session.IdleTimeoutMS <= 0 {
		return errors.New("session.idle_timeout_ms must be positive")
	}
	if cfg.Session.CloseTimeoutMS <= 0 {
		return errors.New("session.close_timeout_ms must be positive")
	}
	if cfg.Session.MaxMessageBytes < 2 {
		return errors.New("session.max_message_bytes must hold at least one sample")
	}
	if cfg.Session.PartialMinWords < 0 || cfg.Session.PartialMinIntervalMS < 0 {
		return errors.New("session partial throttle settings must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}
