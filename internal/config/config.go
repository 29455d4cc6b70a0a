package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/synth"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// Tracing selects the span exporter when no OTLP endpoint is set:
	// "stdout" or "none".
	Tracing string `yaml:"tracing"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Host        HostConfig       `yaml:"host"`
	Service     ServiceConfig    `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	// Host is the embedded server's listen address.
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig locates the pipeline data and diagnostic dumps.
type EngineConfig struct {
	DataDir        string `yaml:"data_dir"`
	LogDir         string `yaml:"log_dir"`
	UserDictionary string `yaml:"user_dictionary"`
	DumpEnabled    bool   `yaml:"dump_enabled"`
}

// HostConfig selects the module the host loads. Without a manifest the
// engine is linked in-process over engine.data_dir.
type HostConfig struct {
	Manifest       string `yaml:"manifest"`
	DefaultVoice   string `yaml:"default_voice"`
	JournalPath    string `yaml:"journal_path"`
	SpeakTimeoutMS int    `yaml:"speak_timeout_ms"`
}

type ServiceConfig struct {
	Enabled      bool    `yaml:"enabled"`
	WebSocket    bool    `yaml:"websocket"`
	MaxTextBytes int     `yaml:"max_text_bytes"`
	RateLimit    float64 `yaml:"rate_limit_per_sec"`
	RateBurst    int     `yaml:"rate_burst"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Tracing:      "none",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-tts-1",
			Role:              "tts",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxRequests:   10000,
		},
		Engine: EngineConfig{
			DataDir: "./data/tihu",
			LogDir:  "./data/log",
		},
		Host: HostConfig{
			DefaultVoice:   synth.VoiceDiphoneMale.String(),
			JournalPath:    "./data/log/host.journal",
			SpeakTimeoutMS: 30000,
		},
		Service: ServiceConfig{
			Enabled:      true,
			WebSocket:    true,
			MaxTextBytes: 16 * 1024,
			RateLimit:    2,
			RateBurst:    4,
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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.Tracing, "LOQA_TTS_TELEMETRY_TRACING")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_TTS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_TTS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_TTS_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_TTS_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_TTS_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_TTS_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "LOQA_TTS_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.DataDir, "LOQA_TTS_ENGINE_DATA_DIR")
	overrideString(&cfg.Engine.LogDir, "LOQA_TTS_ENGINE_LOG_DIR")
	overrideString(&cfg.Engine.UserDictionary, "LOQA_TTS_ENGINE_USER_DICTIONARY")
	overrideBool(&cfg.Engine.DumpEnabled, "LOQA_TTS_ENGINE_DUMP_ENABLED")
	overrideString(&cfg.Host.Manifest, "LOQA_TTS_HOST_MANIFEST")
	overrideString(&cfg.Host.DefaultVoice, "LOQA_TTS_HOST_DEFAULT_VOICE")
	overrideString(&cfg.Host.JournalPath, "LOQA_TTS_HOST_JOURNAL_PATH")
	overrideInt(&cfg.Host.SpeakTimeoutMS, "LOQA_TTS_HOST_SPEAK_TIMEOUT_MS")
	overrideBool(&cfg.Service.Enabled, "LOQA_TTS_SERVICE_ENABLED")
	overrideBool(&cfg.Service.WebSocket, "LOQA_TTS_SERVICE_WEBSOCKET")
	overrideInt(&cfg.Service.MaxTextBytes, "LOQA_TTS_SERVICE_MAX_TEXT_BYTES")
	overrideFloat(&cfg.Service.RateLimit, "LOQA_TTS_SERVICE_RATE_LIMIT_PER_SEC")
	overrideInt(&cfg.Service.RateBurst, "LOQA_TTS_SERVICE_RATE_BURST")
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
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
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
	switch cfg.Telemetry.Tracing {
	case "stdout", "none":
	default:
		return errors.New("telemetry.tracing must be one of stdout|none")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Host.Manifest == "" && cfg.Engine.DataDir == "" {
		return errors.New("engine.data_dir must be set when no host.manifest is given")
	}
	if cfg.Engine.DumpEnabled && cfg.Engine.LogDir == "" {
		return errors.New("engine.log_dir must be set when dumps are enabled")
	}
	if _, err := synth.ParseVoice(cfg.Host.DefaultVoice); err != nil {
		return fmt.Errorf("host.default_voice: %w", err)
	}
	if cfg.Host.SpeakTimeoutMS <= 0 {
		return errors.New("host.speak_timeout_ms must be positive")
	}
	if cfg.Service.Enabled {
		if cfg.Service.MaxTextBytes <= 0 {
			return errors.New("service.max_text_bytes must be positive")
		}
		if cfg.Service.RateLimit < 0 || cfg.Service.RateBurst < 0 {
			return errors.New("service rate limits must be >= 0")
		}
	}
	return nil
}
