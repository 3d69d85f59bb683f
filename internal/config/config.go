package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/stt"
	"github.com/loqalabs/loqa-wake/internal/wakeword"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // auto, json, text
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Voice       VoiceConfig      `yaml:"voice"`
	STT         STTConfig        `yaml:"stt"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
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
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type VoiceConfig struct {
	Enabled         bool           `yaml:"enabled"`
	WakeWord        string         `yaml:"wake_word"`
	FallbackKeyword string         `yaml:"fallback_keyword"`
	Sensitivity     float64        `yaml:"sensitivity"`
	SampleRate      int            `yaml:"sample_rate"`
	FrameLength     int            `yaml:"frame_length"`
	Device          string         `yaml:"device"`
	Capture         CaptureConfig  `yaml:"capture"`
	Detector        DetectorConfig `yaml:"detector"`
	ReadTimeoutMS   int            `yaml:"read_timeout_ms"`
	StopGraceMS     int            `yaml:"stop_grace_ms"`
	QueueSize       int            `yaml:"queue_size"`
	Restart         RestartConfig  `yaml:"restart"`
}

type CaptureConfig struct {
	Backend      string `yaml:"backend"` // exec, file, portaudio
	Command      string `yaml:"command"`
	File         string `yaml:"file"`
	Realtime     bool   `yaml:"realtime"`
	BufferFrames int    `yaml:"buffer_frames"`
}

type DetectorConfig struct {
	Backend          string `yaml:"backend"` // energy, wasm, exec
	ModelDir         string `yaml:"model_dir"`
	Command          string `yaml:"command"`
	HoldFrames       int    `yaml:"hold_frames"`
	RefractoryFrames int    `yaml:"refractory_frames"`
}

type RestartConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
}

type STTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Mode        string `yaml:"mode"` // mock, exec, whisper
	Command     string `yaml:"command"`
	ModelPath   string `yaml:"model_path"`
	ModelSize   string `yaml:"model_size"`
	Threads     int    `yaml:"threads"`
	Language    string `yaml:"language"`
	Device      string `yaml:"device"`
	RecordMS    int    `yaml:"record_ms"`
	ChainOnWake bool   `yaml:"chain_on_wake"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-wake",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "auto",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-node-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-wake.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Voice: VoiceConfig{
			Enabled:         true,
			WakeWord:        wakeword.DefaultKeyword,
			FallbackKeyword: wakeword.DefaultKeyword,
			Sensitivity:     0.5,
			SampleRate:      16000,
			FrameLength:     512,
			Capture: CaptureConfig{
				Backend:      string(audio.BackendExec),
				Command:      audio.DefaultRecordCommand,
				BufferFrames: 32,
			},
			Detector: DetectorConfig{
				Backend:    string(wakeword.BackendEnergy),
				ModelDir:   "./models",
				HoldFrames: 3,
			},
			ReadTimeoutMS: 50,
			StopGraceMS:   2000,
			QueueSize:     8,
			Restart: RestartConfig{
				MaxAttempts:       5,
				InitialIntervalMS: 500,
				MaxIntervalMS:     30000,
			},
		},
		STT: STTConfig{
			Enabled:     false,
			Mode:        string(stt.BackendMock),
			ModelSize:   stt.DefaultModelSize,
			Language:    stt.DefaultLanguage,
			RecordMS:    5000,
			ChainOnWake: true,
			TimeoutMS:   45000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Voice.Enabled, "LOQA_VOICE_ENABLED")
	overrideString(&cfg.Voice.WakeWord, "LOQA_VOICE_WAKE_WORD")
	overrideString(&cfg.Voice.FallbackKeyword, "LOQA_VOICE_FALLBACK_KEYWORD")
	overrideFloat(&cfg.Voice.Sensitivity, "LOQA_VOICE_SENSITIVITY")
	overrideInt(&cfg.Voice.SampleRate, "LOQA_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.Voice.FrameLength, "LOQA_VOICE_FRAME_LENGTH")
	overrideString(&cfg.Voice.Device, "LOQA_VOICE_DEVICE")
	overrideString(&cfg.Voice.Capture.Backend, "LOQA_VOICE_CAPTURE_BACKEND")
	overrideString(&cfg.Voice.Capture.Command, "LOQA_VOICE_CAPTURE_COMMAND")
	overrideString(&cfg.Voice.Capture.File, "LOQA_VOICE_CAPTURE_FILE")
	overrideBool(&cfg.Voice.Capture.Realtime, "LOQA_VOICE_CAPTURE_REALTIME")
	overrideInt(&cfg.Voice.Capture.BufferFrames, "LOQA_VOICE_CAPTURE_BUFFER_FRAMES")
	overrideString(&cfg.Voice.Detector.Backend, "LOQA_VOICE_DETECTOR_BACKEND")
	overrideString(&cfg.Voice.Detector.ModelDir, "LOQA_VOICE_DETECTOR_MODEL_DIR")
	overrideString(&cfg.Voice.Detector.Command, "LOQA_VOICE_DETECTOR_COMMAND")
	overrideInt(&cfg.Voice.Detector.HoldFrames, "LOQA_VOICE_DETECTOR_HOLD_FRAMES")
	overrideInt(&cfg.Voice.Detector.RefractoryFrames, "LOQA_VOICE_DETECTOR_REFRACTORY_FRAMES")
	overrideInt(&cfg.Voice.ReadTimeoutMS, "LOQA_VOICE_READ_TIMEOUT_MS")
	overrideInt(&cfg.Voice.StopGraceMS, "LOQA_VOICE_STOP_GRACE_MS")
	overrideInt(&cfg.Voice.QueueSize, "LOQA_VOICE_QUEUE_SIZE")
	overrideInt(&cfg.Voice.Restart.MaxAttempts, "LOQA_VOICE_RESTART_MAX_ATTEMPTS")
	overrideInt(&cfg.Voice.Restart.InitialIntervalMS, "LOQA_VOICE_RESTART_INITIAL_INTERVAL_MS")
	overrideInt(&cfg.Voice.Restart.MaxIntervalMS, "LOQA_VOICE_RESTART_MAX_INTERVAL_MS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.ModelSize, "LOQA_STT_MODEL_SIZE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Device, "LOQA_STT_DEVICE")
	overrideInt(&cfg.STT.RecordMS, "LOQA_STT_RECORD_MS")
	overrideBool(&cfg.STT.ChainOnWake, "LOQA_STT_CHAIN_ON_WAKE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
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
	case "auto", "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of auto|json|text")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Voice.Enabled {
		if err := validateVoice(cfg.Voice); err != nil {
			return err
		}
	}
	if cfg.STT.Enabled {
		if err := validateSTT(cfg.STT); err != nil {
			return err
		}
	}
	return nil
}

func validateVoice(v VoiceConfig) error {
	if strings.TrimSpace(v.WakeWord) == "" {
		return errors.New("voice.wake_word must not be empty")
	}
	if v.Sensitivity < 0 || v.Sensitivity > 1 {
		return errors.New("voice.sensitivity must be between 0 and 1")
	}
	if v.SampleRate <= 0 {
		return errors.New("voice.sample_rate must be positive")
	}
	if v.FrameLength <= 0 {
		return errors.New("voice.frame_length must be positive")
	}
	captureBackend, err := audio.ParseBackend(v.Capture.Backend)
	if err != nil {
		return fmt.Errorf("voice.capture.backend: %w", err)
	}
	switch captureBackend {
	case audio.BackendExec:
		if strings.TrimSpace(v.Capture.Command) == "" {
			return errors.New("voice.capture.command must be set when backend=exec")
		}
	case audio.BackendFile:
		if strings.TrimSpace(v.Capture.File) == "" {
			return errors.New("voice.capture.file must be set when backend=file")
		}
	}
	detectorBackend, err := wakeword.ParseBackend(v.Detector.Backend)
	if err != nil {
		return fmt.Errorf("voice.detector.backend: %w", err)
	}
	switch detectorBackend {
	case wakeword.BackendWasm:
		if strings.TrimSpace(v.Detector.ModelDir) == "" {
			return errors.New("voice.detector.model_dir must be set when backend=wasm")
		}
	case wakeword.BackendExec:
		if strings.TrimSpace(v.Detector.Command) == "" {
			return errors.New("voice.detector.command must be set when backend=exec")
		}
	}
	if v.ReadTimeoutMS <= 0 {
		return errors.New("voice.read_timeout_ms must be positive")
	}
	if v.StopGraceMS <= 0 {
		return errors.New("voice.stop_grace_ms must be positive")
	}
	if v.QueueSize <= 0 {
		return errors.New("voice.queue_size must be >= 1")
	}
	if v.Restart.MaxAttempts < 0 {
		return errors.New("voice.restart.max_attempts must be >= 0")
	}
	if v.Restart.InitialIntervalMS <= 0 || v.Restart.MaxIntervalMS < v.Restart.InitialIntervalMS {
		return errors.New("voice.restart intervals must be positive and max_interval_ms >= initial_interval_ms")
	}
	return nil
}

func validateSTT(s STTConfig) error {
	backend, err := stt.ParseBackend(s.Mode)
	if err != nil {
		return fmt.Errorf("stt.mode: %w", err)
	}
	if backend == stt.BackendExec && s.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if s.RecordMS <= 0 {
		return errors.New("stt.record_ms must be positive")
	}
	if s.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	return nil
}
