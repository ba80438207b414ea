package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/mediajobs/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Queue         QueueConfig         `yaml:"queue"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Export        ExportConfig        `yaml:"export"`
	Objects       ObjectsConfig       `yaml:"objects"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	DatabasePath  string        `yaml:"databasePath"`  // optional, overrides default storageDir/mediajobs.db
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFormat     string        `yaml:"logFormat"`     // auto|text|json
}

// QueueConfig controls the task scheduler.
type QueueConfig struct {
	Workers            int           `yaml:"workers"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	BackoffBase        time.Duration `yaml:"backoffBase"`
	BackoffMax         time.Duration `yaml:"backoffMax"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	StallTimeout       time.Duration `yaml:"stallTimeout"`
	AttemptTimeout     time.Duration `yaml:"attemptTimeout"`
	PurgeInterval      time.Duration `yaml:"purgeInterval"`
	CompletedRetention time.Duration `yaml:"completedRetention"`
	FailedRetention    time.Duration `yaml:"failedRetention"`
}

// TranscriptionConfig configures the transcription worker and its engine.
type TranscriptionConfig struct {
	Engine             string         `yaml:"engine"` // "openai" or "mock"
	FetchTimeout       time.Duration  `yaml:"fetchTimeout"`
	EngineTimeout      time.Duration  `yaml:"engineTimeout"`
	SizeCeiling        ByteSize       `yaml:"sizeCeiling"`
	DesiredCap         ByteSize       `yaml:"desiredCap"`
	// AssumedMaxDuration stands in for the media duration when computing the
	// compression bitrate; the real duration is never measured.
	AssumedMaxDuration time.Duration  `yaml:"assumedMaxDuration"`
	FFmpegPath         string         `yaml:"ffmpegPath"`
	OpenAI             OpenAISettings `yaml:"openai"`
	Mock               MockSettings   `yaml:"mock"`
}

// OpenAISettings config for an OpenAI-compatible transcription endpoint.
type OpenAISettings struct {
	BaseURL        string        `yaml:"baseUrl"` // e.g. https://api.openai.com
	APIKey         string        `yaml:"apiKey"`  // supports env expansion
	Model          string        `yaml:"model"`   // e.g. whisper-1
	RetryAttempts  int           `yaml:"retryAttempts"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
}

// MockSettings config for the mock engine.
type MockSettings struct {
	Delay time.Duration `yaml:"delay"`
	Text  string        `yaml:"text"`
}

// ExportConfig configures the caption burn-in worker.
type ExportConfig struct {
	FFmpegPath string        `yaml:"ffmpegPath"`
	Timeout    time.Duration `yaml:"timeout"`
	FontScale  float64       `yaml:"fontScale"`
	DefaultTTL time.Duration `yaml:"defaultTtl"`
	MaxTTL     time.Duration `yaml:"maxTtl"`
}

// ObjectsConfig configures the local object store and signed downloads.
type ObjectsConfig struct {
	Dir           string `yaml:"dir"`
	SigningSecret string `yaml:"signingSecret"`
	PublicBaseURL string `yaml:"publicBaseUrl"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			if val < 0 {
				return 0, fmt.Errorf("negative size in %q", orig)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var MEDIAJOBS_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("MEDIAJOBS_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults, validates, and prepares directories.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storageDir: %w", err)
	}
	if err := os.MkdirAll(cfg.Objects.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure objects dir: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, rooted at storageDir.
func Default(storageDir string) *Config {
	cfg := &Config{Server: ServerConfig{StorageDir: storageDir}}
	applyDefaults(cfg)
	return cfg
}

// ScratchDir is where workers create attempt-scoped temp directories.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Server.StorageDir, common.ScratchDirName)
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(5 * 1024 * 1024)
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, common.DatabaseName)
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogFormat) == "" {
		cfg.Server.LogFormat = "auto"
	}

	// Queue defaults
	q := &cfg.Queue
	if q.Workers <= 0 {
		q.Workers = common.DefaultWorkerCount
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = common.DefaultMaxAttempts
	}
	if q.BackoffBase == 0 {
		q.BackoffBase = 5 * time.Second
	}
	if q.BackoffMax == 0 {
		q.BackoffMax = 5 * time.Minute
	}
	if q.PollInterval == 0 {
		q.PollInterval = time.Second
	}
	if q.HeartbeatInterval == 0 {
		q.HeartbeatInterval = 15 * time.Second
	}
	if q.StallTimeout == 0 {
		q.StallTimeout = 2 * time.Minute
	}
	if q.AttemptTimeout == 0 {
		q.AttemptTimeout = 45 * time.Minute
	}
	if q.PurgeInterval == 0 {
		q.PurgeInterval = 10 * time.Minute
	}
	if q.CompletedRetention == 0 {
		q.CompletedRetention = time.Hour
	}
	if q.FailedRetention == 0 {
		q.FailedRetention = 24 * time.Hour
	}

	// Transcription defaults
	tr := &cfg.Transcription
	if tr.Engine == "" {
		tr.Engine = "mock"
	}
	if tr.FetchTimeout == 0 {
		tr.FetchTimeout = 5 * time.Minute
	}
	if tr.EngineTimeout == 0 {
		tr.EngineTimeout = 10 * time.Minute
	}
	if tr.SizeCeiling == 0 {
		tr.SizeCeiling = ByteSize(25 * 1024 * 1024)
	}
	if tr.DesiredCap == 0 {
		tr.DesiredCap = ByteSize(24 * 1024 * 1024)
	}
	if tr.AssumedMaxDuration == 0 {
		tr.AssumedMaxDuration = 10 * time.Minute
	}
	if tr.FFmpegPath == "" {
		tr.FFmpegPath = common.FFmpegExecutable
	}
	if strings.EqualFold(tr.Engine, "openai") {
		if strings.TrimSpace(tr.OpenAI.BaseURL) == "" {
			tr.OpenAI.BaseURL = "https://api.openai.com"
		}
		if strings.TrimSpace(tr.OpenAI.Model) == "" {
			tr.OpenAI.Model = "whisper-1"
		}
	}
	if tr.OpenAI.RetryAttempts <= 0 {
		tr.OpenAI.RetryAttempts = 5
	}
	if tr.OpenAI.RetryBaseDelay == 0 {
		tr.OpenAI.RetryBaseDelay = time.Second
	}
	if tr.OpenAI.RetryMaxDelay == 0 {
		tr.OpenAI.RetryMaxDelay = 30 * time.Second
	}
	if tr.Mock.Text == "" {
		tr.Mock.Text = "Transcribed by Mock"
	}

	// Export defaults
	ex := &cfg.Export
	if ex.FFmpegPath == "" {
		ex.FFmpegPath = common.FFmpegExecutable
	}
	if ex.Timeout == 0 {
		ex.Timeout = 30 * time.Minute
	}
	if ex.FontScale == 0 {
		ex.FontScale = 0.8
	}
	if ex.DefaultTTL == 0 {
		ex.DefaultTTL = 24 * time.Hour
	}
	if ex.MaxTTL == 0 {
		ex.MaxTTL = 7 * 24 * time.Hour
	}

	// Object store defaults
	if cfg.Objects.Dir == "" {
		cfg.Objects.Dir = filepath.Join(cfg.Server.StorageDir, common.ObjectsDirName)
	}
	if cfg.Objects.PublicBaseURL == "" {
		cfg.Objects.PublicBaseURL = "http://localhost" + cfg.Server.Addr
	}
	cfg.Objects.PublicBaseURL = strings.TrimRight(cfg.Objects.PublicBaseURL, "/")
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Server.LogFormat) {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("server.logFormat %q not supported", cfg.Server.LogFormat)
	}
	if cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		return fmt.Errorf("queue.backoffMax must be >= queue.backoffBase")
	}
	if cfg.Queue.HeartbeatInterval >= cfg.Queue.StallTimeout {
		return fmt.Errorf("queue.heartbeatInterval must be shorter than queue.stallTimeout")
	}
	if cfg.Queue.FailedRetention < cfg.Queue.CompletedRetention {
		return fmt.Errorf("queue.failedRetention must be >= queue.completedRetention")
	}

	tr := cfg.Transcription
	switch strings.ToLower(tr.Engine) {
	case "mock":
	case "openai":
		if strings.TrimSpace(tr.OpenAI.APIKey) == "" {
			return fmt.Errorf("transcription.openai.apiKey is required")
		}
	default:
		return fmt.Errorf("transcription.engine %q not supported", tr.Engine)
	}
	if tr.DesiredCap > tr.SizeCeiling {
		return fmt.Errorf("transcription.desiredCap must not exceed transcription.sizeCeiling")
	}
	if tr.AssumedMaxDuration < time.Second {
		return fmt.Errorf("transcription.assumedMaxDuration must be at least 1s")
	}

	if cfg.Export.FontScale <= 0 {
		return fmt.Errorf("export.fontScale must be positive")
	}
	if cfg.Export.DefaultTTL > cfg.Export.MaxTTL {
		return fmt.Errorf("export.defaultTtl must not exceed export.maxTtl")
	}
	if strings.TrimSpace(cfg.Objects.SigningSecret) == "" {
		return errors.New("objects.signingSecret is required")
	}
	return nil
}
