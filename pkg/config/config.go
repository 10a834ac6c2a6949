package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	DB        DBConfig        `yaml:"db"`
	Blob      BlobConfig      `yaml:"blob"`
	Engine    EngineConfig    `yaml:"engine"`
	Admission AdmissionConfig `yaml:"admission"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Audio     AudioConfig     `yaml:"audio"`
	Segment   SegmentConfig   `yaml:"segment"`
	TTS       TTSConfig       `yaml:"tts"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server LogSettings `yaml:"server"`
	Synth  LogSettings `yaml:"synth"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// BlobConfig holds artifact storage settings.
type BlobConfig struct {
	// Backend selects the store: "file" or "s3".
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds settings for S3-compatible artifact storage.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // non-AWS stores (MinIO, R2)
}

// EngineConfig holds job engine settings.
type EngineConfig struct {
	Workers        int      `yaml:"workers"`
	MaxRetry       int      `yaml:"max_retry"`
	PollInterval   Duration `yaml:"poll_interval"`
	JobTimeout     Duration `yaml:"job_timeout"`
	ReaperInterval Duration `yaml:"reaper_interval"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RatePerBackend float64  `yaml:"rate_per_backend"` // requests per second, 0 disables
}

// AdmissionConfig holds concurrency limiter settings.
type AdmissionConfig struct {
	MaxGlobal      int      `yaml:"max_global"`
	MaxPerBackend  int      `yaml:"max_per_backend"`
	MaxQueueDepth  int      `yaml:"max_queue_depth"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	HalfOpenProbes   int      `yaml:"half_open_probes"`
}

// AudioConfig holds merge and export settings.
type AudioConfig struct {
	SampleRate int     `yaml:"sample_rate"`
	GapMs      int     `yaml:"gap_ms"`
	FadeMs     int     `yaml:"fade_ms"`
	TargetPeak float64 `yaml:"target_peak"`
}

// SegmentConfig holds long-form segmentation settings.
type SegmentConfig struct {
	MaxChars int `yaml:"max_chars"`
}

// TTSConfig holds the backend credentials and endpoints.
type TTSConfig struct {
	AzureSpeech AzureSpeechConfig `yaml:"azure_speech"`
	Gemini      GeminiConfig      `yaml:"gemini"`
	EdgeTTS     EdgeTTSConfig     `yaml:"edge_tts"`
	FishAudio   FishAudioConfig   `yaml:"fish_audio"`
}

// AzureSpeechConfig holds settings for Azure Speech TTS.
type AzureSpeechConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Region  string `yaml:"region"` // e.g., "eastus"
}

// GeminiConfig holds settings for Gemini speech generation.
type GeminiConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Model   string `yaml:"model"` // e.g. "gemini-2.5-flash-preview-tts"
}

// EdgeTTSConfig holds settings for Edge TTS.
type EdgeTTSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BaseURL            string `yaml:"base_url"`
	Origin             string `yaml:"origin"`
	UserAgent          string `yaml:"user_agent"`
	TrustedClientToken string `yaml:"trusted_client_token"`
	SecMSGecVersion    string `yaml:"sec_ms_gec_version"`
}

// FishAudioConfig holds settings for Fish Audio TTS.
type FishAudioConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Model   string `yaml:"model"`    // Model ID (e.g. "s1")
	BaseURL string `yaml:"base_url"` // override for testing
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "localhost:1930",
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Synth: LogSettings{
				Path:  "./logs/synth.log",
				Level: "INFO",
			},
		},
		DB: DBConfig{
			Path: "./data/polyvox.db",
		},
		Blob: BlobConfig{
			Backend: "file",
			Dir:     "./data/artifacts",
		},
		Engine: EngineConfig{
			Workers:        4,
			MaxRetry:       3,
			PollInterval:   Duration(500 * time.Millisecond),
			JobTimeout:     Duration(10 * time.Minute),
			ReaperInterval: Duration(1 * time.Minute),
			RetryBaseDelay: Duration(2 * time.Second),
			RatePerBackend: 2.0,
		},
		Admission: AdmissionConfig{
			MaxGlobal:      8,
			MaxPerBackend:  2,
			MaxQueueDepth:  16,
			AcquireTimeout: Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(60 * time.Second),
			HalfOpenProbes:   1,
		},
		Audio: AudioConfig{
			SampleRate: 44100,
			GapMs:      300,
			FadeMs:     12,
			TargetPeak: 0.9,
		},
		Segment: SegmentConfig{
			MaxChars: 2000,
		},
		TTS: TTSConfig{
			AzureSpeech: AzureSpeechConfig{
				Enabled: true,
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.5-flash-preview-tts",
			},
			EdgeTTS: EdgeTTSConfig{},
			FishAudio: FishAudioConfig{
				Model: "s1",
			},
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// If the file exists, it merges defaults with existing values but does NOT save back to disk (to preserve user formatting and comments).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Read existing file if it exists
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		applyEnvFallbacks(cfg)
		return cfg, nil
	}

	// If file does not exist, save defaults
	if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	applyEnvFallbacks(cfg)
	return cfg, nil
}

// applyEnvFallbacks fills empty credentials from the environment, so keys
// never have to live in the config file.
func applyEnvFallbacks(cfg *Config) {
	if cfg.TTS.AzureSpeech.Key == "" {
		cfg.TTS.AzureSpeech.Key = os.Getenv("AZURE_SPEECH_KEY")
	}
	if cfg.TTS.AzureSpeech.Region == "" {
		cfg.TTS.AzureSpeech.Region = os.Getenv("AZURE_SPEECH_REGION")
	}
	if cfg.TTS.Gemini.Key == "" {
		cfg.TTS.Gemini.Key = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.TTS.FishAudio.Key == "" {
		cfg.TTS.FishAudio.Key = os.Getenv("FISH_AUDIO_API_KEY")
	}
	if cfg.TTS.EdgeTTS.BaseURL == "" {
		cfg.TTS.EdgeTTS.BaseURL = os.Getenv("EDGE_TTS_BASE_URL")
	}
	if cfg.TTS.EdgeTTS.Origin == "" {
		cfg.TTS.EdgeTTS.Origin = os.Getenv("EDGE_TTS_ORIGIN")
	}
	if cfg.TTS.EdgeTTS.UserAgent == "" {
		cfg.TTS.EdgeTTS.UserAgent = os.Getenv("EDGE_TTS_USER_AGENT")
	}
	if cfg.TTS.EdgeTTS.TrustedClientToken == "" {
		cfg.TTS.EdgeTTS.TrustedClientToken = os.Getenv("EDGE_TTS_TRUSTED_CLIENT_TOKEN")
	}
	if cfg.TTS.EdgeTTS.SecMSGecVersion == "" {
		cfg.TTS.EdgeTTS.SecMSGecVersion = os.Getenv("EDGE_TTS_SEC_MS_GEC_VERSION")
	}
	if cfg.Blob.S3.Bucket == "" {
		cfg.Blob.S3.Bucket = os.Getenv("POLYVOX_S3_BUCKET")
	}
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Polyvox Configuration
# ---------------------
# Supported Duration units: ns, us, ms, s, m, h, d (day), w (week)

`)
	data = append(header, data...)

	// Inject comments for Enum fields
	reBackend := regexp.MustCompile(`(?m)^(\s+)backend:`)
	data = reBackend.ReplaceAll(data, []byte("${1}# Options: file, s3\n${1}backend:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	// Check if file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, do nothing
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write default config
	return Save(path, DefaultConfig())
}
