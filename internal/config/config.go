package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Render     RenderConfig     `mapstructure:"render"`
	Kodisc     KodiscConfig     `mapstructure:"kodisc"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Assembly   AssemblyConfig   `mapstructure:"assembly"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port          int        `mapstructure:"port"`
	Mode          string     `mapstructure:"mode"`
	MaxUploadSize int64      `mapstructure:"max_upload_size"`
	CORS          CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// ArtifactsConfig selects where stage outputs are persisted.
// Backend is "fs" (local directory) or "s3" (the object storage below).
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend"`
	Root    string `mapstructure:"root"`
	Prefix  string `mapstructure:"prefix"`
}

// StorageConfig is the S3-compatible object storage used for published media
// and, optionally, for artifacts.
type StorageConfig struct {
	Type         string `mapstructure:"type"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	PublicURL    string `mapstructure:"public_url"`
	MediaPrefix  string `mapstructure:"media_prefix"`
	EnsureBucket bool   `mapstructure:"ensure_bucket"`
}

// Enabled reports whether object storage credentials are configured.
func (c StorageConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

// LLMConfig configures the planning and code generation model.
// Provider is "anthropic" or "openai" (any OpenAI-compatible endpoint).
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	PlanModel      string        `mapstructure:"plan_model"`
	CodeModel      string        `mapstructure:"code_model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PlanInputChars int           `mapstructure:"plan_input_chars"`
}

type ExtractionConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RenderConfig configures the rendering collaborator.
// Mode "local" renders generated code through the render API with the repair
// loop; mode "hosted" uses generate-and-render with fallback tiers.
type RenderConfig struct {
	Mode            string        `mapstructure:"mode"`
	APIURL          string        `mapstructure:"api_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Delay           time.Duration `mapstructure:"delay"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type KodiscConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	AspectRatio string        `mapstructure:"aspect_ratio"`
	FPS         int           `mapstructure:"fps"`
}

type TTSConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	VoiceID string        `mapstructure:"voice_id"`
	ModelID string        `mapstructure:"model_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AssemblyConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Env          string        `mapstructure:"env"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
}

// PipelineConfig holds repair-loop and validation settings.
type PipelineConfig struct {
	MaxRepairAttempts int           `mapstructure:"max_repair_attempts"`
	RuntimeCheck      bool          `mapstructure:"runtime_check"`
	PythonPath        string        `mapstructure:"python_path"`
	RuntimeTimeout    time.Duration `mapstructure:"runtime_timeout"`
}

type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("llm.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("llm.base_url", "LLM_BASE_URL")
	v.BindEnv("extraction.api_key", "MISTRAL_API_KEY")
	v.BindEnv("render.api_url", "GENERATIVE_MANIM_API_URL")
	v.BindEnv("kodisc.api_key", "KODISC_API_KEY")
	v.BindEnv("tts.api_key", "ELEVENLABS_API_KEY")
	v.BindEnv("assembly.api_key", "SHOTSTACK_API_KEY")
	v.BindEnv("assembly.env", "SHOTSTACK_ENV")
	v.BindEnv("storage.endpoint", "R2_ENDPOINT")
	v.BindEnv("storage.access_key", "R2_ACCESS_KEY_ID")
	v.BindEnv("storage.secret_key", "R2_SECRET_ACCESS_KEY")
	v.BindEnv("storage.bucket", "R2_BUCKET_NAME")
	v.BindEnv("storage.public_url", "R2_PUBLIC_URL")
	v.BindEnv("database.password", "DATABASE_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.max_upload_size", 50<<20)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("artifacts.backend", "fs")
	v.SetDefault("artifacts.root", "./outputs")
	v.SetDefault("artifacts.prefix", "jobs")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.media_prefix", "media")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/papercast.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.plan_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.code_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.plan_input_chars", 15000)
	v.SetDefault("extraction.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("extraction.model", "pixtral-12b-2409")
	v.SetDefault("extraction.max_tokens", 16000)
	v.SetDefault("extraction.timeout", 180*time.Second)
	v.SetDefault("render.mode", "local")
	v.SetDefault("render.api_url", "http://127.0.0.1:8080")
	v.SetDefault("render.timeout", 300*time.Second)
	v.SetDefault("render.delay", time.Second)
	v.SetDefault("render.max_attempts", 2)
	v.SetDefault("render.breaker_failures", 3)
	v.SetDefault("render.breaker_cooldown", 30*time.Second)
	v.SetDefault("kodisc.base_url", "https://api.kodisc.com")
	v.SetDefault("kodisc.timeout", 180*time.Second)
	v.SetDefault("kodisc.aspect_ratio", "16:9")
	v.SetDefault("kodisc.fps", 30)
	v.SetDefault("tts.base_url", "https://api.elevenlabs.io/v1")
	v.SetDefault("tts.voice_id", "pqHfZKP75CvOlQylNhV4")
	v.SetDefault("tts.model_id", "eleven_turbo_v2_5")
	v.SetDefault("tts.timeout", 120*time.Second)
	v.SetDefault("assembly.env", "stage")
	v.SetDefault("assembly.poll_interval", 5*time.Second)
	v.SetDefault("assembly.max_polls", 120)
	v.SetDefault("pipeline.max_repair_attempts", 2)
	v.SetDefault("pipeline.runtime_check", false)
	v.SetDefault("pipeline.python_path", "python3")
	v.SetDefault("pipeline.runtime_timeout", 30*time.Second)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate checks settings whose combination cannot work.
// Missing API keys are not errors: the matching collaborator reports itself
// unconfigured when used.
func (c *Config) Validate() error {
	switch c.Artifacts.Backend {
	case "fs":
		if c.Artifacts.Root == "" {
			return fmt.Errorf("artifacts: root is required for the fs backend")
		}
	case "s3":
		if !c.Storage.Enabled() {
			return fmt.Errorf("artifacts: the s3 backend requires storage.endpoint and storage.bucket")
		}
	default:
		return fmt.Errorf("artifacts: unknown backend %q", c.Artifacts.Backend)
	}
	switch c.Render.Mode {
	case "local", "hosted":
	default:
		return fmt.Errorf("render: unknown mode %q", c.Render.Mode)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm: unknown provider %q", c.LLM.Provider)
	}
	if c.Pipeline.MaxRepairAttempts < 0 || c.Render.MaxAttempts < 0 {
		return fmt.Errorf("pipeline: attempt counts must not be negative")
	}
	return nil
}
