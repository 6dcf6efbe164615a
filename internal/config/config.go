package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

const (
	envPrefix = "EPUB_TRANSLATOR"

	CheckpointFile   = "file"
	CheckpointSQLite = "sqlite"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server" json:"server"`
	OpenAI      OpenAIConfig      `mapstructure:"openai" json:"openai"`
	Translation TranslationConfig `mapstructure:"translation" json:"translation"`
	Job         JobConfig         `mapstructure:"job" json:"job"`
	App         AppConfig         `mapstructure:"app" json:"app"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
}

type OpenAIConfig struct {
	APIKey         string        `mapstructure:"api_key" json:"api_key"`
	BaseURL        string        `mapstructure:"base_url" json:"base_url"`
	Model          string        `mapstructure:"model" json:"model"`
	MaxTokens      int           `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature    float32       `mapstructure:"temperature" json:"temperature"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
}

type TranslationConfig struct {
	// SourceLanguage may be "auto" to detect it from the book.
	SourceLanguage string        `mapstructure:"source_language" json:"source_language"`
	TargetLanguage string        `mapstructure:"target_language" json:"target_language"`
	MaxRetries     int           `mapstructure:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	Pacing         time.Duration `mapstructure:"pacing" json:"pacing"`
	// OutputSuffix overrides the suffix derived from the target language.
	OutputSuffix string `mapstructure:"output_suffix" json:"output_suffix"`
}

type JobConfig struct {
	Workers            int           `mapstructure:"workers" json:"workers"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" json:"checkpoint_interval"`
	CheckpointBackend  string        `mapstructure:"checkpoint_backend" json:"checkpoint_backend"`
	// CheckpointDir and GlossaryDir default to the input file's directory.
	CheckpointDir string `mapstructure:"checkpoint_dir" json:"checkpoint_dir"`
	GlossaryDir   string `mapstructure:"glossary_dir" json:"glossary_dir"`
}

type AppConfig struct {
	TempDir   string `mapstructure:"temp_dir" json:"temp_dir"`
	OutputDir string `mapstructure:"output_dir" json:"output_dir"`
}

// defaults are registered as strings where viper decodes them, so written
// and printed configs stay readable.
var defaults = map[string]any{
	"server.port":          8080,
	"server.read_timeout":  "30s",
	"server.write_timeout": "30s",

	"openai.api_key":         "",
	"openai.base_url":        "",
	"openai.model":           "gpt-4o",
	"openai.max_tokens":      1024,
	"openai.temperature":     0.0,
	"openai.request_timeout": "30s",

	"translation.source_language": "auto",
	"translation.target_language": "zh-CN",
	"translation.max_retries":     3,
	"translation.retry_delay":     "2s",
	"translation.pacing":          "500ms",
	"translation.output_suffix":   "",

	"job.workers":             5,
	"job.checkpoint_interval": "5s",
	"job.checkpoint_backend":  CheckpointFile,
	"job.checkpoint_dir":      "",
	"job.glossary_dir":        "",

	"app.temp_dir":   "tmp",
	"app.output_dir": "output",
}

// envAliases are the backend variables read besides EPUB_TRANSLATOR_*.
var envAliases = map[string][]string{
	"openai.api_key":  {"OPENAI_API_KEY", "API_KEY"},
	"openai.base_url": {"OPENAI_BASE_URL", "BASE_URL"},
	"openai.model":    {"OPENAI_MODEL", "MODEL_NAME"},
}

// Loader resolves configuration with the following priority:
// 1. Command line flags bound with BindFlag
// 2. Environment variables (a .env file is honoured)
// 3. Configuration file (config.json or config.yaml)
// 4. Default values
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return &Loader{v: v}
}

// BindFlag makes a command line flag override key when it is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the environment and the config file. An explicit cfgFile must
// exist; otherwise config.* is searched in the working directory, next to
// the executable and in ~/.epub-translator, and may be absent.
func (l *Loader) Load(cfgFile string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	for key, names := range envAliases {
		bind := append([]string{key, envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := l.v.BindEnv(bind...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.AddConfigPath(".")
		if execPath, err := os.Executable(); err == nil {
			l.v.AddConfigPath(filepath.Dir(execPath))
		}
		l.v.AddConfigPath("$HOME/.epub-translator")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file Load read, or "".
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Settings returns the resolved settings with the API key masked.
func (l *Loader) Settings() map[string]any {
	settings := l.v.AllSettings()
	if openai, ok := settings["openai"].(map[string]any); ok {
		if key, _ := openai["api_key"].(string); key != "" {
			openai["api_key"] = maskKey(key)
		}
	}
	return settings
}

// Load is NewLoader().Load(cfgFile) for callers without flags.
func Load(cfgFile string) (*Config, error) {
	return NewLoader().Load(cfgFile)
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}

// Validate checks ranges and language tags. The API key is checked
// separately because only translation needs it.
func (c *Config) Validate() error {
	var errs []error

	if c.Job.Workers < 1 {
		errs = append(errs, fmt.Errorf("job.workers must be at least 1, got %d", c.Job.Workers))
	}
	if c.Job.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("job.checkpoint_interval must be positive"))
	}
	switch c.Job.CheckpointBackend {
	case CheckpointFile, CheckpointSQLite:
	default:
		errs = append(errs, fmt.Errorf("job.checkpoint_backend must be %q or %q, got %q", CheckpointFile, CheckpointSQLite, c.Job.CheckpointBackend))
	}

	if c.Translation.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("translation.max_retries must not be negative"))
	}
	if c.Translation.RetryDelay < 0 || c.Translation.Pacing < 0 {
		errs = append(errs, fmt.Errorf("translation delays must not be negative"))
	}
	if _, err := language.Parse(c.Translation.TargetLanguage); err != nil {
		errs = append(errs, fmt.Errorf("translation.target_language %q: %w", c.Translation.TargetLanguage, err))
	}
	if src := c.Translation.SourceLanguage; src != "auto" && src != "" {
		if _, err := language.Parse(src); err != nil {
			errs = append(errs, fmt.Errorf("translation.source_language %q: %w", src, err))
		}
	}

	if c.OpenAI.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("openai.max_tokens must be at least 1"))
	}
	if c.OpenAI.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("openai.request_timeout must be positive"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}

// RequireAPIKey reports a missing backend key.
func (c *Config) RequireAPIKey() error {
	if c.OpenAI.APIKey == "" || c.OpenAI.APIKey == "your-openai-api-key-here" {
		return fmt.Errorf("no API key configured: set OPENAI_API_KEY (or API_KEY) or openai.api_key in %s", GetConfigPath())
	}
	return nil
}

// WriteDefault writes the default configuration to path. The format follows
// the extension (.json or .yaml). An existing file is not overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.Set("openai.api_key", "your-openai-api-key-here")

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GetConfigPath returns the path to the config file
// It looks for config.json in the same directory as the executable
func GetConfigPath() string {
	// Try to get the executable directory
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		return filepath.Join(execDir, "config.json")
	}

	// Fallback to current working directory
	if pwd, err := os.Getwd(); err == nil {
		return filepath.Join(pwd, "config.json")
	}

	// Final fallback
	return "config.json"
}
