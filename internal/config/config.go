package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"CodeChat/internal/backend"
	"CodeChat/internal/store"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BackendOllama = backend.KindOllama
	BackendOpenAI = backend.KindOpenAI

	EnvPrefix = "CODECHAT"
)

// Config holds application configuration
type Config struct {
	Backend       string
	OllamaURL     string
	OpenAIBaseURL string
	OpenAIAPIKey  string

	// Model and SystemPrompt seed the settings record when none exists yet.
	Model        string
	SystemPrompt string
	Personas     map[string]string

	DataDir   string
	StoreKind string
	SessionID string // open at startup
	Ephemeral bool

	Debug     bool
	Telemetry bool

	RequestTimeout time.Duration
	CacheResponses bool
	CacheTTL       time.Duration

	Temperature   float64
	TopP          float64
	ContextWindow int
	StopSequences []string

	// Code execution. MCPServer is a stdio command or a ws:// URL; empty runs
	// blocks with a local interpreter.
	ExecTimeout time.Duration
	MCPServer   string
	MCPTool     string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	gen := backend.DefaultOptions()
	return Config{
		Backend:        BackendOllama,
		OllamaURL:      "http://localhost:11434",
		OpenAIBaseURL:  "http://localhost:8080/v1",
		DataDir:        defaultDataDir(),
		StoreKind:      store.KindFile,
		Telemetry:      true,
		RequestTimeout: 5 * time.Minute,
		CacheTTL:       time.Hour,
		Temperature:    gen.Temperature,
		TopP:           gen.TopP,
		ContextWindow:  gen.ContextWindow,
		ExecTimeout:    30 * time.Second,
		MCPTool:        "execute_code",
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "codechat")
	}
	return ".codechat"
}

// Validate rejects values the rest of the program cannot work with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendOpenAI:
	default:
		return errors.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendOllama, BackendOpenAI)
	}
	switch c.StoreKind {
	case store.KindFile, store.KindSQLite:
	default:
		return errors.Errorf("unknown store %q (want %s or %s)", c.StoreKind, store.KindFile, store.KindSQLite)
	}
	if c.DataDir == "" {
		return errors.New("data dir must be set")
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ExecTimeout <= 0 {
		return errors.Errorf("exec timeout must be positive, got %s", c.ExecTimeout)
	}
	if c.CacheResponses && c.CacheTTL <= 0 {
		return errors.Errorf("cache ttl must be positive, got %s", c.CacheTTL)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.Errorf("temperature %.2f out of range [0, 2]", c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return errors.Errorf("top-p %.2f out of range [0, 1]", c.TopP)
	}
	if c.ContextWindow < 0 {
		return errors.Errorf("context window must not be negative, got %d", c.ContextWindow)
	}
	return nil
}

// Generation returns the generation options sent with every request.
func (c Config) Generation() backend.Options {
	return backend.Options{
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		ContextWindow: c.ContextWindow,
		Stop:          append([]string(nil), c.StopSequences...),
	}
}

// LogDir is where logs, traces and metrics are written.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// SettingsPath is the settings record.
func (c Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.yaml")
}

// RegisterFlags declares every option on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("backend", d.Backend, "LLM backend (ollama|openai)")
	fs.String("ollama-url", d.OllamaURL, "Ollama server URL")
	fs.String("openai-base-url", d.OpenAIBaseURL, "OpenAI-compatible server URL")
	fs.String("openai-api-key", "", "API key for the OpenAI-compatible server")
	fs.String("model", "", "model used until one is chosen with /model")
	fs.String("system-prompt", "", "system prompt used until a persona is chosen")
	fs.StringToString("persona", nil, "extra persona as name=prompt (repeatable)")
	fs.String("data-dir", d.DataDir, "directory for sessions, settings and logs")
	fs.String("store", d.StoreKind, "session store (file|sqlite)")
	fs.String("session-id", "", "open this session at startup")
	fs.Bool("ephemeral", false, "start a temporary session that is never saved")
	fs.Bool("debug", false, "enable debug logging")
	fs.Bool("telemetry", d.Telemetry, "write traces and metrics under the log dir")
	fs.Duration("request-timeout", d.RequestTimeout, "give up on a backend call after this long")
	fs.Bool("cache", false, "reuse replies to identical requests")
	fs.Duration("cache-ttl", d.CacheTTL, "how long cached replies stay valid")
	fs.Float64("temperature", d.Temperature, "sampling temperature")
	fs.Float64("top-p", d.TopP, "nucleus sampling cutoff")
	fs.Int("context-window", d.ContextWindow, "context window in tokens")
	fs.StringSlice("stop", nil, "stop sequence (repeatable)")
	fs.Duration("exec-timeout", d.ExecTimeout, "time limit for running a code block")
	fs.String("mcp-server", "", "MCP sandbox used for /run (command or ws:// URL)")
	fs.String("mcp-tool", d.MCPTool, "MCP tool that executes code")
}

// NewViper binds fs, CODECHAT_* environment variables and, when configFile
// is set or a config.yaml exists in the default places, a YAML file.
func NewViper(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "codechat"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "failed to bind flags")
		}
	}
	return v, nil
}

// FromViper builds a validated Config. Keys absent from v keep their defaults.
func FromViper(v *viper.Viper) (Config, error) {
	c := Default()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("backend", &c.Backend)
	str("ollama-url", &c.OllamaURL)
	str("openai-base-url", &c.OpenAIBaseURL)
	str("openai-api-key", &c.OpenAIAPIKey)
	str("model", &c.Model)
	str("system-prompt", &c.SystemPrompt)
	str("data-dir", &c.DataDir)
	str("store", &c.StoreKind)
	str("session-id", &c.SessionID)
	str("mcp-server", &c.MCPServer)
	str("mcp-tool", &c.MCPTool)

	if v.IsSet("persona") {
		c.Personas = v.GetStringMapString("persona")
	}
	if v.IsSet("stop") {
		c.StopSequences = v.GetStringSlice("stop")
	}
	if v.IsSet("ephemeral") {
		c.Ephemeral = v.GetBool("ephemeral")
	}
	if v.IsSet("debug") {
		c.Debug = v.GetBool("debug")
	}
	if v.IsSet("telemetry") {
		c.Telemetry = v.GetBool("telemetry")
	}
	if v.IsSet("cache") {
		c.CacheResponses = v.GetBool("cache")
	}
	if v.IsSet("request-timeout") {
		c.RequestTimeout = v.GetDuration("request-timeout")
	}
	if v.IsSet("cache-ttl") {
		c.CacheTTL = v.GetDuration("cache-ttl")
	}
	if v.IsSet("exec-timeout") {
		c.ExecTimeout = v.GetDuration("exec-timeout")
	}
	if v.IsSet("temperature") {
		c.Temperature = v.GetFloat64("temperature")
	}
	if v.IsSet("top-p") {
		c.TopP = v.GetFloat64("top-p")
	}
	if v.IsSet("context-window") {
		c.ContextWindow = v.GetInt("context-window")
	}

	if err := c.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}
