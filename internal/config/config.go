// Package config loads the service configuration from a YAML file with
// environment overrides for secrets. Every knob has a default so the
// service starts with no file at all.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LLMConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type SearchConfig struct {
	SerperURL  string   `mapstructure:"serper_url"`
	APIKeys    []string `mapstructure:"api_keys"`
	NumResults int      `mapstructure:"num_results"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type DatabaseConfig struct {
	// DSN empty disables the archive writer.
	DSN string `mapstructure:"dsn"`
}

type PolicyConfig struct {
	MaxRawBeforeSynthesis int `mapstructure:"max_raw_before_synthesis"`
	MaxNotesBeforeSummary int `mapstructure:"max_notes_before_summary"`
}

type EngineConfig struct {
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	PromptsPath    string `mapstructure:"prompts_path"`
}

type StreamingConfig struct {
	ReplayCapacity int `mapstructure:"replay_capacity"`
}

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Streaming StreamingConfig `mapstructure:"streaming"`
}

// Load reads the config from CONFIG_PATH (default config/meridian.yaml).
// A missing file is not an error; defaults and env overrides apply
// regardless.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/meridian.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8081")
	v.SetDefault("metrics.addr", ":2112")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.timeout_ms", 120000)
	v.SetDefault("search.serper_url", "https://google.serper.dev/search")
	v.SetDefault("search.num_results", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("policy.max_raw_before_synthesis", 3)
	v.SetDefault("policy.max_notes_before_summary", 3)
	v.SetDefault("engine.poll_interval_ms", 100)
	v.SetDefault("streaming.replay_capacity", 256)
}

// applyEnvOverrides lets secrets come from the environment instead of
// the config file.
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("LLM_API_KEY"); s != "" {
		cfg.LLM.APIKey = s
	}
	if s := os.Getenv("LLM_BASE_URL"); s != "" {
		cfg.LLM.BaseURL = s
	}
	if s := os.Getenv("LLM_MODEL"); s != "" {
		cfg.LLM.Model = s
	}
	if s := os.Getenv("SERPER_API_KEYS"); s != "" {
		keys := make([]string, 0)
		for _, k := range strings.Split(s, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.Search.APIKeys = keys
	}
	if s := os.Getenv("REDIS_ADDR"); s != "" {
		cfg.Redis.Addr = s
	}
	if s := os.Getenv("REDIS_PASSWORD"); s != "" {
		cfg.Redis.Password = s
	}
	if s := os.Getenv("DATABASE_URL"); s != "" {
		cfg.Database.DSN = s
	}
}
