// Package config loads chat-relay settings.
//
// Layers, lowest precedence first: Defaults, the YAML file passed with
// --config, .env files and the process environment, then command-line flags
// the user changed explicitly (applied by the cmd package).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chat-relay/pkg/chatsession"
	"github.com/go-go-golems/chat-relay/pkg/logging"
	"github.com/go-go-golems/chat-relay/pkg/redisstream"
	"github.com/go-go-golems/chat-relay/pkg/upstream"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type ServerSettings struct {
	Addr             string        `yaml:"addr"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	AllowCredentials bool          `yaml:"allow_credentials"`
	DebugRoutes      bool          `yaml:"debug_routes"`
	Keepalive        time.Duration `yaml:"keepalive"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

type PromptSettings struct {
	Preamble string `yaml:"preamble"`
	// CountTokens loads the cl100k_base encoding in the background at startup.
	// Until it is loaded, or when disabled, prompt sizes are estimated.
	CountTokens bool `yaml:"count_tokens"`
}

type SessionSettings struct {
	Backend       string        `yaml:"backend"`
	HistoryCap    int           `yaml:"history_cap"`
	EvictIdle     time.Duration `yaml:"evict_idle"`
	EvictInterval time.Duration `yaml:"evict_interval"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

type JournalSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Settings struct {
	Server   ServerSettings       `yaml:"server"`
	Upstream upstream.Settings    `yaml:"upstream"`
	Prompt   PromptSettings       `yaml:"prompt"`
	Session  SessionSettings      `yaml:"session"`
	Redis    redisstream.Settings `yaml:"redis"`
	Journal  JournalSettings      `yaml:"journal"`
	Logging  logging.Settings     `yaml:"logging"`
}

func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Addr:             ":8000",
			AllowedOrigins:   []string{"*"},
			AllowCredentials: true,
			ShutdownTimeout:  30 * time.Second,
		},
		Upstream: upstream.Settings{
			Provider:    upstream.ProviderGemini,
			Temperature: 0.7,
		},
		Prompt: PromptSettings{
			CountTokens: true,
		},
		Session: SessionSettings{
			Backend:    BackendMemory,
			HistoryCap: chatsession.DefaultHistoryCap,
		},
		Redis:   redisstream.DefaultSettings(),
		Journal: JournalSettings{Path: "chat-relay.db"},
		Logging: logging.Settings{Level: "info"},
	}
}

// Load applies the file and environment layers on top of Defaults. An empty
// path skips the file layer. The result is normalized but not validated.
func Load(path string, dotenvFiles ...string) (Settings, error) {
	s := Defaults()
	if path != "" {
		if err := LoadFile(path, &s); err != nil {
			return s, err
		}
	}
	if err := LoadDotEnv(dotenvFiles...); err != nil {
		return s, err
	}
	if err := ApplyEnv(&s, os.LookupEnv); err != nil {
		return s, err
	}
	s.Normalize()
	return s, nil
}

func LoadFile(path string, s *Settings) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// LoadDotEnv loads the given .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	present := []string{}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := gotenv.Load(present...); err != nil {
		return errors.Wrap(err, "load .env")
	}
	return nil
}

// ApplyEnv overlays environment variables onto s.
func ApplyEnv(s *Settings, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("CHAT_RELAY_ADDR"); ok {
		s.Server.Addr = v
	}
	if v, ok := get("CHAT_RELAY_PROVIDER"); ok {
		s.Upstream.Provider = v
	}
	if v, ok := get("CHAT_RELAY_MODEL"); ok {
		s.Upstream.Model = v
	}
	if v, ok := get("CHAT_RELAY_TEMPERATURE"); ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "CHAT_RELAY_TEMPERATURE")
		}
		s.Upstream.Temperature = t
	}
	if v, ok := get("CHAT_RELAY_HISTORY_CAP"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "CHAT_RELAY_HISTORY_CAP")
		}
		s.Session.HistoryCap = n
	}
	if v, ok := get("REDIS_ADDR"); ok {
		s.Redis.Addr = v
	}

	switch strings.ToLower(s.Upstream.Provider) {
	case upstream.ProviderOpenAI:
		if v, ok := get("OPENAI_API_KEY"); ok {
			s.Upstream.APIKey = v
		}
		if v, ok := get("OPENAI_BASE_URL"); ok {
			s.Upstream.BaseURL = v
		}
	case upstream.ProviderGemini, "":
		if v, ok := get("GOOGLE_API_KEY"); ok {
			s.Upstream.APIKey = v
		}
	}
	return nil
}

// Normalize fills values that depend on other settings.
func (s *Settings) Normalize() {
	s.Upstream.Provider = strings.ToLower(strings.TrimSpace(s.Upstream.Provider))
	s.Session.Backend = strings.ToLower(strings.TrimSpace(s.Session.Backend))
	if s.Upstream.Model == "" {
		switch s.Upstream.Provider {
		case upstream.ProviderGemini:
			s.Upstream.Model = upstream.DefaultGeminiModel
		case upstream.ProviderOpenAI:
			s.Upstream.Model = upstream.DefaultOpenAIModel
		}
	}
	if len(s.Server.AllowedOrigins) == 0 {
		s.Server.AllowedOrigins = []string{"*"}
	}
}

func (s Settings) Validate() error {
	if s.Session.HistoryCap <= 0 {
		return errors.Errorf("session.history_cap must be positive, got %d", s.Session.HistoryCap)
	}
	if s.Upstream.Temperature < 0 || s.Upstream.Temperature > 2 {
		return errors.Errorf("upstream.temperature must be within [0,2], got %v", s.Upstream.Temperature)
	}
	switch s.Upstream.Provider {
	case upstream.ProviderGemini, upstream.ProviderOpenAI, upstream.ProviderScripted:
	default:
		return errors.Errorf("unknown upstream.provider %q", s.Upstream.Provider)
	}
	switch s.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if !s.Redis.Enabled {
			return errors.New("session.backend redis requires redis.enabled")
		}
	default:
		return errors.Errorf("unknown session.backend %q", s.Session.Backend)
	}
	if s.Session.EvictIdle < 0 || s.Session.EvictInterval < 0 {
		return errors.New("session eviction durations must not be negative")
	}
	if s.Server.Keepalive < 0 {
		return errors.New("server.keepalive must not be negative")
	}
	if s.Journal.Enabled && strings.TrimSpace(s.Journal.Path) == "" {
		return errors.New("journal.path is required when the journal is enabled")
	}
	return nil
}
