// Package config loads layered configuration: struct defaults, an optional
// YAML file, then REELCHAT_-prefixed environment variables on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/reelmates/reelchat/internal/logging"
)

const envPrefix = "REELCHAT_"

type Config struct {
	Backend BackendConfig  `koanf:"backend"`
	Chat    ChatConfig     `koanf:"chat"`
	Logging logging.Config `koanf:"logging"`
}

// BackendConfig points at the hosted backend: its Postgres connection string
// for history/poll/send, its realtime websocket endpoint for push and typing
// broadcasts, and the access token issued by the auth provider.
type BackendConfig struct {
	DatabaseURL string `koanf:"database_url"`
	RealtimeURL string `koanf:"realtime_url"`
	AccessToken string `koanf:"access_token"`
}

type ChatConfig struct {
	// PollInterval is the pull-fallback cadence while a conversation is
	// active. Push is the latency optimization; poll is the correctness
	// backstop, so both always run.
	PollInterval time.Duration `koanf:"poll_interval"`
	// TypingTTL is how long a typing indicator survives without a re-arm,
	// and the debounce window for outgoing typing broadcasts.
	TypingTTL time.Duration `koanf:"typing_ttl"`
	// SkipDelay is the pause between ending an anonymous session via skip
	// and starting the next search.
	SkipDelay time.Duration `koanf:"skip_delay"`
	// PreviewLength caps notification content previews, in runes.
	PreviewLength int `koanf:"preview_length"`
}

func Default() Config {
	return Config{
		Chat: ChatConfig{
			PollInterval:  2500 * time.Millisecond,
			TypingTTL:     3 * time.Second,
			SkipDelay:     500 * time.Millisecond,
			PreviewLength: 80,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration. path may be empty or point at a YAML file;
// a missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat("reelchat.yaml"); err == nil {
			path = "reelchat.yaml"
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// REELCHAT_BACKEND_DATABASE_URL -> backend.database_url
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(s, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Backend.DatabaseURL == "" {
		return errors.New("backend.database_url is required")
	}
	if c.Backend.AccessToken == "" {
		return errors.New("backend.access_token is required")
	}
	if c.Chat.PollInterval <= 0 {
		return errors.New("chat.poll_interval must be positive")
	}
	if c.Chat.TypingTTL <= 0 {
		return errors.New("chat.typing_ttl must be positive")
	}
	if c.Chat.PreviewLength <= 0 {
		return errors.New("chat.preview_length must be positive")
	}
	return nil
}
