package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"parley/internal/protocol/prekey"
	"parley/internal/protocol/ratchet"
	"parley/internal/protocol/senderkey"
	"parley/internal/services/group"
	prekeysvc "parley/internal/services/prekey"
	"parley/internal/services/session"
	"parley/internal/store"
)

// ConfigFilename is looked up under Home when no explicit path is given.
const ConfigFilename = "config.yaml"

// Config holds runtime options for building the app. It is read from YAML,
// then overridden by command line flags, then validated.
type Config struct {
	Home     string         `yaml:"home" validate:"required"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
	Identity IdentityConfig `yaml:"identity"`
	Ratchet  RatchetConfig  `yaml:"ratchet"`
	PreKeys  PreKeyConfig   `yaml:"prekeys"`
	Sessions SessionConfig  `yaml:"sessions"`
	Groups   GroupConfig    `yaml:"groups"`
}

type RelayConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type IdentityConfig struct {
	// ScryptN is the passphrase KDF cost for newly sealed identities.
	ScryptN int `yaml:"scrypt_n" validate:"min=1024"`
}

type RatchetConfig struct {
	SkipWindow       int `yaml:"skip_window" validate:"min=1,max=100000"`
	MaxRetiredChains int `yaml:"max_retired_chains" validate:"min=1,max=64"`
}

type PreKeyConfig struct {
	PoolSize       int           `yaml:"pool_size" validate:"min=1,max=10000"`
	LowWatermark   int           `yaml:"low_watermark" validate:"min=0,ltefield=PoolSize"`
	SignedRotation time.Duration `yaml:"signed_rotation" validate:"gt=0"`
	SignedGrace    time.Duration `yaml:"signed_grace" validate:"gte=0"`
	PublishBatch   int           `yaml:"publish_batch" validate:"min=1,ltefield=PoolSize"`
}

type SessionConfig struct {
	StaleAfter        time.Duration `yaml:"stale_after" validate:"gt=0"`
	FailureEscalation int           `yaml:"failure_escalation" validate:"min=1"`
}

type GroupConfig struct {
	MaxMembers          int `yaml:"max_members" validate:"min=2,max=256"`
	RetainedGenerations int `yaml:"retained_generations" validate:"min=0,max=16"`
}

// DefaultConfig returns the built-in settings rooted at home.
func DefaultConfig(home string) Config {
	return Config{
		Home:     home,
		Relay:    RelayConfig{URL: "http://127.0.0.1:8080", Timeout: 10 * time.Second},
		Log:      LogConfig{Level: "warn"},
		Identity: IdentityConfig{ScryptN: store.DefaultScryptParams.N},
		Ratchet: RatchetConfig{
			SkipWindow:       ratchet.DefaultSkipWindow,
			MaxRetiredChains: ratchet.DefaultMaxRetiredChains,
		},
		PreKeys: PreKeyConfig{
			PoolSize:       100,
			LowWatermark:   20,
			SignedRotation: 7 * 24 * time.Hour,
			SignedGrace:    48 * time.Hour,
			PublishBatch:   20,
		},
		Sessions: SessionConfig{
			StaleAfter:        session.DefaultStaleAfter,
			FailureEscalation: session.DefaultFailureEscalation,
		},
		Groups: GroupConfig{
			MaxMembers:          group.MaxMembers,
			RetainedGenerations: group.DefaultRetainedGenerations,
		},
	}
}

// LoadConfig overlays the YAML file at path onto cfg. A missing file leaves
// cfg untouched.
func LoadConfig(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ConfigPath is the default config file location for this Home.
func (c Config) ConfigPath() string { return filepath.Join(c.Home, ConfigFilename) }

func (c Config) scrypt() store.ScryptParams {
	p := store.DefaultScryptParams
	p.N = c.Identity.ScryptN
	return p
}

func (c Config) preKeyOptions() prekey.Options {
	return prekey.Options{MaxOneTime: c.PreKeys.PoolSize, SignedGrace: c.PreKeys.SignedGrace}
}

func (c Config) preKeyService() prekeysvc.Config {
	return prekeysvc.Config{
		PoolSize:       c.PreKeys.PoolSize,
		LowWatermark:   c.PreKeys.LowWatermark,
		SignedRotation: c.PreKeys.SignedRotation,
		PublishBatch:   c.PreKeys.PublishBatch,
	}
}

func (c Config) sessionService() session.Config {
	return session.Config{
		Ratchet: ratchet.Options{
			SkipWindow:       c.Ratchet.SkipWindow,
			MaxRetiredChains: c.Ratchet.MaxRetiredChains,
		},
		StaleAfter:        c.Sessions.StaleAfter,
		FailureEscalation: c.Sessions.FailureEscalation,
	}
}

func (c Config) groupService() group.Config {
	return group.Config{
		MaxMembers:          c.Groups.MaxMembers,
		RetainedGenerations: c.Groups.RetainedGenerations,
		SenderKey:           senderkey.Options{SkipWindow: c.Ratchet.SkipWindow},
	}
}
