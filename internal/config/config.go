// Package config provides the root configuration struct for the engram
// server and CLI, loaded from the environment via envconfig.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration struct. Top-level groups: Store,
// Composer, Server.
type Config struct {
	Store    StoreConfig    `json:"store"`
	Composer ComposerConfig `json:"composer"`
	Server   ServerConfig   `json:"server"`
}

// Backend identifies which store implementation a StoreConfig selects.
type Backend string

const (
	BackendEmbedded Backend = "embedded"
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
)

// StoreConfig selects and configures a memory store backend. Exactly one of
// the backend-specific fields is meaningful for a given Backend value; see
// internal/store.Open for the validation rules (InvalidInput on conflicting
// combinations, e.g. InMemory set with a non-embedded backend).
type StoreConfig struct {
	Backend  Backend `json:"backend" envconfig:"STORE_BACKEND" default:"embedded"`
	Path     string  `json:"path" envconfig:"STORE_PATH" default:"engram.db"`
	InMemory bool    `json:"inMemory" envconfig:"STORE_IN_MEMORY"`
	DSN      string  `json:"dsn" envconfig:"STORE_DSN"`
	Database string  `json:"database" envconfig:"STORE_DATABASE"`

	MaxOpenConns int `json:"maxOpenConns" envconfig:"STORE_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns int `json:"maxIdleConns" envconfig:"STORE_MAX_IDLE_CONNS" default:"5"`
}

// ComposerConfig holds recall-policy and budget settings loaded from the
// environment. The composer package does not read it; its own defaults come
// from composer.DefaultRecallPolicy() and composer.DefaultBudget(), whose
// built-in values equal the tag defaults below.
type ComposerConfig struct {
	MaxTotalCandidates    int    `json:"maxTotalCandidates" envconfig:"COMPOSER_MAX_TOTAL_CANDIDATES" default:"100"`
	MaxFacts              int    `json:"maxFacts" envconfig:"COMPOSER_MAX_FACTS" default:"30"`
	MaxProcedures         int    `json:"maxProcedures" envconfig:"COMPOSER_MAX_PROCEDURES" default:"5"`
	MaxEpisodes           int    `json:"maxEpisodes" envconfig:"COMPOSER_MAX_EPISODES" default:"20"`
	MaxInsights           int    `json:"maxInsights" envconfig:"COMPOSER_MAX_INSIGHTS" default:"10"`
	MaxKeyQuotes          int    `json:"maxKeyQuotes" envconfig:"COMPOSER_MAX_KEY_QUOTES" default:"10"`
	ConversationWindow    int    `json:"conversationWindow" envconfig:"COMPOSER_CONVERSATION_WINDOW" default:"5"`
	EpisodeTimeWindowDays int    `json:"episodeTimeWindowDays" envconfig:"COMPOSER_EPISODE_TIME_WINDOW_DAYS" default:"30"`
	DefaultMaxTokens      uint32 `json:"defaultMaxTokens" envconfig:"COMPOSER_DEFAULT_MAX_TOKENS" default:"2048"`
	PolicyID              string `json:"policyId" envconfig:"COMPOSER_POLICY_ID" default:"default"`
}

// ServerConfig configures the engram serve command.
type ServerConfig struct {
	Addr     string `json:"addr" envconfig:"SERVER_ADDR" default:":8080"`
	LogLevel string `json:"logLevel" envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads Config from the environment, prefixed ENGRAM_, applying the
// struct-tag defaults declared above for anything unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ENGRAM", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}
