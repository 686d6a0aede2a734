package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Bancho   BanchoConfig   `yaml:"bancho"`
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Maps     MapsConfig     `yaml:"maps"`
	Rating   RatingConfig   `yaml:"rating"`
	Profile  ProfileConfig  `yaml:"profile"`
	Notify   NotifyConfig   `yaml:"notify"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

// BanchoConfig holds chat server connection settings
type BanchoConfig struct {
	Address      string        `yaml:"address"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	SendInterval time.Duration `yaml:"send_interval"`
	BotName      string        `yaml:"bot_name"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PoolConfig controls how many lobbies are kept open and when a match starts
type PoolConfig struct {
	LobbyTitle     string        `yaml:"lobby_title"`
	MinLobbies     int           `yaml:"min_lobbies"`
	IdleSlack      int           `yaml:"idle_slack"`
	IdleRecheck    time.Duration `yaml:"idle_recheck"`
	Countdown      time.Duration `yaml:"countdown"`
	FinalCountdown time.Duration `yaml:"final_countdown"`
}

// MapsConfig controls map selection
type MapsConfig struct {
	Catalog            string  `yaml:"catalog"`
	FallbackDifficulty float64 `yaml:"fallback_difficulty"`
	InitialBand        float64 `yaml:"initial_band"`
	MaxAttempts        int     `yaml:"max_attempts"`
	HistorySize        int     `yaml:"history_size"`
}

// RatingConfig holds rating engine parameters
type RatingConfig struct {
	MinDeviation    float64       `yaml:"min_deviation"`
	ReferencePeriod time.Duration `yaml:"reference_period"`
	Tiers           []string      `yaml:"tiers"`
	TopTier         string        `yaml:"top_tier"`
	DecayInterval   time.Duration `yaml:"decay_interval"`
}

// ProfileConfig holds settings for the player profile source
type ProfileConfig struct {
	APIURL            string        `yaml:"api_url"`
	APIKey            string        `yaml:"api_key"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// NotifyConfig holds presentation notification sinks. Empty values disable a sink.
type NotifyConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
}

// MetricsConfig holds the prometheus endpoint address
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AdminConfig holds operator token settings. Without a secret the admin
// endpoints reject every request.
type AdminConfig struct {
	TokenSecret   string        `yaml:"token_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultTiers are the rank tiers from lowest to highest
var DefaultTiers = []string{
	"Cardboard", "Wood", "Bronze", "Silver", "Gold", "Platinum", "Diamond", "Legendary",
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults and environment overrides
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if v := os.Getenv("LOBBYBOT_BANCHO_PASSWORD"); v != "" {
		cfg.Bancho.Password = v
	}
	if v := os.Getenv("LOBBYBOT_PROFILE_API_KEY"); v != "" {
		cfg.Profile.APIKey = v
	}
	if v := os.Getenv("LOBBYBOT_ADMIN_TOKEN_SECRET"); v != "" {
		cfg.Admin.TokenSecret = v
	}

	if cfg.Maps.InitialBand <= 0 || cfg.Maps.InitialBand >= 1 {
		return nil, fmt.Errorf("maps.initial_band must be between 0 and 1, got %v", cfg.Maps.InitialBand)
	}
	if cfg.Pool.FinalCountdown > cfg.Pool.Countdown {
		return nil, fmt.Errorf("pool.final_countdown (%v) exceeds pool.countdown (%v)", cfg.Pool.FinalCountdown, cfg.Pool.Countdown)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	// Bancho defaults
	if c.Bancho.Address == "" {
		c.Bancho.Address = "irc.ppy.sh:6667"
	}
	if c.Bancho.SendInterval == 0 {
		c.Bancho.SendInterval = time.Second
	}
	if c.Bancho.BotName == "" {
		c.Bancho.BotName = "BanchoBot"
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/lobbybot/lobbybot.db"
	}

	// Pool defaults
	if c.Pool.LobbyTitle == "" {
		c.Pool.LobbyTitle = "0-10* | o!RL | Auto map select (!about)"
	}
	if c.Pool.MinLobbies == 0 {
		c.Pool.MinLobbies = 1
	}
	if c.Pool.IdleSlack == 0 {
		c.Pool.IdleSlack = 4
	}
	if c.Pool.IdleRecheck == 0 {
		c.Pool.IdleRecheck = 2 * time.Minute
	}
	if c.Pool.Countdown == 0 {
		c.Pool.Countdown = 30 * time.Second
	}
	if c.Pool.FinalCountdown == 0 {
		c.Pool.FinalCountdown = 10 * time.Second
	}

	// Map selection defaults
	if c.Maps.FallbackDifficulty == 0 {
		c.Maps.FallbackDifficulty = 100
	}
	if c.Maps.InitialBand == 0 {
		c.Maps.InitialBand = 0.05
	}
	if c.Maps.MaxAttempts == 0 {
		c.Maps.MaxAttempts = 10
	}
	if c.Maps.HistorySize == 0 {
		c.Maps.HistorySize = 25
	}

	// Rating defaults
	if c.Rating.MinDeviation == 0 {
		c.Rating.MinDeviation = 30
	}
	if c.Rating.ReferencePeriod == 0 {
		c.Rating.ReferencePeriod = 30 * 24 * time.Hour
	}
	if len(c.Rating.Tiers) == 0 {
		c.Rating.Tiers = append([]string(nil), DefaultTiers...)
	}
	if c.Rating.TopTier == "" {
		c.Rating.TopTier = "The One"
	}
	if c.Rating.DecayInterval == 0 {
		c.Rating.DecayInterval = time.Hour
	}

	// Profile defaults
	if c.Profile.StaleAfter == 0 {
		c.Profile.StaleAfter = 24 * time.Hour
	}
	if c.Profile.RequestsPerMinute == 0 {
		c.Profile.RequestsPerMinute = 60
	}

	if c.Notify.NATSSubjectPrefix == "" {
		c.Notify.NATSSubjectPrefix = "lobbybot"
	}

	if c.Admin.TokenDuration == 0 {
		c.Admin.TokenDuration = 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}
