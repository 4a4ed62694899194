// Package config handles mioku configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mioku/config.yaml, /config/config.yaml,
// /etc/mioku/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mioku", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/mioku/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mioku configuration.
type Config struct {
	APIURL           string   `yaml:"api_url" env:"MIOKU_API_URL"`
	APIKey           string   `yaml:"api_key" env:"MIOKU_API_KEY"`
	Model            string   `yaml:"model" env:"MIOKU_MODEL"`
	WorkingModel     string   `yaml:"working_model"` // background analyzers; defaults to model
	IsMultimodal     bool     `yaml:"is_multimodal"`
	Nicknames        []string `yaml:"nicknames"`
	Persona          string   `yaml:"persona"`
	MaxContextTokens int      `yaml:"max_context_tokens"` // thousands
	Temperature      float64  `yaml:"temperature"`
	HistoryCount     int      `yaml:"history_count"`
	BlacklistGroups  []int64  `yaml:"blacklist_groups"`
	WhitelistGroups  []int64  `yaml:"whitelist_groups"`
	BotOwners        []int64  `yaml:"bot_owners"`
	MaxSessions      int      `yaml:"max_sessions"`
	MaxIterations    int      `yaml:"max_iterations"` // -1 = unbounded (internally capped)

	EnableGroupAdmin     bool `yaml:"enable_group_admin"`
	EnableExternalSkills bool `yaml:"enable_external_skills"`

	Gateway     GatewayConfig     `yaml:"gateway"`
	Rate        RateConfig        `yaml:"rate"`
	Personality PersonalityConfig `yaml:"personality"`
	ReplyStyle  ReplyStyleConfig  `yaml:"reply_style"`
	Memory      MemoryConfig      `yaml:"memory"`
	Topic       TopicConfig       `yaml:"topic"`
	Planner     PlannerConfig     `yaml:"planner"`
	Frequency   FrequencyConfig   `yaml:"frequency"`
	Typo        TypoConfig        `yaml:"typo"`
	Emoji       EmojiConfig       `yaml:"emoji"`
	Expression  ExpressionConfig  `yaml:"expression"`

	DataDir  string `yaml:"data_dir" env:"MIOKU_DATA_DIR"`
	LogLevel string `yaml:"log_level" env:"MIOKU_LOG_LEVEL"`

	// Groups maps a group ID to a partial override block. Effective()
	// resolves the merged view for one group.
	Groups map[int64]GroupOverride `yaml:"groups"`
}

// GatewayConfig defines the bot gateway connection.
type GatewayConfig struct {
	URL         string `yaml:"url" env:"MIOKU_GATEWAY_URL"`
	AccessToken string `yaml:"access_token" env:"MIOKU_GATEWAY_TOKEN"`
}

// RateConfig defines the rate limiter windows. All durations are
// milliseconds, matching the wire-level key names.
type RateConfig struct {
	GroupCooldownMS      int `yaml:"group_cooldown_ms"`
	WindowMS             int `yaml:"window_ms"`
	MaxTriggersPerWindow int `yaml:"max_triggers_per_window"`
	DedupWindowMS        int `yaml:"dedup_window_ms"`
}

// PersonalityConfig defines optional transient personality states.
type PersonalityConfig struct {
	States           []string `yaml:"states"`
	StateProbability float64  `yaml:"state_probability"`
}

// ReplyStyleConfig defines the base and alternate reply styles.
type ReplyStyleConfig struct {
	BaseStyle           string   `yaml:"base_style"`
	MultipleStyles      []string `yaml:"multiple_styles"`
	MultipleProbability float64  `yaml:"multiple_probability"`
}

// MemoryConfig controls the two-stage memory retrieval agent.
type MemoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxIterations int  `yaml:"max_iterations"`
	TimeoutMS     int  `yaml:"timeout_ms"`
}

// TopicConfig controls the background topic tracker.
type TopicConfig struct {
	Enabled             bool `yaml:"enabled"`
	MessageThreshold    int  `yaml:"message_threshold"`
	TimeThresholdMS     int  `yaml:"time_threshold_ms"`
	MaxTopicsPerSession int  `yaml:"max_topics_per_session"`
}

// PlannerConfig controls the action planner.
type PlannerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// FrequencyConfig controls how often the bot speaks unprompted.
type FrequencyConfig struct {
	Enabled                    bool    `yaml:"enabled"`
	MinIntervalMS              int     `yaml:"min_interval_ms"`
	MaxIntervalMS              int     `yaml:"max_interval_ms"`
	SpeakProbability           float64 `yaml:"speak_probability"`
	QuietHoursStart            int     `yaml:"quiet_hours_start"`
	QuietHoursEnd              int     `yaml:"quiet_hours_end"`
	QuietProbabilityMultiplier float64 `yaml:"quiet_probability_multiplier"`
}

// TypoConfig controls the typo generator.
type TypoConfig struct {
	Enabled         bool    `yaml:"enabled"`
	ErrorRate       float64 `yaml:"error_rate"`
	WordReplaceRate float64 `yaml:"word_replace_rate"`
}

// EmojiConfig controls the sticker system.
type EmojiConfig struct {
	Enabled         bool    `yaml:"enabled"`
	EmojiDir        string  `yaml:"emoji_dir"`
	SendProbability float64 `yaml:"send_probability"`
}

// ExpressionConfig controls the expression learner.
type ExpressionConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxExpressions int  `yaml:"max_expressions"`
	SampleSize     int  `yaml:"sample_size"`
}

// GroupOverride is a partial per-group configuration layer. Nil pointer
// fields inherit the base value.
type GroupOverride struct {
	Persona          *string   `yaml:"persona"`
	Nicknames        *[]string `yaml:"nicknames"`
	Temperature      *float64  `yaml:"temperature"`
	BaseStyle        *string   `yaml:"base_style"`
	SpeakProbability *float64  `yaml:"speak_probability"`
	PlannerEnabled   *bool     `yaml:"planner_enabled"`
	TypoEnabled      *bool     `yaml:"typo_enabled"`
	EmojiEnabled     *bool     `yaml:"emoji_enabled"`
}

// Configured reports whether the LLM API credentials are present.
// A missing API key means the engine must refuse to initialize.
func (c *Config) Configured() bool {
	return c.APIKey != "" && c.APIURL != ""
}

// IsBotOwner reports whether the user ID is listed as a bot owner.
func (c *Config) IsBotOwner(userID int64) bool {
	for _, id := range c.BotOwners {
		if id == userID {
			return true
		}
	}
	return false
}

// GroupAllowed applies the allow-list rule: when the whitelist is
// non-empty only listed groups pass; otherwise the blacklist excludes.
func (c *Config) GroupAllowed(groupID int64) bool {
	if len(c.WhitelistGroups) > 0 {
		for _, id := range c.WhitelistGroups {
			if id == groupID {
				return true
			}
		}
		return false
	}
	for _, id := range c.BlacklistGroups {
		if id == groupID {
			return false
		}
	}
	return true
}

// Effective resolves the layered configuration for one group: the base
// config with the group's override block merged on top. The returned
// value is a copy; mutating it does not affect the base.
func (c *Config) Effective(groupID int64) *Config {
	out := *c
	ov, ok := c.Groups[groupID]
	if !ok {
		return &out
	}
	if ov.Persona != nil {
		out.Persona = *ov.Persona
	}
	if ov.Nicknames != nil {
		out.Nicknames = *ov.Nicknames
	}
	if ov.Temperature != nil {
		out.Temperature = *ov.Temperature
	}
	if ov.BaseStyle != nil {
		out.ReplyStyle.BaseStyle = *ov.BaseStyle
	}
	if ov.SpeakProbability != nil {
		out.Frequency.SpeakProbability = *ov.SpeakProbability
	}
	if ov.PlannerEnabled != nil {
		out.Planner.Enabled = *ov.PlannerEnabled
	}
	if ov.TypoEnabled != nil {
		out.Typo.Enabled = *ov.TypoEnabled
	}
	if ov.EmojiEnabled != nil {
		out.Emoji.Enabled = *ov.EmojiEnabled
	}
	return &out
}

// EffectiveModel returns the model for background analyzer calls,
// falling back to the main model when working_model is unset.
func (c *Config) EffectiveModel() string {
	if c.WorkingModel != "" {
		return c.WorkingModel
	}
	return c.Model
}

// Timeout returns the retrieval wall-clock budget.
func (c *MemoryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TimeThreshold returns the topic tracker's time trigger.
func (c *TopicConfig) TimeThreshold() time.Duration {
	return time.Duration(c.TimeThresholdMS) * time.Millisecond
}

// MinInterval returns the minimum gap between unprompted replies.
func (c *FrequencyConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMS) * time.Millisecond
}

// MaxInterval returns the cap on the simulated typing delay.
func (c *FrequencyConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMS) * time.Millisecond
}

// GroupCooldown returns the per-group response cooldown.
func (c *RateConfig) GroupCooldown() time.Duration {
	return time.Duration(c.GroupCooldownMS) * time.Millisecond
}

// Window returns the per-user sliding trigger window.
func (c *RateConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

// DedupWindow returns the duplicate-content suppression window.
func (c *RateConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMS) * time.Millisecond
}

// Load reads configuration from a YAML file, expands environment
// variables, applies environment overrides, fills defaults, and
// validates the result. After Load returns successfully, all fields are
// usable without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MIOKU_API_KEY}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	// Environment variables override file values.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.8
	}
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 8
	}
	if c.HistoryCount == 0 {
		c.HistoryCount = 100
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 100
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 20
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Rate.GroupCooldownMS == 0 {
		c.Rate.GroupCooldownMS = 3000
	}
	if c.Rate.WindowMS == 0 {
		c.Rate.WindowMS = 60000
	}
	if c.Rate.MaxTriggersPerWindow == 0 {
		c.Rate.MaxTriggersPerWindow = 10
	}
	if c.Rate.DedupWindowMS == 0 {
		c.Rate.DedupWindowMS = 30000
	}

	if c.Personality.StateProbability == 0 {
		c.Personality.StateProbability = 0.15
	}

	if c.Memory.MaxIterations == 0 {
		c.Memory.MaxIterations = 3
	}
	if c.Memory.TimeoutMS == 0 {
		c.Memory.TimeoutMS = 15000
	}

	if c.Topic.MessageThreshold == 0 {
		c.Topic.MessageThreshold = 30
	}
	if c.Topic.TimeThresholdMS == 0 {
		c.Topic.TimeThresholdMS = int((10 * time.Minute).Milliseconds())
	}
	if c.Topic.MaxTopicsPerSession == 0 {
		c.Topic.MaxTopicsPerSession = 20
	}

	if c.Frequency.MinIntervalMS == 0 {
		c.Frequency.MinIntervalMS = 5000
	}
	if c.Frequency.MaxIntervalMS == 0 {
		c.Frequency.MaxIntervalMS = 15000
	}
	if c.Frequency.SpeakProbability == 0 {
		c.Frequency.SpeakProbability = 0.6
	}
	if c.Frequency.QuietProbabilityMultiplier == 0 {
		c.Frequency.QuietProbabilityMultiplier = 0.3
	}

	if c.Typo.ErrorRate == 0 {
		c.Typo.ErrorRate = 0.03
	}
	if c.Typo.WordReplaceRate == 0 {
		c.Typo.WordReplaceRate = 0.10
	}

	if c.Emoji.EmojiDir == "" {
		c.Emoji.EmojiDir = filepath.Join(c.DataDir, "emojis")
	}
	if c.Emoji.SendProbability == 0 {
		c.Emoji.SendProbability = 0.2
	}

	if c.Expression.MaxExpressions == 0 {
		c.Expression.MaxExpressions = 100
	}
	if c.Expression.SampleSize == 0 {
		c.Expression.SampleSize = 8
	}
}

// Validate checks that the configuration is internally consistent.
// Runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range (0-2)", c.Temperature)
	}
	if c.MaxIterations < -1 {
		return fmt.Errorf("max_iterations %d invalid (-1 = unbounded)", c.MaxIterations)
	}
	for name, p := range map[string]float64{
		"personality.state_probability":    c.Personality.StateProbability,
		"reply_style.multiple_probability": c.ReplyStyle.MultipleProbability,
		"frequency.speak_probability":      c.Frequency.SpeakProbability,
		"typo.error_rate":                  c.Typo.ErrorRate,
		"typo.word_replace_rate":           c.Typo.WordReplaceRate,
		"emoji.send_probability":           c.Emoji.SendProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s %v out of range (0-1)", name, p)
		}
	}
	if c.Frequency.QuietHoursStart < 0 || c.Frequency.QuietHoursStart > 23 {
		return fmt.Errorf("frequency.quiet_hours_start %d out of range (0-23)", c.Frequency.QuietHoursStart)
	}
	if c.Frequency.QuietHoursEnd < 0 || c.Frequency.QuietHoursEnd > 23 {
		return fmt.Errorf("frequency.quiet_hours_end %d out of range (0-23)", c.Frequency.QuietHoursEnd)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Nicknames: []string{"mioku"},
		Planner:   PlannerConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}
