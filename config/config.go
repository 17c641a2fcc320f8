package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/orderguard/guard"
	"github.com/rustyeddy/orderguard/intent"
	"github.com/rustyeddy/orderguard/internal/logging"
	"github.com/rustyeddy/orderguard/market"
	"github.com/rustyeddy/orderguard/pkg/retry"
)

// EnvDiscordWebhook overrides notify.discord_webhook when set.
const EnvDiscordWebhook = "ORDERGUARD_DISCORD_WEBHOOK"

// Config is the complete engine configuration.
type Config struct {
	State      StateConfig                             `json:"state" yaml:"state"`
	Journal    JournalConfig                           `json:"journal" yaml:"journal"`
	Logging    logging.Config                          `json:"logging" yaml:"logging"`
	Execution  ExecutionConfig                         `json:"execution" yaml:"execution"`
	Reconcile  ReconcileConfig                         `json:"reconcile" yaml:"reconcile"`
	Guard      guard.Config                            `json:"guard" yaml:"guard"`
	Engine     EngineConfig                            `json:"engine" yaml:"engine"`
	Notify     NotifyConfig                            `json:"notify" yaml:"notify"`
	API        APIConfig                               `json:"api" yaml:"api"`
	Symbols    []SymbolConfig                          `json:"symbols" yaml:"symbols"`
	Timeframes map[market.Timeframe]intent.RiskParams `json:"timeframes" yaml:"timeframes"`
}

// StateConfig selects where symbol snapshots live.
type StateConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "file" or "sqlite"
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty"`
	DBPath  string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // "sqlite", "csv" or "none"
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
}

// ExecutionConfig is the retry policy for every gateway call.
type ExecutionConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	Jitter      float64       `json:"jitter" yaml:"jitter"`
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

func (e ExecutionConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: e.MaxAttempts,
		BaseDelay:   e.BaseDelay,
		MaxDelay:    e.MaxDelay,
		Multiplier:  e.Multiplier,
		Jitter:      e.Jitter,
	}
}

type ReconcileConfig struct {
	Interval   time.Duration `json:"interval" yaml:"interval"`
	Grace      time.Duration `json:"grace" yaml:"grace"`
	Retention  time.Duration `json:"retention" yaml:"retention"`
	ArchiveDir string        `json:"archive_dir,omitempty" yaml:"archive_dir,omitempty"`
}

type EngineConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type NotifyConfig struct {
	DiscordWebhook string `json:"discord_webhook,omitempty" yaml:"discord_webhook,omitempty"`
	// Websocket broadcasts events on the API's /ws endpoint.
	Websocket bool `json:"websocket" yaml:"websocket"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// SymbolConfig is one traded contract and the size its signals open.
type SymbolConfig struct {
	Symbol   string  `json:"symbol" yaml:"symbol"`
	TickSize float64 `json:"tick_size" yaml:"tick_size"`
	StepSize float64 `json:"step_size" yaml:"step_size"`
	MinQty   float64 `json:"min_qty,omitempty" yaml:"min_qty,omitempty"`
	Quantity float64 `json:"quantity" yaml:"quantity"`
}

func (s SymbolConfig) Rules() market.SymbolRules {
	return market.SymbolRules{Name: s.Symbol, TickSize: s.TickSize, StepSize: s.StepSize, MinQty: s.MinQty}
}

// LoadFromFile loads configuration from a file (YAML, or JSON as a fallback),
// applies environment overrides and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = &Config{}
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDiscordWebhook); v != "" {
		c.Notify.DiscordWebhook = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "file":
		if c.State.Dir == "" {
			return fmt.Errorf("state.dir is required for the file backend")
		}
	case "sqlite":
		if c.State.DBPath == "" {
			return fmt.Errorf("state.db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("state.backend must be 'file' or 'sqlite'")
	}

	switch c.Journal.Type {
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	case "csv":
		if c.Journal.TradesFile == "" {
			return fmt.Errorf("journal trades_file required for CSV type")
		}
	case "none":
	default:
		return fmt.Errorf("journal.type must be 'sqlite', 'csv' or 'none'")
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	e := c.Execution
	if e.MaxAttempts < 1 || e.MaxAttempts > 10 {
		return fmt.Errorf("execution.max_attempts must be between 1 and 10")
	}
	if e.BaseDelay <= 0 || e.MaxDelay < e.BaseDelay {
		return fmt.Errorf("execution delays must be positive with max_delay >= base_delay")
	}
	if e.Multiplier < 1 {
		return fmt.Errorf("execution.multiplier must be at least 1")
	}
	if e.Jitter < 0 || e.Jitter > 1 {
		return fmt.Errorf("execution.jitter must be between 0 and 1")
	}
	if e.CallTimeout < 0 {
		return fmt.Errorf("execution.call_timeout must not be negative")
	}

	r := c.Reconcile
	if r.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if r.Grace < 0 {
		return fmt.Errorf("reconcile.grace must not be negative")
	}
	if r.Retention <= 0 {
		return fmt.Errorf("reconcile.retention must be positive")
	}

	if err := c.Guard.Validate(); err != nil {
		return err
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if err := s.Rules().Validate(); err != nil {
			return fmt.Errorf("symbols: %w", err)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("symbols: %s listed twice", s.Symbol)
		}
		seen[s.Symbol] = true
		if s.Quantity <= 0 {
			return fmt.Errorf("symbols: %s quantity must be positive", s.Symbol)
		}
		if q := s.Rules().RoundQty(s.Quantity); q <= 0 || q < s.MinQty {
			return fmt.Errorf("symbols: %s quantity %v is below one step", s.Symbol, s.Quantity)
		}
	}

	if len(c.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required")
	}
	for tf, rp := range c.Timeframes {
		if !tf.Valid() {
			return fmt.Errorf("timeframes: unknown timeframe %q", tf)
		}
		if err := rp.Validate(); err != nil {
			return fmt.Errorf("timeframes.%s: %w", tf, err)
		}
	}
	return nil
}

// Register makes the configured symbol rules visible to market.Lookup.
// Call it once at startup, before anything trades.
func (c *Config) Register() {
	for _, s := range c.Symbols {
		market.Register(s.Rules())
	}
}

func (c *Config) Symbol(name string) (SymbolConfig, bool) {
	for _, s := range c.Symbols {
		if s.Symbol == name {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

// SymbolNames returns the configured symbols, sorted.
func (c *Config) SymbolNames() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, s.Symbol)
	}
	sort.Strings(out)
	return out
}

// Complete fills what a bare strategy signal leaves out: the symbol's
// configured quantity and the timeframe's risk parameters.
func (c *Config) Complete(sig intent.Signal) (intent.Signal, error) {
	if sig.Quantity == 0 {
		s, ok := c.Symbol(sig.Symbol)
		if !ok {
			return sig, fmt.Errorf("%w: symbol %s is not configured", intent.ErrInvalidSignal, sig.Symbol)
		}
		sig.Quantity = s.Quantity
	}
	if sig.Risk.IsZero() {
		rp, ok := c.Timeframes[sig.Timeframe]
		if !ok {
			return sig, fmt.Errorf("%w: no risk parameters for timeframe %s", intent.ErrInvalidSignal, sig.Timeframe)
		}
		sig.Risk = rp
	}
	return sig, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	rp := intent.DefaultRiskParams()
	slow := rp
	slow.SLPct, slow.TPPct = 0.02, 0.03
	slow.BreakEvenPct, slow.TrailingActivationPct, slow.TrailingDistancePct = 0.005, 0.008, 0.003
	slow.PartialExitPct, slow.PartialExitTriggerPct = 0.5, 0.012

	p := retry.Default()
	return &Config{
		State: StateConfig{
			Backend: "file",
			Dir:     "./state",
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./orderguard.sqlite",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Execution: ExecutionConfig{
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   p.BaseDelay,
			MaxDelay:    p.MaxDelay,
			Multiplier:  p.Multiplier,
			Jitter:      p.Jitter,
			CallTimeout: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:  time.Minute,
			Grace:     30 * time.Second,
			Retention: 24 * time.Hour,
		},
		Guard: guard.DefaultConfig(),
		Engine: EngineConfig{
			PollInterval: 2 * time.Second,
		},
		Notify: NotifyConfig{
			Websocket: true,
		},
		API: APIConfig{
			Addr: "127.0.0.1:8089",
		},
		Symbols: []SymbolConfig{
			{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, Quantity: 0.01},
			{Symbol: "ETHUSDT", TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, Quantity: 0.1},
		},
		Timeframes: map[market.Timeframe]intent.RiskParams{
			"5m":  rp,
			"15m": rp,
			"1h":  slow,
			"4h":  slow,
		},
	}
}
