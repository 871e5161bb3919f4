// Package store persists the account→bot bindings as a YAML file.
//
// The whole file is rewritten on every change using atomic replacement
// (write to .tmp, then rename) so a crash mid-save never leaves a partial
// config behind. The account manager loads it on startup to rebuild its
// bots; bots are never auto-started from a load.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"topstepx-engine/internal/bot"
	"topstepx-engine/internal/strategy"
)

// BotRecord is the on-disk form of one bot binding. Durations are Go
// duration strings ("1m", "30s") so the file stays hand-editable. Enabled
// is a pointer so an absent key means enabled, not disabled.
type BotRecord struct {
	AccountID    int64            `yaml:"account_id"`
	Name         string           `yaml:"name,omitempty"`
	Tier         string           `yaml:"tier"`
	AgentType    string           `yaml:"ai_agent_type,omitempty"`
	Stage        string           `yaml:"stage,omitempty"`
	PaperTrading bool             `yaml:"paper_trading,omitempty"`
	Enabled      *bool            `yaml:"enabled,omitempty"`
	Strategies   []strategyRecord `yaml:"strategies"`
	StopTicks    int              `yaml:"stop_ticks,omitempty"`
	TargetTicks  int              `yaml:"target_ticks,omitempty"`
	BarInterval  string           `yaml:"bar_interval,omitempty"`
}

type strategyRecord struct {
	Name   string             `yaml:"name"`
	Symbol string             `yaml:"symbol"`
	Params map[string]float64 `yaml:"params,omitempty"`
}

type botsFile struct {
	Bots []BotRecord `yaml:"bots"`
}

// ToConfig converts a record to a runtime bot config. A bad ai_agent_type
// fails the load; a hand-edited typo must not quietly drop the gate chain.
func (r BotRecord) ToConfig() (bot.Config, error) {
	agent, err := strategy.ParseAgentType(r.AgentType)
	if err != nil {
		return bot.Config{}, fmt.Errorf("account %d: %w", r.AccountID, err)
	}
	cfg := bot.Config{
		AccountID:    r.AccountID,
		Name:         r.Name,
		Tier:         r.Tier,
		AgentType:    agent,
		Stage:        r.Stage,
		PaperTrading: r.PaperTrading,
		Enabled:      r.Enabled == nil || *r.Enabled,
		StopTicks:    r.StopTicks,
		TargetTicks:  r.TargetTicks,
	}
	for _, sr := range r.Strategies {
		cfg.Strategies = append(cfg.Strategies, strategy.Config{
			Name:   sr.Name,
			Symbol: sr.Symbol,
			Params: sr.Params,
		})
	}
	if r.BarInterval != "" {
		d, err := time.ParseDuration(r.BarInterval)
		if err != nil {
			return bot.Config{}, fmt.Errorf("account %d: bad bar_interval %q: %w", r.AccountID, r.BarInterval, err)
		}
		cfg.BarInterval = d
	}
	return cfg, nil
}

// RecordFrom converts a runtime bot config to its on-disk form.
func RecordFrom(cfg bot.Config) BotRecord {
	enabled := cfg.Enabled
	r := BotRecord{
		AccountID:    cfg.AccountID,
		Name:         cfg.Name,
		Tier:         cfg.Tier,
		AgentType:    string(cfg.AgentType),
		Stage:        cfg.Stage,
		PaperTrading: cfg.PaperTrading,
		Enabled:      &enabled,
		StopTicks:    cfg.StopTicks,
		TargetTicks:  cfg.TargetTicks,
	}
	for _, sc := range cfg.Strategies {
		r.Strategies = append(r.Strategies, strategyRecord{
			Name:   sc.Name,
			Symbol: sc.Symbol,
			Params: sc.Params,
		})
	}
	if cfg.BarInterval > 0 {
		r.BarInterval = cfg.BarInterval.String()
	}
	return r
}

// Store reads and writes the bots file. All operations are mutex-protected
// to prevent concurrent file corruption.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open creates a store backed by the given file path, creating the parent
// directory when needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// Load reads all bot bindings. A missing file is an empty set, not an
// error.
func (s *Store) Load() ([]bot.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bots file: %w", err)
	}

	var f botsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal bots file: %w", err)
	}
	out := make([]bot.Config, 0, len(f.Bots))
	for _, r := range f.Bots {
		cfg, err := r.ToConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Save atomically persists the full set of bot bindings.
func (s *Store) Save(configs []bot.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := botsFile{Bots: make([]BotRecord, 0, len(configs))}
	for _, cfg := range configs {
		f.Bots = append(f.Bots, RecordFrom(cfg))
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal bots file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write bots file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
