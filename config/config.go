package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the topupd service configuration. Addresses are 0x-prefixed
// hex; percentages are whole percent points that the loader scales to the
// engine's fixed-point denominator.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	JournalPath   string `toml:"JournalPath"`
	ServiceName   string `toml:"ServiceName"`
	Environment   string `toml:"Environment"`
	LogLevel      string `toml:"LogLevel"`
	EngineName    string `toml:"EngineName"`

	Genesis   GenesisConfig   `toml:"Genesis"`
	Stable    StableConfig    `toml:"Stable"`
	RateLimit RateLimitConfig `toml:"RateLimit"`
}

// RateLimitConfig bounds the public API per client. A zero RatePerSecond
// leaves the API unthrottled.
type RateLimitConfig struct {
	RatePerSecond float64 `toml:"RatePerSecond"`
	Burst         int     `toml:"Burst"`
}

// GenesisConfig seeds a settlement engine on first boot. It is ignored once
// the engine instance has been initialised in state.
type GenesisConfig struct {
	AdminAddress    string `toml:"AdminAddress"`
	CurrencyToken   string `toml:"CurrencyToken"`
	TreasuryAddress string `toml:"TreasuryAddress"`
	PartnerAddress  string `toml:"PartnerAddress"`
	PlatformAddress string `toml:"PlatformAddress"`
	TreasuryPercent int64  `toml:"TreasuryPercent"`
	PartnerPercent  int64  `toml:"PartnerPercent"`
	PlatformPercent int64  `toml:"PlatformPercent"`
}

// StableConfig seeds the wrapped stable asset the intermediary converts
// through. Fees are basis points of FeeDenominator/10000, i.e. 100 == 1%.
type StableConfig struct {
	Enabled         bool   `toml:"Enabled"`
	TokenAddress    string `toml:"TokenAddress"`
	UnderlyingToken string `toml:"UnderlyingToken"`
	Symbol          string `toml:"Symbol"`
	Name            string `toml:"Name"`
	Decimals        uint8  `toml:"Decimals"`
	DepositFeeBps   int64  `toml:"DepositFeeBps"`
	WithdrawFeeBps  int64  `toml:"WithdrawFeeBps"`
}

// Load loads the configuration from the given path, writing a commented
// default file when none exists yet.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./topupd-data"
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "journal.db")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "topupd"
	}
	if strings.TrimSpace(cfg.EngineName) == "" {
		cfg.EngineName = "main"
	}
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

// ParseAddress decodes a 0x-prefixed 20-byte hex address. An empty string
// decodes to the zero address so optional fields stay optional.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return addr, nil
	}
	raw = strings.TrimPrefix(raw, "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return addr, fmt.Errorf("config: invalid address %q: %w", raw, err)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("config: address %q must be 20 bytes, got %d", raw, len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

// percentPoint is the fixed-point value of one whole percent (1e8) on the
// engine's 1e10 denominator.
var percentPoint = big.NewInt(100_000_000)

// ScalePercent converts whole percent points into denominator units.
func ScalePercent(points int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(points), percentPoint)
}

// feeBpsUnit is the fixed-point value of one basis point (1e6) on the wrap
// fee's 1e10 denominator.
var feeBpsUnit = big.NewInt(1_000_000)

// ScaleFeeBps converts basis points into wrap-fee denominator units.
func ScaleFeeBps(bps int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(bps), feeBpsUnit)
}
