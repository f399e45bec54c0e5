package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"cryptofiat/native/peg"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for pegd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	DatabasePath  string          `yaml:"database" toml:"database"`
	Engine        EngineConfig    `yaml:"engine" toml:"engine"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	Investors     InvestorConfig  `yaml:"investors" toml:"investors"`
	Policy        PolicyConfig    `yaml:"policy" toml:"policy"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// EngineConfig seeds the issuance engine.
type EngineConfig struct {
	Administrator   string           `yaml:"administrator" toml:"administrator"`
	NativeDecimals  *uint8           `yaml:"native_decimals" toml:"native_decimals"`
	Rates           map[string]int64 `yaml:"rates" toml:"rates"`
	BufferFeeBps    *uint64          `yaml:"buffer_fee_bps" toml:"buffer_fee_bps"`
	DividendFeeBps  *uint64          `yaml:"dividend_fee_bps" toml:"dividend_fee_bps"`
	RebalancePolicy string           `yaml:"rebalance_policy" toml:"rebalance_policy"`
}

// AdminConfig controls authentication of the admin surface.
type AdminConfig struct {
	BearerToken string         `yaml:"bearer_token" toml:"bearer_token"`
	TLS         AdminTLSConfig `yaml:"tls" toml:"tls"`
	MTLS        MTLSConfig     `yaml:"mtls" toml:"mtls"`
}

// AdminTLSConfig points at the server certificate.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// MTLSConfig enables client certificate authentication.
type MTLSConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	ClientCAPath    string   `yaml:"client_ca" toml:"client_ca"`
	AllowedSubjects []string `yaml:"allowed_subjects" toml:"allowed_subjects"`
}

// InvestorConfig controls JWT verification for order endpoints.
type InvestorConfig struct {
	JWTSecretEnv string   `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	Issuer       string   `yaml:"issuer" toml:"issuer"`
	Audience     string   `yaml:"audience" toml:"audience"`
	ClockSkew    Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// PolicyConfig bounds per-investor volume over a sliding window. Limits are
// decimal base-unit strings; empty disables the limit.
type PolicyConfig struct {
	ID        string   `yaml:"id" toml:"id"`
	BuyLimit  string   `yaml:"buy_limit" toml:"buy_limit"`
	SellLimit string   `yaml:"sell_limit" toml:"sell_limit"`
	Window    Duration `yaml:"window" toml:"window"`
}

// RateLimitConfig configures the per-investor token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Option customises configuration loading.
type Option func(*loadOptions)

type loadOptions struct {
	allowInsecureBearerWithoutTLS bool
}

// WithAllowInsecureBearerWithoutTLS permits a bearer token on a plaintext listener.
func WithAllowInsecureBearerWithoutTLS() Option {
	return func(o *loadOptions) { o.allowInsecureBearerWithoutTLS = true }
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string, opts ...Option) (Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&lo)
		}
	}
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(lo.allowInsecureBearerWithoutTLS); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/pegd.sqlite"
	}
	if cfg.Engine.NativeDecimals == nil {
		decimals := peg.DefaultNativeDecimals
		cfg.Engine.NativeDecimals = &decimals
	}
	if cfg.Engine.BufferFeeBps == nil {
		fee := peg.DefaultBufferFeeBps
		cfg.Engine.BufferFeeBps = &fee
	}
	if cfg.Engine.DividendFeeBps == nil {
		fee := peg.DefaultDividendFeeBps
		cfg.Engine.DividendFeeBps = &fee
	}
	if cfg.Engine.RebalancePolicy == "" {
		cfg.Engine.RebalancePolicy = peg.PolicyBackingDelta
	}
	if cfg.Investors.JWTSecretEnv == "" {
		cfg.Investors.JWTSecretEnv = "PEGD_JWT_SECRET"
	}
	if cfg.Investors.ClockSkew.Duration == 0 {
		cfg.Investors.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.Policy.ID == "" {
		cfg.Policy.ID = "default"
	}
	if cfg.Policy.Window.Duration == 0 {
		cfg.Policy.Window.Duration = 24 * time.Hour
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

func (a *AdminConfig) normalise(allowInsecure bool) error {
	a.BearerToken = strings.TrimSpace(a.BearerToken)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	if a.BearerToken == "" && !a.MTLS.Enabled {
		return errors.New("admin authentication requires bearer_token or mtls")
	}
	if a.MTLS.Enabled {
		if a.TLS.Disable {
			return errors.New("admin mtls requires TLS to be enabled")
		}
		if a.MTLS.ClientCAPath == "" {
			return errors.New("mtls.client_ca must be configured when mTLS is enabled")
		}
	}
	if a.BearerToken != "" && a.TLS.Disable && !allowInsecure {
		return errors.New("admin bearer_token requires TLS to be enabled")
	}
	if !a.TLS.Disable && (a.TLS.CertPath == "" || a.TLS.KeyPath == "") {
		return errors.New("admin tls.cert and tls.key must be configured unless tls.disable is set")
	}
	return nil
}

func validate(cfg Config) error {
	if !common.IsHexAddress(cfg.Engine.Administrator) {
		return fmt.Errorf("engine.administrator must be a hex address, got %q", cfg.Engine.Administrator)
	}
	if *cfg.Engine.NativeDecimals > 77 {
		return fmt.Errorf("engine.native_decimals %d exceeds uint256 range", *cfg.Engine.NativeDecimals)
	}
	if *cfg.Engine.BufferFeeBps+*cfg.Engine.DividendFeeBps >= 10_000 {
		return errors.New("engine fees must total less than 10000 bps")
	}
	for raw, rate := range cfg.Engine.Rates {
		if _, err := peg.ParseCurrency(raw); err != nil {
			return fmt.Errorf("engine.rates: %w", err)
		}
		if rate <= 0 {
			return fmt.Errorf("engine.rates.%s must be positive", raw)
		}
	}
	if _, err := peg.PolicyByName(cfg.Engine.RebalancePolicy); err != nil {
		return err
	}
	for name, limit := range map[string]string{"policy.buy_limit": cfg.Policy.BuyLimit, "policy.sell_limit": cfg.Policy.SellLimit} {
		if strings.TrimSpace(limit) == "" {
			continue
		}
		if _, err := uint256.FromDecimal(strings.TrimSpace(limit)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

// AdministratorAddress returns the configured administrator identity.
func (c EngineConfig) AdministratorAddress() common.Address {
	return common.HexToAddress(c.Administrator)
}

// EngineRates converts the configured rates to engine currencies.
func (c EngineConfig) EngineRates() (map[peg.Currency]int64, error) {
	out := make(map[peg.Currency]int64, len(c.Rates))
	for raw, rate := range c.Rates {
		currency, err := peg.ParseCurrency(raw)
		if err != nil {
			return nil, err
		}
		out[currency] = rate
	}
	return out, nil
}

// Limit parses a decimal base-unit limit. Nil means unlimited.
func Limit(raw string) *uint256.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := uint256.FromDecimal(raw)
	if err != nil || parsed.IsZero() {
		return nil
	}
	return parsed
}
