package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use "30s" style values.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	AuditDBPath   string `toml:"AuditDBPath"`
	Environment   string `toml:"Environment"`

	Ledger   LedgerConfig   `toml:"Ledger"`
	Signing  SigningConfig  `toml:"Signing"`
	Dispense DispenseConfig `toml:"Dispense"`
	Recon    ReconConfig    `toml:"Recon"`
	Fraud    FraudConfig    `toml:"Fraud"`
	OTP      OTPConfig      `toml:"OTP"`
	Nonce    NonceConfig    `toml:"Nonce"`
	Snapshot SnapshotConfig `toml:"Snapshot"`
}

// LedgerConfig tunes the external consensus gateway client.
type LedgerConfig struct {
	RPCURL           string   `toml:"RPCURL"`
	RequestTimeout   Duration `toml:"RequestTimeout"`
	MaxAttempts      int      `toml:"MaxAttempts"`
	MinBackoff       Duration `toml:"MinBackoff"`
	MaxBackoff       Duration `toml:"MaxBackoff"`
	SubmitsPerSecond float64  `toml:"SubmitsPerSecond"`
}

// SignaturePolicy selects fail-open or fail-closed handling of signature
// verification failures.
type SignaturePolicy string

const (
	// PolicyStrict rejects events whose signature does not verify.
	PolicyStrict SignaturePolicy = "strict"
	// PolicyPermissive logs and records the failure but lets the event
	// through. Intended for migration windows only.
	PolicyPermissive SignaturePolicy = "permissive"
)

// SigningConfig controls key derivation and verification policy. The master
// seed itself is read from the environment, never from the config file.
type SigningConfig struct {
	MasterSeedEnv string          `toml:"MasterSeedEnv"`
	Policy        SignaturePolicy `toml:"Policy"`
}

// MasterSeed resolves the master seed from the configured environment
// variable.
func (s SigningConfig) MasterSeed() ([]byte, error) {
	name := s.MasterSeedEnv
	if name == "" {
		name = "RXLEDGER_MASTER_SEED"
	}
	seed := os.Getenv(name)
	if seed == "" {
		return nil, fmt.Errorf("config: master seed environment variable %s is empty", name)
	}
	return []byte(seed), nil
}

// DispenseConfig tunes the per-channel dispense lock.
type DispenseConfig struct {
	LockTTL Duration `toml:"LockTTL"`
}

// ReconConfig tunes the background reconciliation loop.
type ReconConfig struct {
	Interval Duration `toml:"Interval"`
}

// FraudConfig tunes the geospatial plausibility check.
type FraudConfig struct {
	ThresholdKm float64 `toml:"ThresholdKm"`
}

// OTPConfig tunes out-of-band confirmation codes.
type OTPConfig struct {
	TTL       Duration `toml:"TTL"`
	SecretEnv string   `toml:"SecretEnv"`
}

// Secret resolves the OTP signing secret from the environment.
func (o OTPConfig) Secret() ([]byte, error) {
	name := o.SecretEnv
	if name == "" {
		name = "RXLEDGER_OTP_SECRET"
	}
	secret := os.Getenv(name)
	if secret == "" {
		return nil, fmt.Errorf("config: otp secret environment variable %s is empty", name)
	}
	return []byte(secret), nil
}

// NonceConfig bounds the consumed-nonce set.
type NonceConfig struct {
	Retention Duration `toml:"Retention"`
}

// SnapshotConfig tunes the best-effort persistence layer.
type SnapshotConfig struct {
	Interval Duration `toml:"Interval"`
}

// Load reads the configuration from path, writing a default file first when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress: ":8546",
		DataDir:       "./rxledger-data",
		AuditDBPath:   "./rxledger-data/audit.db",
		Ledger: LedgerConfig{
			RPCURL:           "http://127.0.0.1:8545",
			RequestTimeout:   Duration{10 * time.Second},
			MaxAttempts:      4,
			MinBackoff:       Duration{500 * time.Millisecond},
			MaxBackoff:       Duration{8 * time.Second},
			SubmitsPerSecond: 20,
		},
		Signing: SigningConfig{
			MasterSeedEnv: "RXLEDGER_MASTER_SEED",
			Policy:        PolicyStrict,
		},
		Dispense: DispenseConfig{LockTTL: Duration{90 * time.Second}},
		Recon:    ReconConfig{Interval: Duration{30 * time.Second}},
		Fraud:    FraudConfig{ThresholdKm: 300},
		OTP:      OTPConfig{TTL: Duration{5 * time.Minute}, SecretEnv: "RXLEDGER_OTP_SECRET"},
		Nonce:    NonceConfig{Retention: Duration{90 * 24 * time.Hour}},
		Snapshot: SnapshotConfig{Interval: Duration{15 * time.Second}},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
