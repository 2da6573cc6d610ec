// Package config holds the settings of the ballot server. Values come from a
// YAML file, then command-line flags and environment variables override them.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// MinRSABits is the smallest election key size accepted.
const MinRSABits = 2048

// Config is the root configuration of the server.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	StorageDir string          `yaml:"storage_dir"`
	LogLevel   string          `yaml:"log_level"`
	Keys       KeysConfig      `yaml:"keys"`
	Ledger     LedgerConfig    `yaml:"ledger"`
	Voting     VotingConfig    `yaml:"voting"`
	Biometric  BiometricConfig `yaml:"biometric"`
}

// KeysConfig configures the election key manager.
type KeysConfig struct {
	RSABits int `yaml:"rsa_bits"`
	// MasterSecret is hex encoded. It seals the private keys at rest.
	MasterSecret string `yaml:"master_secret"`
}

// LedgerConfig configures the local ledger and the recorder in front of it.
type LedgerConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	SealInterval   time.Duration `yaml:"seal_interval"`
	Difficulty     uint8         `yaml:"difficulty"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SnapshotKeep   int           `yaml:"snapshot_keep"`

	// SnapshotInterval is the period of the chain snapshots taken by the
	// server. Zero disables them.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// VotingConfig configures the ingress service.
type VotingConfig struct {
	ElectionsFile string `yaml:"elections_file"`

	// RequireBiometricPass makes the server consume a biometric pass for every
	// vote. It is on by default. Turning it off leaves the biometric check to
	// the client alone, so a client skipping it can vote for the session user.
	RequireBiometricPass bool `yaml:"require_biometric_pass"`

	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	Workers              int           `yaml:"workers"`
}

// BiometricConfig configures the biometric gate.
type BiometricConfig struct {
	Threshold float64       `yaml:"threshold"`
	Secret    string        `yaml:"secret"`
	PassTTL   time.Duration `yaml:"pass_ttl"`
	Attempts  int           `yaml:"capture_attempts"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8080",
		StorageDir: "evote_data",
		LogLevel:   "info",
		Keys: KeysConfig{
			RSABits: 3072,
		},
		Ledger: LedgerConfig{
			BatchSize:      1,
			SealInterval:   2 * time.Second,
			Difficulty:     1,
			SubmitTimeout:  10 * time.Second,
			ConfirmTimeout: 15 * time.Second,
			PollInterval:   200 * time.Millisecond,
			SnapshotKeep:   5,

			SnapshotInterval: 5 * time.Minute,
		},
		Voting: VotingConfig{
			ElectionsFile:        "elections.json",
			RequireBiometricPass: true,
			ReconcileInterval:    time.Minute,
			StaleAfter:           5 * time.Minute,
			Workers:              2,
		},
		Biometric: BiometricConfig{
			Threshold: 0.6,
			PassTTL:   5 * time.Minute,
			Attempts:  10,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read config: %v", err)
	}

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode config: %v", err)
	}

	return cfg, nil
}

// Validate checks the invariants of the configuration.
func (c *Config) Validate() error {
	if c.Keys.RSABits < MinRSABits {
		return xerrors.Errorf("rsa key size %d below minimum %d", c.Keys.RSABits, MinRSABits)
	}
	if c.Ledger.BatchSize < 1 {
		return xerrors.Errorf("ledger batch size must be positive")
	}
	if c.Ledger.SubmitTimeout <= 0 || c.Ledger.ConfirmTimeout <= 0 {
		return xerrors.Errorf("ledger timeouts must be positive")
	}
	if c.Biometric.Threshold <= 0 {
		return xerrors.Errorf("biometric threshold must be positive")
	}
	if c.Biometric.Attempts < 1 {
		return xerrors.Errorf("capture attempts must be positive")
	}
	if c.Voting.Workers < 1 {
		return xerrors.Errorf("reconcile workers must be positive")
	}

	_, err := c.MasterSecret()
	if err != nil {
		return err
	}
	_, err = c.BiometricSecret()
	if err != nil {
		return err
	}

	return nil
}

// MasterSecret decodes the key sealing secret.
func (c *Config) MasterSecret() ([]byte, error) {
	return decodeSecret("keys.master_secret", c.Keys.MasterSecret)
}

// BiometricSecret decodes the server-held biometric secret.
func (c *Config) BiometricSecret() ([]byte, error) {
	return decodeSecret("biometric.secret", c.Biometric.Secret)
}

// Path returns name resolved inside the storage directory, unless it is
// already absolute.
func (c *Config) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.StorageDir, name)
}

// String returns a representation of the configuration without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Listen:%s Storage:%s RSABits:%d Batch:%d Difficulty:%d "+
		"SubmitTimeout:%s ConfirmTimeout:%s RequirePass:%t Threshold:%.2f}",
		c.ListenAddr, c.StorageDir, c.Keys.RSABits, c.Ledger.BatchSize, c.Ledger.Difficulty,
		c.Ledger.SubmitTimeout, c.Ledger.ConfirmTimeout, c.Voting.RequireBiometricPass,
		c.Biometric.Threshold)
}

func decodeSecret(name, value string) ([]byte, error) {
	secret, err := hex.DecodeString(value)
	if err != nil {
		return nil, xerrors.Errorf("%s is not hex: %v", name, err)
	}
	if len(secret) < 32 {
		return nil, xerrors.Errorf("%s must be at least 32 bytes", name)
	}
	return secret, nil
}
