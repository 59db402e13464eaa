package logarchive

import (
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. LOGARCHIVE_ARCHIVE_DIRECTORY.
const EnvPrefix = "LOGARCHIVE"

// Config is the logarchive configuration file.
type Config struct {
	Archive    ArchiveConfig    `mapstructure:"archive" toml:"archive"`
	Staging    StagingConfig    `mapstructure:"staging" toml:"staging"`
	Retention  RetentionConfig  `mapstructure:"retention" toml:"retention"`
	Signer     SignerConfig     `mapstructure:"signer" toml:"signer"`
	Encryption EncryptionConfig `mapstructure:"encryption" toml:"encryption"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
}

// ArchiveConfig controls batching and where archives are written.
type ArchiveConfig struct {
	HashAlgorithm string `mapstructure:"hash_algorithm" toml:"hash_algorithm"`
	Directory     string `mapstructure:"directory" toml:"directory"`
	MaxRecords    int    `mapstructure:"max_records" toml:"max_records"`
	Extension     string `mapstructure:"extension" toml:"extension"`
	Concurrency   int    `mapstructure:"concurrency" toml:"concurrency"`
}

// StagingConfig locates the staging database.
type StagingConfig struct {
	DSN string `mapstructure:"dsn" toml:"dsn"`
}

// RetentionConfig controls deletion of archived records from staging.
type RetentionConfig struct {
	KeepDays  int `mapstructure:"keep_days" toml:"keep_days"`
	BatchSize int `mapstructure:"batch_size" toml:"batch_size"`
}

// SignerConfig locates the signing key and the optional time-stamp authority.
type SignerConfig struct {
	KeyFile           string `mapstructure:"key_file" toml:"key_file"`
	TSAURL            string `mapstructure:"tsa_url" toml:"tsa_url"`
	TSATimeoutSeconds int    `mapstructure:"tsa_timeout_seconds" toml:"tsa_timeout_seconds"`
	TSARetries        int    `mapstructure:"tsa_retries" toml:"tsa_retries"`
}

// EncryptionConfig enables the archive envelope.
type EncryptionConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	KeyHex  string `mapstructure:"key_hex" toml:"key_hex"`
}

// LogConfig selects the log format.
type LogConfig struct {
	JSON bool `mapstructure:"json" toml:"json"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("archive.hash_algorithm", SHA512.String())
	v.SetDefault("archive.directory", "archives")
	v.SetDefault("archive.max_records", 10000)
	v.SetDefault("archive.extension", DefaultExtension)
	v.SetDefault("archive.concurrency", 4)

	v.SetDefault("staging.dsn", "staging.db")

	v.SetDefault("retention.keep_days", 30)
	v.SetDefault("retention.batch_size", 1000)

	v.SetDefault("signer.key_file", "signing.pem")
	v.SetDefault("signer.tsa_url", "")
	v.SetDefault("signer.tsa_timeout_seconds", 10)
	v.SetDefault("signer.tsa_retries", 3)

	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.key_hex", "")

	v.SetDefault("log.json", false)
}

// NewViper returns a viper instance with defaults and environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadConfig reads path (TOML) over the defaults. An empty path uses the
// defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if _, err := c.Algorithm(); err != nil {
		return errors.Wrap(err, "archive.hash_algorithm")
	}
	if c.Archive.MaxRecords < 1 {
		return errors.Newf("archive.max_records must be positive, got %d", c.Archive.MaxRecords)
	}
	if c.Archive.Concurrency < 1 {
		return errors.Newf("archive.concurrency must be positive, got %d", c.Archive.Concurrency)
	}
	if err := (Namer{Extension: c.Archive.Extension}).Validate(); err != nil {
		return errors.Wrap(err, "archive.extension")
	}
	if c.Retention.BatchSize < 1 {
		return errors.Newf("retention.batch_size must be positive, got %d", c.Retention.BatchSize)
	}
	if c.Encryption.Enabled {
		if _, err := c.EncryptionKey(); err != nil {
			return err
		}
	}
	return nil
}

// Algorithm returns the configured chain algorithm.
func (c *Config) Algorithm() (Algorithm, error) {
	return ParseAlgorithm(c.Archive.HashAlgorithm)
}

// EncryptionKey decodes encryption.key_hex.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Encryption.KeyHex))
	if err != nil {
		return nil, errors.Wrap(err, "encryption.key_hex")
	}
	if len(key) < 32 {
		return nil, errors.WithHint(errors.Newf("encryption.key_hex decodes to %d bytes, need 32", len(key)),
			"set LOGARCHIVE_ENCRYPTION_KEY_HEX to 64 hex characters")
	}
	return key, nil
}

// Envelope returns the configured Encrypter, or nil when encryption is off.
func (c *Config) Envelope() (Encrypter, error) {
	if !c.Encryption.Enabled {
		return nil, nil
	}
	key, err := c.EncryptionKey()
	if err != nil {
		return nil, err
	}
	return NewEnvelope(key)
}

// RetentionCutoff returns the time before which archived records may be purged.
func (c *Config) RetentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.Retention.KeepDays)
}

// WriteDefaultConfig writes the default configuration as TOML to path.
// It refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	var cfg Config
	if err := NewViper().Unmarshal(&cfg); err != nil {
		return errors.Wrap(err, "unmarshal defaults")
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Wrapf(err, "create config file %s", path)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "write config file %s", path)
	}
	return errors.Wrapf(f.Close(), "close config file %s", path)
}
