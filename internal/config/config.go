// Package config loads server and CLI settings from defaults, an optional
// YAML file, a .env file and IRONFOLDERS_* environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/damacus/iron-folders/internal/archive"
	"github.com/damacus/iron-folders/internal/sas"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/damacus/iron-folders/internal/tree"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IRONFOLDERS"

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// SessionKey seals session cookies; must be 32 bytes or sessions are
	// lost on restart.
	SessionKey string `mapstructure:"session_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

type BackendConfig struct {
	Kind string `mapstructure:"kind" validate:"oneof=azure s3 memory"`
	// Container is the default container for the CLI.
	Container string `mapstructure:"container"`
	PageSize  int    `mapstructure:"page_size" validate:"gte=0,lte=5000"`
}

type AzureConfig struct {
	Account          string        `mapstructure:"account"`
	Endpoint         string        `mapstructure:"endpoint" validate:"omitempty,url"`
	APIVersion       string        `mapstructure:"api_version"`
	ChunkSize        int64         `mapstructure:"chunk_size" validate:"omitempty,gte=1048576"`
	CopyPollInterval time.Duration `mapstructure:"copy_poll_interval"`
	MaxRetries       int32         `mapstructure:"max_retries" validate:"gte=-1,lte=10"`
}

type S3Config struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
}

// CredentialConfig is the credential the CLI runs with. The server takes
// credentials from the session instead.
type CredentialConfig struct {
	BearerToken string `mapstructure:"bearer_token"`
	SignedQuery string `mapstructure:"signed_query"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
}

type TreeConfig struct {
	BatchSize      int           `mapstructure:"batch_size" validate:"gte=1"`
	BatchPause     time.Duration `mapstructure:"batch_pause" validate:"gte=0"`
	MaxDescendants int           `mapstructure:"max_descendants" validate:"gte=1"`
}

type ArchiveConfig struct {
	BatchSize int   `mapstructure:"batch_size" validate:"gte=1"`
	MaxBytes  int64 `mapstructure:"max_bytes" validate:"gte=0"`
}

type ShareConfig struct {
	ClockSkew time.Duration `mapstructure:"clock_skew" validate:"gt=0"`
	MaxWindow time.Duration `mapstructure:"max_window" validate:"gte=0,lte=168h"`
}

// Config is the full settings tree.
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Log         LogConfig        `mapstructure:"log"`
	Backend     BackendConfig    `mapstructure:"backend"`
	Azure       AzureConfig      `mapstructure:"azure"`
	S3          S3Config         `mapstructure:"s3"`
	Credentials CredentialConfig `mapstructure:"credentials"`
	Tree        TreeConfig       `mapstructure:"tree"`
	Archive     ArchiveConfig    `mapstructure:"archive"`
	Share       ShareConfig      `mapstructure:"share"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.session_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("backend.kind", string(services.BackendMemory))
	v.SetDefault("backend.container", "")
	v.SetDefault("backend.page_size", services.DefaultPageSize)
	v.SetDefault("azure.account", "")
	v.SetDefault("azure.endpoint", "")
	v.SetDefault("azure.api_version", services.DefaultAzureAPIVersion)
	v.SetDefault("azure.chunk_size", services.ChunkSize)
	v.SetDefault("azure.copy_poll_interval", 500*time.Millisecond)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("credentials.bearer_token", "")
	v.SetDefault("credentials.signed_query", "")
	v.SetDefault("credentials.access_key", "")
	v.SetDefault("credentials.secret_key", "")

	batching := tree.DefaultOptions()
	v.SetDefault("tree.batch_size", batching.BatchSize)
	v.SetDefault("tree.batch_pause", batching.BatchPause)
	v.SetDefault("tree.max_descendants", batching.MaxDescendants)

	arch := archive.DefaultOptions()
	v.SetDefault("archive.batch_size", arch.BatchSize)
	v.SetDefault("archive.max_bytes", arch.MaxBytes)

	v.SetDefault("share.clock_skew", sas.DefaultClockSkew)
	v.SetDefault("share.max_window", sas.MaxKeyWindow)
}

// Options points Load at explicit files. Empty fields fall back to
// ./config.yml and ./.env when they exist.
type Options struct {
	ConfigFile string
	EnvFile    string
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads the configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" && exists(".env") {
		envFile = ".env"
	}
	if envFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	configFile := opts.ConfigFile
	if configFile == "" && exists("config.yml") {
		configFile = "config.yml"
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and backend-specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (got %v)", f.Namespace(), f.Tag(), f.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch services.BackendKind(c.Backend.Kind) {
	case services.BackendAzure:
		if c.Azure.Account == "" && c.Azure.Endpoint == "" {
			return errors.New("invalid config: azure backend needs azure.account or azure.endpoint")
		}
	case services.BackendS3:
		if c.S3.Endpoint == "" {
			return errors.New("invalid config: s3 backend needs s3.endpoint")
		}
	}
	return nil
}

// FactoryConfig converts the backend settings for services.NewStoreFactory.
func (c *Config) FactoryConfig() services.FactoryConfig {
	return services.FactoryConfig{
		Kind: services.BackendKind(c.Backend.Kind),
		Azure: services.AzureConfig{
			Account:          c.Azure.Account,
			Endpoint:         c.Azure.Endpoint,
			APIVersion:       c.Azure.APIVersion,
			ChunkSize:        c.Azure.ChunkSize,
			CopyPollInterval: c.Azure.CopyPollInterval,
			MaxRetries:       c.Azure.MaxRetries,
		},
		S3:       services.S3Config{Endpoint: c.S3.Endpoint, Region: c.S3.Region},
		Share:    sas.Policy{ClockSkew: c.Share.ClockSkew, MaxWindow: c.Share.MaxWindow},
		PageSize: c.Backend.PageSize,
	}
}

// TreeOptions returns the folder-operation batching.
func (c *Config) TreeOptions() tree.Options {
	return tree.Options{
		BatchSize:      c.Tree.BatchSize,
		BatchPause:     c.Tree.BatchPause,
		MaxDescendants: c.Tree.MaxDescendants,
	}
}

// ArchiveOptions returns the download batching.
func (c *Config) ArchiveOptions() archive.Options {
	return archive.Options{BatchSize: c.Archive.BatchSize, MaxBytes: c.Archive.MaxBytes}
}

// Credential returns the configured CLI credential.
func (c *Config) Credential() services.Credential {
	return services.Credential{
		BearerToken: c.Credentials.BearerToken,
		SignedQuery: services.NormalizeSignedQuery(c.Credentials.SignedQuery),
		AccessKey:   c.Credentials.AccessKey,
		SecretKey:   c.Credentials.SecretKey,
	}
}
