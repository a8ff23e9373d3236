// Package config provides functionality for managing configuration options
// for the application using command-line flags, a JSON config file and
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kirill-eremin-production/my-passwords/internal/encstore"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// EnvProduction turns on the production posture: weak keys are fatal,
// cookies are Secure and only the production origin is accepted.
const EnvProduction = "production"

// Duration is a time.Duration written as "90s" or "1h" in the config file
// and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Options holds the configuration values for the application.
type Options struct {
	// Address is the server's listening address (ip:port).
	Address string `json:"address" env:"SERVER_ADDRESS"`
	// Environment is "production" or anything else for development.
	Environment string `json:"environment" env:"APP_ENV"`
	LogLevel    string `json:"log_level" env:"LOG_LEVEL"`

	StoreBackend string `json:"store_backend" env:"STORE_BACKEND"`
	StoreDir     string `json:"store_dir" env:"STORE_DIR"`
	// DatabaseDSN holds the database connection string for the postgres backend.
	DatabaseDSN string `json:"database_dsn" env:"DATABASE_DSN"`
	// EncryptionKey is the secret every record key is derived from.
	EncryptionKey   string   `json:"-" env:"FILE_ENCRYPTION_KEY"`
	KDFIterations   int      `json:"kdf_iterations" env:"KDF_ITERATIONS"`
	BackupRetention Duration `json:"backup_retention" env:"BACKUP_RETENTION"`

	RPID                    string `json:"webauthn_rp_id" env:"WEBAUTHN_RP_ID"`
	RPName                  string `json:"webauthn_rp_name" env:"WEBAUTHN_RP_NAME"`
	ProductionOrigin        string `json:"production_origin" env:"PRODUCTION_ORIGIN"`
	DevOrigin               string `json:"dev_origin" env:"DEV_ORIGIN"`
	RequireUserVerification bool   `json:"webauthn_require_uv" env:"WEBAUTHN_REQUIRE_UV"`

	TelegramToken  string `json:"-" env:"TELEGRAM_BOT_SECRET"`
	TelegramChatID string `json:"telegram_user_id" env:"TELEGRAM_USER_ID"`
	TelegramBackup bool   `json:"enable_telegram_backup" env:"ENABLE_TELEGRAM_BACKUP"`
	// RevealCodes logs login codes when Telegram is not configured.
	RevealCodes bool `json:"reveal_codes" env:"REVEAL_CODES"`

	// CodeAttempts caps code requests and submissions per client IP per
	// 15 minutes; BiometricAttempts caps assertions per client IP per minute.
	CodeAttempts      int `json:"code_attempts" env:"CODE_ATTEMPTS"`
	BiometricAttempts int `json:"biometric_attempts" env:"BIOMETRIC_ATTEMPTS"`

	SessionTTL    Duration `json:"session_ttl" env:"SESSION_TTL"`
	ChallengeTTL  Duration `json:"challenge_ttl" env:"CHALLENGE_TTL"`
	SweepInterval Duration `json:"sweep_interval" env:"SWEEP_INTERVAL"`

	// Config is the path to the config file.
	Config string `json:"-" env:"CONFIG"`
}

func defaults() *Options {
	return &Options{
		Address:                 "localhost:8080",
		Environment:             "development",
		LogLevel:                "info",
		StoreBackend:            BackendFile,
		StoreDir:                "store",
		EncryptionKey:           encstore.PlaceholderKey,
		KDFIterations:           encstore.MinIterations,
		BackupRetention:         Duration(30 * 24 * time.Hour),
		RPID:                    "localhost",
		RPName:                  "my-passwords",
		DevOrigin:               "http://localhost:3000",
		RequireUserVerification: true,
		CodeAttempts:            5,
		BiometricAttempts:       10,
		SessionTTL:              Duration(time.Hour),
		ChallengeTTL:            Duration(5 * time.Minute),
		SweepInterval:           Duration(time.Minute),
		Config:                  "config.json",
	}
}

// Parse parses the command-line flags, the config file and environment
// variables. It exits the process on invalid input.
func Parse() *Options {
	options, err := ParseArgs(os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return options
}

// ParseArgs resolves options from args, then the JSON config file, then the
// environment, each layer overriding the previous one.
func ParseArgs(args []string, lookupEnv func(string) (string, bool)) (*Options, error) {
	options := defaults()

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&options.Address, "a", options.Address, "run on ip:port server")
	fs.StringVar(&options.StoreBackend, "store", options.StoreBackend, "storage backend: file, postgres or memory")
	fs.StringVar(&options.StoreDir, "dir", options.StoreDir, "directory for the file backend")
	fs.StringVar(&options.DatabaseDSN, "d", options.DatabaseDSN, "db address")
	fs.StringVar(&options.LogLevel, "log-level", options.LogLevel, "log level")
	fs.StringVar(&options.Environment, "env", options.Environment, "environment (production enables strict checks)")
	fs.DurationVar((*time.Duration)(&options.SessionTTL), "session-ttl", time.Duration(options.SessionTTL), "idle session lifetime")
	fs.StringVar(&options.Config, "config", options.Config, "path to config file")
	fs.StringVar(&options.Config, "c", options.Config, "path to config file (shorthand)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath, ok := lookupEnv("CONFIG"); ok && configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if _, err := os.Stat(options.Config); err == nil {
			data, err := os.ReadFile(options.Config)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := json.Unmarshal(data, options); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	environ := map[string]string{}
	for _, key := range envKeys {
		if v, ok := lookupEnv(key); ok {
			environ[key] = v
		}
	}
	if err := env.ParseWithOptions(options, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return options, options.Validate()
}

var envKeys = []string{
	"SERVER_ADDRESS", "APP_ENV", "LOG_LEVEL",
	"STORE_BACKEND", "STORE_DIR", "DATABASE_DSN", "FILE_ENCRYPTION_KEY", "KDF_ITERATIONS", "BACKUP_RETENTION",
	"WEBAUTHN_RP_ID", "WEBAUTHN_RP_NAME", "PRODUCTION_ORIGIN", "DEV_ORIGIN", "WEBAUTHN_REQUIRE_UV",
	"TELEGRAM_BOT_SECRET", "TELEGRAM_USER_ID", "ENABLE_TELEGRAM_BACKUP", "REVEAL_CODES",
	"CODE_ATTEMPTS", "BIOMETRIC_ATTEMPTS",
	"SESSION_TTL", "CHALLENGE_TTL", "SWEEP_INTERVAL", "CONFIG",
}

// IsProduction reports whether the production posture is on.
func (o *Options) IsProduction() bool {
	return o.Environment == EnvProduction
}

// ExpectedOrigins returns the origins WebAuthn client data may carry.
func (o *Options) ExpectedOrigins() []string {
	if o.IsProduction() {
		return []string{o.ProductionOrigin}
	}
	return []string{o.DevOrigin}
}

// TelegramEnabled reports whether both bot credentials are set.
func (o *Options) TelegramEnabled() bool {
	return o.TelegramToken != "" && o.TelegramChatID != ""
}

// KeyProblem returns encstore.ErrWeakKey when the encryption key is the
// placeholder or too short, nil otherwise.
func (o *Options) KeyProblem() error {
	return encstore.CheckKey(o.EncryptionKey)
}

// Validate checks option consistency. Key strength is reported separately
// by KeyProblem.
func (o *Options) Validate() error {
	var errs []error
	switch o.StoreBackend {
	case BackendFile:
		if o.StoreDir == "" {
			errs = append(errs, errors.New("store dir is required for the file backend"))
		}
	case BackendPostgres:
		if o.DatabaseDSN == "" {
			errs = append(errs, errors.New("DATABASE_DSN is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", o.StoreBackend))
	}
	if o.KDFIterations < encstore.MinIterations {
		errs = append(errs, fmt.Errorf("KDF_ITERATIONS must be at least %d", encstore.MinIterations))
	}
	if o.SessionTTL <= 0 || o.ChallengeTTL <= 0 || o.SweepInterval <= 0 {
		errs = append(errs, errors.New("ttl and interval settings must be positive"))
	}
	if o.CodeAttempts <= 0 || o.BiometricAttempts <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if o.RPID == "" {
		errs = append(errs, errors.New("WEBAUTHN_RP_ID is required"))
	}
	if o.IsProduction() && o.ProductionOrigin == "" {
		errs = append(errs, errors.New("PRODUCTION_ORIGIN is required in production"))
	}
	if !o.IsProduction() && o.DevOrigin == "" {
		errs = append(errs, errors.New("DEV_ORIGIN is required outside production"))
	}
	if (o.TelegramToken == "") != (o.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_SECRET and TELEGRAM_USER_ID must be set together"))
	}
	return errors.Join(errs...)
}
