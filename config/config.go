// Package config loads facilitator settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/x402-bch/facilitator/internal/buildinfo"
)

const (
	DefaultPort           = 4345
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultAPIType        = "consumer-api"
	DefaultBchServerURL   = "127.0.0.1:8332"
	DefaultLedgerPath     = "./data/utxo.db"
	DefaultRequestTimeout = 30 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 500 * time.Millisecond
)

// Config holds everything cmd/facilitator needs to wire the service.
type Config struct {
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Env      string `yaml:"env" validate:"oneof=development production test"`
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	Version  string `yaml:"version"`

	// ServerBchAddress receives the UTXOs payers fund and every settlement.
	ServerBchAddress string `yaml:"serverBchAddress" validate:"required,bchaddr"`
	APIType          string `yaml:"apiType" validate:"oneof=consumer-api rest-api"`

	// BchServerURL is the host:port of the node JSON-RPC endpoint.
	BchServerURL  string `yaml:"bchServerUrl" validate:"required"`
	RPCUser       string `yaml:"rpcUser"`
	RPCPass       string `yaml:"rpcPass"`
	RPCDisableTLS bool   `yaml:"rpcDisableTls"`

	LedgerPath       string        `yaml:"ledgerPath" validate:"required"`
	MinConfirmations int           `yaml:"minConfirmations" validate:"min=0"`
	RequestTimeout   time.Duration `yaml:"requestTimeout" validate:"gt=0"`
	RetryAttempts    int           `yaml:"retryAttempts" validate:"min=1"`
	RetryDelay       time.Duration `yaml:"retryDelay" validate:"min=0"`

	// FacilitatorAddress funds payouts. Its balance is checked before every send.
	FacilitatorAddress string `yaml:"facilitatorAddress" validate:"required,bchaddr"`
	WalletAccount      string `yaml:"walletAccount"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Port:           DefaultPort,
		Env:            DefaultEnv,
		LogLevel:       DefaultLogLevel,
		Version:        buildinfo.Version,
		APIType:        DefaultAPIType,
		BchServerURL:   DefaultBchServerURL,
		LedgerPath:     DefaultLedgerPath,
		RequestTimeout: DefaultRequestTimeout,
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelay:     DefaultRetryDelay,
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("bchaddr", validateBchAddress); err != nil {
		panic(err)
	}
}

func validateBchAddress(fl validator.FieldLevel) bool {
	_, err := bchutil.DecodeAddress(fl.Field().String(), &chaincfg.MainNetParams)
	return err == nil
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("PORT", &c.Port)
	str("NODE_ENV", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	str("VERSION", &c.Version)
	str("SERVER_BCH_ADDRESS", &c.ServerBchAddress)
	str("API_TYPE", &c.APIType)
	str("BCH_SERVER_URL", &c.BchServerURL)
	str("RPC_USER", &c.RPCUser)
	str("RPC_PASS", &c.RPCPass)
	str("LEDGER_PATH", &c.LedgerPath)
	num("MIN_CONFIRMATIONS", &c.MinConfirmations)
	dur("REQUEST_TIMEOUT", &c.RequestTimeout)
	num("RETRY_ATTEMPTS", &c.RetryAttempts)
	dur("RETRY_DELAY", &c.RetryDelay)
	str("FACILITATOR_ADDRESS", &c.FacilitatorAddress)
	str("WALLET_ACCOUNT", &c.WalletAccount)

	if v, ok := lookup("RPC_DISABLE_TLS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RPC_DISABLE_TLS: %w", err))
		} else {
			c.RPCDisableTLS = b
		}
	}

	return errors.Join(errs...)
}

// parseDuration accepts Go duration strings or a bare number of milliseconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// IsProduction reports whether Env selects production logging.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
