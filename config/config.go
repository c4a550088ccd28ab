// Package config loads pipecored settings from the environment, an optional
// .env file and a YAML file of adviser chains.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/advise"
)

// Prefix of every environment variable, e.g. PIPECORE_STORE_DRIVER.
const Prefix = "PIPECORE"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds process settings.
type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	// StoreDSN is a file path for sqlite, a DSN for mysql and a URL for
	// postgres.
	StoreDSN string `envconfig:"STORE_DSN"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	// RedisURL enables the distributed reconciler lock. Without it the lock
	// is process-local.
	RedisURL string `envconfig:"REDIS_URL"`

	DispatchURL     string        `envconfig:"DISPATCH_URL"`
	DispatchToken   string        `envconfig:"DISPATCH_TOKEN"`
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"5s"`

	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	StaleInterruptAfter time.Duration `envconfig:"STALE_INTERRUPT_AFTER" default:"10m"`

	AdviserChainsFile string `envconfig:"ADVISER_CHAINS_FILE"`

	TraceEnabled bool `envconfig:"TRACE_ENABLED" default:"false"`
}

// Load reads envFiles (a missing file is not an error; ".env" when none is
// given) and then the PIPECORE_* environment. Variables already set in the
// environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings and names the offending variable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL, DriverPostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("%s_STORE_DSN is required for store driver %q", Prefix, c.StoreDriver)
		}
	default:
		return fmt.Errorf("%s_STORE_DRIVER: unknown driver %q", Prefix, c.StoreDriver)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%s_LOG_FORMAT: must be text or json, got %q", Prefix, c.LogFormat)
	}

	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("%s_DISPATCH_TIMEOUT must be positive", Prefix)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("%s_RECONCILE_INTERVAL must be positive", Prefix)
	}
	if c.StaleInterruptAfter <= 0 {
		return fmt.Errorf("%s_STALE_INTERRUPT_AFTER must be positive", Prefix)
	}
	return nil
}

// LoadChains reads adviser chains keyed by step type from a YAML file:
//
//	ShellScript:
//	  - type: RETRY
//	    parameters:
//	      retry:
//	        applicableFailureTypes: [CONNECTIVITY, TIMEOUT]
//	        retryCount: 3
//	        waitIntervalList: [2, 5, 10]
//	        repairActionCodeAfterRetry: MANUAL_INTERVENTION
//	default:
//	  - type: MANUAL_INTERVENTION
//	    parameters:
//	      manualIntervention:
//	        applicableFailureTypes: [UNKNOWN]
func LoadChains(path string) (advise.Chains, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading adviser chains: %w", err)
	}
	return ParseChains(data)
}

// ParseChains decodes and validates adviser chains.
func ParseChains(data []byte) (advise.Chains, error) {
	var chains advise.Chains
	if err := yaml.Unmarshal(data, &chains); err != nil {
		return nil, fmt.Errorf("error parsing adviser chains: %w", err)
	}
	for stepType, chain := range chains {
		for i, ob := range chain {
			if err := validateObtainment(ob); err != nil {
				return nil, fmt.Errorf("adviser chain %s[%d]: %w", stepType, i, err)
			}
		}
	}
	return chains, nil
}

func validateObtainment(ob advise.Obtainment) error {
	p := ob.Parameters
	var failureTypes []pipeline.FailureType
	switch ob.Type {
	case advise.TypeRetry:
		if p.Retry == nil {
			return errors.New("retry parameters missing")
		}
		if p.Retry.RetryCount < 0 {
			return errors.New("retryCount must not be negative")
		}
		for _, s := range p.Retry.WaitIntervalList {
			if s < 0 {
				return errors.New("waitIntervalList entries must not be negative")
			}
		}
		failureTypes = p.Retry.ApplicableFailureTypes
	case advise.TypeOnFail:
		if p.OnFail == nil {
			return errors.New("onFail parameters missing")
		}
		failureTypes = p.OnFail.ApplicableFailureTypes
	case advise.TypeIgnore:
		if p.Ignore == nil {
			return errors.New("ignore parameters missing")
		}
		failureTypes = p.Ignore.ApplicableFailureTypes
	case advise.TypeManualIntervention:
		if p.ManualIntervention == nil {
			return errors.New("manualIntervention parameters missing")
		}
		failureTypes = p.ManualIntervention.ApplicableFailureTypes
	case advise.TypeNextStep:
	default:
		return fmt.Errorf("unknown adviser type %q", ob.Type)
	}

	for _, ft := range failureTypes {
		if !ft.Valid() {
			return fmt.Errorf("unknown failure type %q", ft)
		}
	}
	return nil
}
