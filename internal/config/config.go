// Package config loads node configuration.
//
// A CUE file is unified with the embedded #Config schema, which supplies
// defaults and rejects unknown fields. ERLEDGER_* environment variables
// then override individual settings.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"

	"github.com/roach88/erledger/internal/ir"
	"github.com/roach88/erledger/internal/ledger"
)

//go:embed schema.cue
var schemaSource string

// Breaker configures the relay circuit breaker.
type Breaker struct {
	ConsecutiveFailures uint32        `env:"ERLEDGER_BREAKER_CONSECUTIVE_FAILURES"`
	OpenTimeout         time.Duration `env:"ERLEDGER_BREAKER_OPEN_TIMEOUT"`
}

// Config is the node configuration.
type Config struct {
	Database                 string        `env:"ERLEDGER_DATABASE"`
	RollupDatabase           string        `env:"ERLEDGER_ROLLUP_DATABASE"`
	RelayTimeout             time.Duration `env:"ERLEDGER_RELAY_TIMEOUT"`
	DefaultCommitFrequencyMS uint32        `env:"ERLEDGER_DEFAULT_COMMIT_FREQUENCY_MS"`
	DefaultValidator         string        `env:"ERLEDGER_DEFAULT_VALIDATOR"`
	AllowedValidators        []string      `env:"ERLEDGER_ALLOWED_VALIDATORS" envSeparator:","`
	Cadence                  bool          `env:"ERLEDGER_CADENCE"`
	Breaker                  Breaker

	// Genesis funds the first records of an empty ledger. File only.
	Genesis []ledger.Allocation
}

// file mirrors #Config for decoding.
type file struct {
	Database                 string   `json:"database"`
	RollupDatabase           string   `json:"rollup_database"`
	RelayTimeout             string   `json:"relay_timeout"`
	DefaultCommitFrequencyMS uint32   `json:"default_commit_frequency_ms"`
	DefaultValidator         string   `json:"default_validator"`
	AllowedValidators        []string `json:"allowed_validators"`
	Cadence                  bool     `json:"cadence"`
	Breaker                  struct {
		ConsecutiveFailures uint32 `json:"consecutive_failures"`
		OpenTimeout         string `json:"open_timeout"`
	} `json:"breaker"`
	Genesis []struct {
		Owner   string `json:"owner"`
		Balance uint64 `json:"balance"`
	} `json:"genesis"`
}

// Default returns the schema defaults, without environment overrides.
func Default() Config {
	cfg, err := decode(nil, "")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads the CUE file at path (or only the defaults when path is empty)
// and applies environment overrides from the process environment.
func Load(path string) (Config, error) {
	return LoadEnv(path, nil)
}

// LoadEnv is Load with an explicit environment. A nil environ reads the
// process environment.
func LoadEnv(path string, environ map[string]string) (Config, error) {
	var src []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		src = b
	}

	cfg, err := decode(src, path)
	if err != nil {
		return Config{}, err
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode unifies src with #Config and decodes the result.
func decode(src []byte, name string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	if len(src) > 0 {
		data := ctx.CompileBytes(src, cue.Filename(name))
		if err := data.Err(); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", name, err)
		}
		v = v.Unify(data)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", name, err)
	}

	var f file
	if err := v.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return f.config()
}

func (f file) config() (Config, error) {
	relayTimeout, err := time.ParseDuration(f.RelayTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("relay_timeout: %w", err)
	}
	openTimeout, err := time.ParseDuration(f.Breaker.OpenTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("breaker.open_timeout: %w", err)
	}

	cfg := Config{
		Database:                 f.Database,
		RollupDatabase:           f.RollupDatabase,
		RelayTimeout:             relayTimeout,
		DefaultCommitFrequencyMS: f.DefaultCommitFrequencyMS,
		DefaultValidator:         f.DefaultValidator,
		AllowedValidators:        f.AllowedValidators,
		Cadence:                  f.Cadence,
		Breaker: Breaker{
			ConsecutiveFailures: f.Breaker.ConsecutiveFailures,
			OpenTimeout:         openTimeout,
		},
	}
	for _, g := range f.Genesis {
		cfg.Genesis = append(cfg.Genesis, ledger.Allocation{
			Owner:   ir.Identity(g.Owner),
			Balance: g.Balance,
		})
	}
	return cfg, nil
}

// Validate checks constraints that environment overrides can break.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is empty"))
	}
	if c.RollupDatabase == "" {
		errs = append(errs, errors.New("rollup_database is empty"))
	}
	if c.Database == c.RollupDatabase && c.Database != ":memory:" {
		errs = append(errs, fmt.Errorf("database and rollup_database are both %q", c.Database))
	}
	if c.RelayTimeout <= 0 {
		errs = append(errs, errors.New("relay_timeout must be positive"))
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		errs = append(errs, errors.New("breaker.consecutive_failures must be at least 1"))
	}
	if c.Breaker.OpenTimeout <= 0 {
		errs = append(errs, errors.New("breaker.open_timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Validators returns AllowedValidators as identities.
func (c Config) Validators() []ir.Identity {
	out := make([]ir.Identity, 0, len(c.AllowedValidators))
	for _, v := range c.AllowedValidators {
		out = append(out, ir.Identity(v))
	}
	return out
}
