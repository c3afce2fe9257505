package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run against a fresh ledger.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Genesis funds named identities before the first step.
	Genesis map[string]uint64 `yaml:"genesis,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions check the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation.
type Step struct {
	Op string `yaml:"op"`

	// As names the signing identity.
	As string `yaml:"as,omitempty"`

	// To names the transfer receiver.
	To     string `yaml:"to,omitempty"`
	Amount uint64 `yaml:"amount,omitempty"`

	CommitFrequencyMS uint32 `yaml:"commit_frequency_ms,omitempty"`

	// Validator names the delegation validator.
	Validator string `yaml:"validator,omitempty"`

	// Offline is the relay state set by a relay step.
	Offline *bool `yaml:"offline,omitempty"`

	// Expect is the expected outcome. Empty means Success.
	Expect string `yaml:"expect,omitempty"`
}

// Step ops.
const (
	OpInitialize = "initialize"
	OpDelegate   = "delegate"
	OpTransfer   = "transfer"
	OpUndelegate = "undelegate"
	OpCommit     = "commit"
	OpRelay      = "relay"
	OpRecover    = "recover"
)

// Assertion checks final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Owner names the identity (balance, committed, authority).
	Owner string `yaml:"owner,omitempty"`

	// Value is the expected amount (balance, committed, total_supply).
	Value *uint64 `yaml:"value,omitempty"`

	// Authority is the expected authority, or "none" (authority).
	Authority string `yaml:"authority,omitempty"`

	// Outcome and Count are used by outcome_count.
	Outcome string `yaml:"outcome,omitempty"`
	Count   *int   `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertBalance      = "balance"
	AssertCommitted    = "committed"
	AssertAuthority    = "authority"
	AssertTotalSupply  = "total_supply"
	AssertOutcomeCount = "outcome_count"
)

// AuthorityNone asserts that an identity has no record.
const AuthorityNone = "none"

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must have at least one entry")
	}
	for name := range s.Genesis {
		if name == "" {
			return fmt.Errorf("genesis: empty identity name")
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s Step) error {
	switch s.Op {
	case OpInitialize, OpDelegate, OpUndelegate, OpCommit:
		if s.As == "" {
			return fmt.Errorf("steps[%d]: as is required for %s", i, s.Op)
		}
	case OpTransfer:
		if s.As == "" || s.To == "" {
			return fmt.Errorf("steps[%d]: as and to are required for transfer", i)
		}
	case OpRelay:
		if s.Offline == nil {
			return fmt.Errorf("steps[%d]: offline is required for relay", i)
		}
	case OpRecover:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, s.Op)
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertBalance, AssertCommitted:
		if a.Owner == "" || a.Value == nil {
			return fmt.Errorf("assertions[%d]: owner and value are required for %s", i, a.Type)
		}
	case AssertAuthority:
		if a.Owner == "" || a.Authority == "" {
			return fmt.Errorf("assertions[%d]: owner and authority are required for authority", i)
		}
	case AssertTotalSupply:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for total_supply", i)
		}
	case AssertOutcomeCount:
		if a.Outcome == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: outcome and count are required for outcome_count", i)
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
