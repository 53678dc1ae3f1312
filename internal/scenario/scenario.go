// Package scenario runs scripted channel sessions against a set of stores
// and checks what each node persisted after every step.
package scenario

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"kvsync/internal/monitor"
)

// Action is a scenario step verb.
type Action string

const (
	ActionCheck            Action = "check"
	ActionOpen             Action = "open"
	ActionPay              Action = "pay"
	ActionForceClose       Action = "force_close"
	ActionConfirmClose     Action = "confirm_close"
	ActionCooperativeClose Action = "cooperative_close"
	ActionRestart          Action = "restart"
)

var ErrInvalid = errors.New("scenario: invalid script")

// Scenario is a parsed script.
type Scenario struct {
	Name       string   `yaml:"name"`
	Nodes      []string `yaml:"nodes"`
	FundingSat uint64   `yaml:"funding_sat"`
	Steps      []Step   `yaml:"steps"`
}

// Step is one action followed by the expected persisted state.
type Step struct {
	Action     Action `yaml:"action"`
	From       string `yaml:"from,omitempty"`
	To         string `yaml:"to,omitempty"`
	Node       string `yaml:"node,omitempty"`
	AmountMsat uint64 `yaml:"amount_msat,omitempty"`
	FundingSat uint64 `yaml:"funding_sat,omitempty"`
	PushMsat   uint64 `yaml:"push_msat,omitempty"`

	Expect map[string]Expectation `yaml:"expect,omitempty"`
}

// Expectation describes one node's store after a step. Unset fields are
// not checked.
type Expectation struct {
	Records  *int      `yaml:"records,omitempty"`
	UpdateID *UpdateID `yaml:"update_id,omitempty"`
}

// UpdateID is a monitor update id. In scripts the closed marker is
// written as "closed".
type UpdateID uint64

const closedLiteral = "closed"

func (u UpdateID) String() string {
	if uint64(u) == monitor.ClosedUpdateID {
		return closedLiteral
	}
	return strconv.FormatUint(uint64(u), 10)
}

func (u *UpdateID) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: update_id must be a number or %q", n.Line, closedLiteral)
	}
	if n.Value == closedLiteral {
		*u = UpdateID(monitor.ClosedUpdateID)
		return nil
	}
	v, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: update_id %q: %w", n.Line, n.Value, err)
	}
	*u = UpdateID(v)
	return nil
}

func (u UpdateID) MarshalYAML() (any, error) {
	if uint64(u) == monitor.ClosedUpdateID {
		return closedLiteral, nil
	}
	return uint64(u), nil
}

//go:embed canonical.yaml
var canonicalScript []byte

// Canonical returns the built-in lifecycle script: open, a payment each
// way, force close and confirmation.
func Canonical() *Scenario {
	sc, err := Parse(canonicalScript)
	if err != nil {
		panic(fmt.Sprintf("scenario: built-in script: %v", err))
	}
	return sc
}

// Load reads and parses a script file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a script. Unknown fields are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if len(sc.Nodes) == 0 {
		sc.Nodes = []string{"alice", "bob"}
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that every step names known nodes and carries the
// fields its action needs.
func (sc *Scenario) Validate() error {
	var errs []error
	known := make(map[string]bool, len(sc.Nodes))
	for _, n := range sc.Nodes {
		if n == "" || known[n] {
			errs = append(errs, fmt.Errorf("nodes: empty or duplicate name %q", n))
		}
		known[n] = true
	}
	if len(sc.Steps) == 0 {
		errs = append(errs, errors.New("steps: none"))
	}
	for i, st := range sc.Steps {
		at := fmt.Sprintf("steps[%d] (%s)", i, st.Action)
		need := func(field, name string) {
			if name == "" {
				errs = append(errs, fmt.Errorf("%s: %s is required", at, field))
			} else if !known[name] {
				errs = append(errs, fmt.Errorf("%s: %s names unknown node %q", at, field, name))
			}
		}
		switch st.Action {
		case ActionCheck:
		case ActionOpen, ActionCooperativeClose:
			need("from", st.From)
			need("to", st.To)
		case ActionPay:
			need("from", st.From)
			need("to", st.To)
			if st.AmountMsat == 0 {
				errs = append(errs, fmt.Errorf("%s: amount_msat is required", at))
			}
		case ActionForceClose, ActionConfirmClose, ActionRestart:
			need("node", st.Node)
		default:
			errs = append(errs, fmt.Errorf("%s: unknown action", at))
		}
		if st.Action == ActionOpen && st.FundingSat == 0 && sc.FundingSat == 0 {
			errs = append(errs, fmt.Errorf("%s: funding_sat is required", at))
		}
		for name := range st.Expect {
			if !known[name] {
				errs = append(errs, fmt.Errorf("%s: expectation for unknown node %q", at, name))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
