package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/compare"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/ir"
)

// Scenario defines a comparison test scenario: two scripted executions of
// a module tree and the verdict their comparison must produce.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the session
	// and therefore the loss records.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// SessionID is an optional fixed session ID for deterministic record IDs.
	// If empty, defaults to "test-session-default".
	SessionID string `yaml:"session_id,omitempty"`

	// Config is an optional path to a YAML, CUE or HCL options file,
	// relative to the scenario file when loaded with LoadScenarioWithBasePath.
	Config string `yaml:"config,omitempty"`

	// Options holds inline options in the options-file YAML shape.
	// Mutually exclusive with Config.
	Options yaml.Node `yaml:"options,omitempty"`

	// Reference and Candidate script the two executions.
	Reference SideSpec `yaml:"reference"`
	Candidate SideSpec `yaml:"candidate"`

	// Expect is the verdict the comparison must produce.
	Expect ExpectClause `yaml:"expect"`

	// Assertions validate the recorded trace.
	// Supported types: trace_contains, trace_order, trace_count
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SideSpec scripts one execution.
type SideSpec struct {
	// Nodes are the top-level invocations, in call order. More than one
	// top-level node puts a synthetic root above them.
	Nodes []NodeSpec `yaml:"nodes"`

	// Loss is the scalar loss to capture, if any.
	Loss *float64 `yaml:"loss,omitempty"`
}

// NodeSpec scripts one module and its submodules.
type NodeSpec struct {
	Identity string `yaml:"identity"`
	Kind     string `yaml:"kind"`

	// Output is the forward output values (a 1-D tensor).
	Output []float64 `yaml:"output,omitempty"`

	// Outputs overrides Output per invocation when Repeat > 1.
	Outputs [][]float64 `yaml:"outputs,omitempty"`

	// Grad is the gradient of the module's single input. Without it the
	// module records no backward invocation.
	Grad []float64 `yaml:"grad,omitempty"`

	// Repeat invokes the module several times in a row under the same
	// parent, like a shared component. Zero means once.
	Repeat int `yaml:"repeat,omitempty"`

	// Children are the submodules, in declaration order.
	Children []NodeSpec `yaml:"children,omitempty"`

	// Calls overrides the order the children are invoked in, by identity.
	Calls []string `yaml:"calls,omitempty"`
}

// ExpectClause specifies the expected verdict.
type ExpectClause struct {
	// Pass is the expected verdict.
	Pass bool `yaml:"pass"`

	// Phase, Reason, Identity and Step describe the expected first
	// divergence. Empty fields are not checked.
	Phase    string `yaml:"phase,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Identity string `yaml:"identity,omitempty"`
	Step     string `yaml:"step,omitempty"`

	// Reorders is the expected number of alignment attempts.
	Reorders *int `yaml:"reorders,omitempty"`

	// FirstMismatch is the identity expected to be flagged first in
	// single-step mode.
	FirstMismatch string `yaml:"first_mismatch,omitempty"`
}

// Assertion validates the recorded trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check an identity was recorded
	// - "trace_order": Check identities were recorded in order
	// - "trace_count": Check an identity was recorded exactly N times
	Type string `yaml:"type"`

	// Side and Phase narrow the trace. Empty means any.
	Side  string `yaml:"side,omitempty"`
	Phase string `yaml:"phase,omitempty"`

	// Identity is used by trace_contains and trace_count.
	Identity string `yaml:"identity,omitempty"`

	// Identities is the expected order (used by trace_order).
	Identities []string `yaml:"identities,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, "")
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the config path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) && basePath != "" {
		scenario.Config = filepath.Join(basePath, scenario.Config)
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseScenario decodes scenario YAML without validating it.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// ResolveOptions returns the scenario's session options: the config file,
// the inline options, or the defaults.
func (s *Scenario) ResolveOptions() (config.Options, error) {
	switch {
	case s.Config != "":
		return config.Load(s.Config)
	case s.Options.Kind != 0:
		data, err := yaml.Marshal(&s.Options)
		if err != nil {
			return config.Options{}, fmt.Errorf("options: %w", err)
		}
		return config.Parse(s.Name+".yaml", data)
	default:
		return config.Default(), nil
	}
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Config != "" && s.Options.Kind != 0 {
		return fmt.Errorf("config and options are mutually exclusive")
	}

	if s.Config != "" {
		if _, err := os.Stat(s.Config); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", s.Config)
		}
	}

	if err := validateSide("reference", s.Reference); err != nil {
		return err
	}
	if err := validateSide("candidate", s.Candidate); err != nil {
		return err
	}

	if err := validateExpect(s.Expect); err != nil {
		return err
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateSide(name string, side SideSpec) error {
	for i, n := range side.Nodes {
		if err := validateNode(fmt.Sprintf("%s.nodes[%d]", name, i), n); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(path string, n NodeSpec) error {
	if n.Identity == "" {
		return fmt.Errorf("%s: identity is required", path)
	}
	if n.Kind == "" {
		return fmt.Errorf("%s: kind is required", path)
	}
	if n.Repeat < 0 {
		return fmt.Errorf("%s: repeat must be non-negative", path)
	}
	if len(n.Outputs) > 0 && len(n.Outputs) != n.invocations() {
		return fmt.Errorf("%s: outputs has %d entries for %d invocation(s)", path, len(n.Outputs), n.invocations())
	}

	if len(n.Calls) > 0 {
		if _, err := n.callOrder(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	for i, child := range n.Children {
		if err := validateNode(fmt.Sprintf("%s.children[%d]", path, i), child); err != nil {
			return err
		}
	}
	return nil
}

func validateExpect(e ExpectClause) error {
	if e.Pass && (e.Phase != "" || e.Reason != "" || e.Identity != "" || e.Step != "") {
		return fmt.Errorf("expect: a passing verdict has no divergence to describe")
	}
	if e.Phase != "" && !ir.Phase(e.Phase).Valid() {
		return fmt.Errorf("expect: unknown phase %q", e.Phase)
	}
	switch compare.Reason(e.Reason) {
	case "", compare.ReasonLeaf, compare.ReasonAggregate, compare.ReasonAlignment,
		compare.ReasonStructural, compare.ReasonLoss:
	default:
		return fmt.Errorf("expect: unknown reason %q", e.Reason)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Side != "" {
		if _, err := ir.ParseSide(a.Side); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	}
	if a.Phase != "" && !ir.Phase(a.Phase).Valid() {
		return fmt.Errorf("assertions[%d]: unknown phase %q", index, a.Phase)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Identity == "" {
			return fmt.Errorf("assertions[%d]: identity is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Identities) == 0 {
			return fmt.Errorf("assertions[%d]: identities list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Identity == "" {
			return fmt.Errorf("assertions[%d]: identity is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// invocations returns how many times the node is invoked.
func (n NodeSpec) invocations() int {
	if n.Repeat == 0 {
		return 1
	}
	return n.Repeat
}

// outputAt returns the output of the k-th invocation.
func (n NodeSpec) outputAt(k int) []float64 {
	if len(n.Outputs) > 0 {
		return n.Outputs[k]
	}
	return n.Output
}

// callOrder returns the children in invocation order.
func (n NodeSpec) callOrder() ([]NodeSpec, error) {
	if len(n.Calls) == 0 {
		return n.Children, nil
	}
	if len(n.Calls) != len(n.Children) {
		return nil, fmt.Errorf("calls lists %d children, node has %d", len(n.Calls), len(n.Children))
	}

	used := make([]bool, len(n.Children))
	order := make([]NodeSpec, 0, len(n.Children))
	for _, id := range n.Calls {
		found := false
		for i, child := range n.Children {
			if !used[i] && child.Identity == id {
				used[i] = true
				order = append(order, child)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("calls names %q, which is not an unused child", id)
		}
	}
	return order, nil
}
