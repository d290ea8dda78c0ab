package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/config"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalScenario = `
name: minimal
description: "one node per side"
reference:
  nodes:
    - { identity: model, kind: MLP, output: [1] }
candidate:
  nodes:
    - { identity: model, kind: MLP, output: [1] }
expect:
  pass: true
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), minimalScenario)

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", sc.Name)
	require.Len(t, sc.Reference.Nodes, 1)
	assert.Equal(t, []float64{1}, sc.Reference.Nodes[0].Output)
	assert.True(t, sc.Expect.Pass)

	opts, err := sc.ResolveOptions()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), opts)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), minimalScenario+"expectation: {}\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_InlineOptions(t *testing.T) {
	path := writeScenario(t, t.TempDir(), minimalScenario+`
options:
  loss_fn: true
  rtol: 0.001
  tolerances:
    Softmax: { atol: 0.01 }
`)
	sc, err := LoadScenario(path)
	require.NoError(t, err)

	opts, err := sc.ResolveOptions()
	require.NoError(t, err)
	assert.True(t, opts.LossFn)
	assert.Equal(t, 0.001, opts.Rtol)
	assert.Equal(t, config.Tolerance{Atol: 0.01, Rtol: 0.001}, opts.ForKind("Softmax"))
}

func TestLoadScenario_InlineOptionsRejectUnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), minimalScenario+`
options:
  los_fn: true
`)
	sc, err := LoadScenario(path)
	require.NoError(t, err)

	_, err = sc.ResolveOptions()
	assert.Error(t, err)
}

func TestLoadScenario_ConfigRelativeToBasePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "opts.cue"), []byte(`compare_mode: "mean"`), 0644))
	path := writeScenario(t, dir, minimalScenario+"config: opts.cue\n")

	sc, err := LoadScenarioWithBasePath(path, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "opts.cue"), sc.Config)

	opts, err := sc.ResolveOptions()
	require.NoError(t, err)
	assert.Equal(t, config.ModeMean, opts.CompareMode)
}

func TestLoadScenario_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nexpect: {pass: true}\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nexpect: {pass: true}\n",
			wantErr: "description is required",
		},
		{
			name:    "config and options",
			content: "name: n\ndescription: d\nconfig: x.yaml\noptions: {loss_fn: true}\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "config not found",
			content: "name: n\ndescription: d\nconfig: nope.yaml\n",
			wantErr: "config file not found",
		},
		{
			name:    "node without identity",
			content: "name: n\ndescription: d\nreference:\n  nodes:\n    - {kind: K}\n",
			wantErr: "reference.nodes[0]: identity is required",
		},
		{
			name:    "nested node without kind",
			content: "name: n\ndescription: d\ncandidate:\n  nodes:\n    - {identity: m, kind: M, children: [{identity: c}]}\n",
			wantErr: "candidate.nodes[0].children[0]: kind is required",
		},
		{
			name:    "outputs length",
			content: "name: n\ndescription: d\nreference:\n  nodes:\n    - {identity: s, kind: K, repeat: 2, outputs: [[1]]}\n",
			wantErr: "outputs has 1 entries for 2 invocation(s)",
		},
		{
			name:    "calls names unknown child",
			content: "name: n\ndescription: d\nreference:\n  nodes:\n    - {identity: m, kind: M, calls: [x], children: [{identity: a, kind: K}]}\n",
			wantErr: `calls names "x"`,
		},
		{
			name:    "calls length",
			content: "name: n\ndescription: d\nreference:\n  nodes:\n    - {identity: m, kind: M, calls: [a, a], children: [{identity: a, kind: K}]}\n",
			wantErr: "calls lists 2 children, node has 1",
		},
		{
			name:    "passing verdict with reason",
			content: "name: n\ndescription: d\nexpect: {pass: true, reason: leaf}\n",
			wantErr: "a passing verdict has no divergence",
		},
		{
			name:    "unknown reason",
			content: "name: n\ndescription: d\nexpect: {pass: false, reason: bogus}\n",
			wantErr: `unknown reason "bogus"`,
		},
		{
			name:    "unknown phase",
			content: "name: n\ndescription: d\nexpect: {pass: false, phase: sideways}\n",
			wantErr: `unknown phase "sideways"`,
		},
		{
			name:    "unknown assertion type",
			content: "name: n\ndescription: d\nassertions: [{type: final_state}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name:    "trace_order without identities",
			content: "name: n\ndescription: d\nassertions: [{type: trace_order}]\n",
			wantErr: "identities list is required",
		},
		{
			name:    "assertion with bad side",
			content: "name: n\ndescription: d\nassertions: [{type: trace_contains, identity: a, side: left}]\n",
			wantErr: "assertions[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeScenario(t, dir, tt.content)
			_, err := LoadScenarioWithBasePath(path, dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNodeSpec_CallOrder(t *testing.T) {
	n := NodeSpec{
		Identity: "m",
		Kind:     "M",
		Calls:    []string{"b", "a", "a"},
		Children: []NodeSpec{
			{Identity: "a", Kind: "K", Output: []float64{1}},
			{Identity: "b", Kind: "K"},
			{Identity: "a", Kind: "K", Output: []float64{2}},
		},
	}
	order, err := n.callOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)
	assert.Equal(t, "b", order[0].Identity)
	assert.Equal(t, []float64{1}, order[1].Output, "repeated identities keep declaration order")
	assert.Equal(t, []float64{2}, order[2].Output)
}

func TestNodeSpec_Invocations(t *testing.T) {
	n := NodeSpec{Output: []float64{9}}
	assert.Equal(t, 1, n.invocations())
	assert.Equal(t, []float64{9}, n.outputAt(0))

	n = NodeSpec{Repeat: 2, Outputs: [][]float64{{1}, {2}}}
	assert.Equal(t, 2, n.invocations())
	assert.Equal(t, []float64{2}, n.outputAt(1))
}
