package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for files with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// fileOptions is the on-disk shape shared by the YAML and CUE loaders.
// Pointers distinguish "unset" from zero so defaults survive.
type fileOptions struct {
	SingleStep  *bool                    `json:"single_step" yaml:"single_step"`
	DiffPhase   *string                  `json:"diff_phase" yaml:"diff_phase"`
	LossFn      *bool                    `json:"loss_fn" yaml:"loss_fn"`
	Atol        *float64                 `json:"atol" yaml:"atol"`
	Rtol        *float64                 `json:"rtol" yaml:"rtol"`
	CompareMode *string                  `json:"compare_mode" yaml:"compare_mode"`
	Tolerances  map[string]fileTolerance `json:"tolerances" yaml:"tolerances"`
}

type fileTolerance struct {
	Atol *float64 `json:"atol" yaml:"atol"`
	Rtol *float64 `json:"rtol" yaml:"rtol"`
}

// hclOptions is the HCL shape. Per-kind tolerances are labelled blocks:
//
//	tolerance "LayerNorm" {
//	  atol = 1e-6
//	}
type hclOptions struct {
	SingleStep  *bool          `hcl:"single_step,optional"`
	DiffPhase   *string        `hcl:"diff_phase,optional"`
	LossFn      *bool          `hcl:"loss_fn,optional"`
	Atol        *float64       `hcl:"atol,optional"`
	Rtol        *float64       `hcl:"rtol,optional"`
	CompareMode *string        `hcl:"compare_mode,optional"`
	Tolerances  []hclTolerance `hcl:"tolerance,block"`
}

type hclTolerance struct {
	Kind string   `hcl:"kind,label"`
	Atol *float64 `hcl:"atol,optional"`
	Rtol *float64 `hcl:"rtol,optional"`
}

// Load reads options from path, choosing the decoder by extension
// (.yaml, .yml, .cue, .hcl). Unset fields keep their Default values.
// The result is validated.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes data as if it had been read from path.
func Parse(path string, data []byte) (Options, error) {
	var (
		fo  fileOptions
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = decodeYAML(data, &fo)
	case ".cue":
		err = decodeCUE(path, data, &fo)
	case ".hcl":
		err = decodeHCL(path, data, &fo)
	default:
		return Options{}, fmt.Errorf("config %s: %w %q", path, ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return Options{}, fmt.Errorf("config %s: %w", path, err)
	}

	opts := fo.apply(Default())
	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("config %s: %w", path, err)
	}
	return opts, nil
}

func decodeYAML(data []byte, fo *fileOptions) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(fo); err != nil {
		// An empty document means all defaults.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func decodeCUE(path string, data []byte, fo *fileOptions) error {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compile cue: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validate cue: %w", err)
	}
	if err := value.Decode(fo); err != nil {
		return fmt.Errorf("decode cue: %w", err)
	}
	return nil
}

func decodeHCL(path string, data []byte, fo *fileOptions) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return fmt.Errorf("parse hcl: %w", diags)
	}

	var ho hclOptions
	diags = gohcl.DecodeBody(file.Body, nil, &ho)
	if diags.HasErrors() {
		return fmt.Errorf("decode hcl: %w", diags)
	}

	fo.SingleStep = ho.SingleStep
	fo.DiffPhase = ho.DiffPhase
	fo.LossFn = ho.LossFn
	fo.Atol = ho.Atol
	fo.Rtol = ho.Rtol
	fo.CompareMode = ho.CompareMode
	for _, t := range ho.Tolerances {
		if fo.Tolerances == nil {
			fo.Tolerances = make(map[string]fileTolerance)
		}
		if _, dup := fo.Tolerances[t.Kind]; dup {
			return fmt.Errorf("duplicate tolerance block %q", t.Kind)
		}
		fo.Tolerances[t.Kind] = fileTolerance{Atol: t.Atol, Rtol: t.Rtol}
	}
	return nil
}

// apply overlays the set fields onto base. A per-kind tolerance that sets
// only one bound inherits the other from the session-wide value.
func (fo fileOptions) apply(base Options) Options {
	if fo.SingleStep != nil {
		base.SingleStep = *fo.SingleStep
	}
	if fo.DiffPhase != nil {
		base.DiffPhase = *fo.DiffPhase
	}
	if fo.LossFn != nil {
		base.LossFn = *fo.LossFn
	}
	if fo.Atol != nil {
		base.Atol = *fo.Atol
	}
	if fo.Rtol != nil {
		base.Rtol = *fo.Rtol
	}
	if fo.CompareMode != nil {
		base.CompareMode = *fo.CompareMode
	}
	if len(fo.Tolerances) > 0 {
		base.Tolerances = make(map[string]Tolerance, len(fo.Tolerances))
		for kind, ft := range fo.Tolerances {
			t := Tolerance{Atol: base.Atol, Rtol: base.Rtol}
			if ft.Atol != nil {
				t.Atol = *ft.Atol
			}
			if ft.Rtol != nil {
				t.Rtol = *ft.Rtol
			}
			base.Tolerances[kind] = t
		}
	}
	return base
}
