package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/roach88/lockstep/internal/ir"
)

// number is a float64 that survives JSON round trips even when it is NaN
// or infinite; those are stored as the strings "NaN", "+Inf" and "-Inf".
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	default:
		return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
	}
}

func (n *number) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*n = number(math.NaN())
		case "+Inf":
			*n = number(math.Inf(1))
		case "-Inf":
			*n = number(math.Inf(-1))
		default:
			return fmt.Errorf("invalid number %q", s)
		}
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	*n = number(f)
	return nil
}

// tensorRecord is the stored shape of an ir.Tensor.
type tensorRecord struct {
	Shape        []int    `json:"shape"`
	Data         []number `json:"data"`
	RequiresGrad bool     `json:"requires_grad,omitempty"`
}

func toRecord(t ir.Tensor) tensorRecord {
	rec := tensorRecord{Shape: t.Shape, RequiresGrad: t.RequiresGrad, Data: make([]number, len(t.Data))}
	if rec.Shape == nil {
		rec.Shape = []int{}
	}
	for i, v := range t.Data {
		rec.Data[i] = number(v)
	}
	return rec
}

func (rec tensorRecord) tensor() ir.Tensor {
	t := ir.Tensor{Shape: rec.Shape, RequiresGrad: rec.RequiresGrad, Data: make([]float64, len(rec.Data))}
	for i, v := range rec.Data {
		t.Data[i] = float64(v)
	}
	return t
}

func encode(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func marshalTensors(ts []ir.Tensor) (string, error) {
	recs := make([]tensorRecord, len(ts))
	for i, t := range ts {
		recs[i] = toRecord(t)
	}
	s, err := encode(recs)
	if err != nil {
		return "", fmt.Errorf("marshal tensors: %w", err)
	}
	return s, nil
}

func unmarshalTensors(data string) ([]ir.Tensor, error) {
	var recs []tensorRecord
	if err := json.Unmarshal([]byte(data), &recs); err != nil {
		return nil, fmt.Errorf("unmarshal tensors: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	ts := make([]ir.Tensor, len(recs))
	for i, rec := range recs {
		ts[i] = rec.tensor()
	}
	return ts, nil
}

// marshalGrads stores input-grad slots; unfilled slots become null.
func marshalGrads(gs []*ir.Tensor) (string, error) {
	recs := make([]*tensorRecord, len(gs))
	for i, g := range gs {
		if g != nil {
			rec := toRecord(*g)
			recs[i] = &rec
		}
	}
	s, err := encode(recs)
	if err != nil {
		return "", fmt.Errorf("marshal input grads: %w", err)
	}
	return s, nil
}

func unmarshalGrads(data string) ([]*ir.Tensor, error) {
	var recs []*tensorRecord
	if err := json.Unmarshal([]byte(data), &recs); err != nil {
		return nil, fmt.Errorf("unmarshal input grads: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	gs := make([]*ir.Tensor, len(recs))
	for i, rec := range recs {
		if rec != nil {
			t := rec.tensor()
			gs[i] = &t
		}
	}
	return gs, nil
}

func marshalLoss(loss ir.Tensor, ok bool) (any, error) {
	if !ok {
		return nil, nil
	}
	s, err := encode(toRecord(loss))
	if err != nil {
		return nil, fmt.Errorf("marshal loss: %w", err)
	}
	return s, nil
}

func unmarshalLoss(data *string) (*ir.Tensor, error) {
	if data == nil {
		return nil, nil
	}
	var rec tensorRecord
	if err := json.Unmarshal([]byte(*data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal loss: %w", err)
	}
	t := rec.tensor()
	return &t, nil
}

// marshalLocation stores location metadata as RFC 8785 canonical JSON.
func marshalLocation(a ir.Attrs) (string, error) {
	s, err := ir.CanonicalString(a)
	if err != nil {
		return "", fmt.Errorf("marshal location: %w", err)
	}
	return s, nil
}

func unmarshalLocation(data string) (ir.Attrs, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var a ir.Attrs
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("unmarshal location: %w", err)
	}
	return a, nil
}

func marshalFrames(fs []ir.Frame) (string, error) {
	if fs == nil {
		fs = []ir.Frame{}
	}
	s, err := encode(fs)
	if err != nil {
		return "", fmt.Errorf("marshal frames: %w", err)
	}
	return s, nil
}

func unmarshalFrames(data string) ([]ir.Frame, error) {
	var fs []ir.Frame
	if err := json.Unmarshal([]byte(data), &fs); err != nil {
		return nil, fmt.Errorf("unmarshal frames: %w", err)
	}
	if len(fs) == 0 {
		return nil, nil
	}
	return fs, nil
}

func marshalInts(xs []int) (string, error) {
	if xs == nil {
		xs = []int{}
	}
	return encode(xs)
}

func unmarshalInts(data string) ([]int, error) {
	var xs []int
	if err := json.Unmarshal([]byte(data), &xs); err != nil {
		return nil, fmt.Errorf("unmarshal children: %w", err)
	}
	if len(xs) == 0 {
		return nil, nil
	}
	return xs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
