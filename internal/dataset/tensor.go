package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/banshee-data/tensoralign/internal/align"
	"github.com/banshee-data/tensoralign/internal/tensor"
)

// TensorFile is the on-disk form of an aligned tensor.
type TensorFile struct {
	Shape          []int    `json:"shape"`
	Trials         []string `json:"trials,omitempty"`
	Outputs        []string `json:"outputs,omitempty"`
	Neurons        []int    `json:"neurons,omitempty"`
	Policies       []string `json:"policies,omitempty"`
	IntervalFrames []int    `json:"interval_frames,omitempty"`
	EventFrames    []int    `json:"events_time,omitempty"`
	Excluded       []string `json:"excluded,omitempty"`
	Data           Values   `json:"data"`
}

// Values is a flat float slice whose JSON form writes NaN and ±Inf as null.
// null reads back as NaN.
type Values []float64

func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+len(v)*8)
	buf = append(buf, '[')
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			buf = append(buf, "null"...)
			continue
		}
		buf = strconv.AppendFloat(buf, x, 'g', -1, 64)
	}
	return append(buf, ']'), nil
}

func (v *Values) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = nil
		return nil
	}
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for i, x := range raw {
		if x == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *x
	}
	*v = out
	return nil
}

// NewTensorFile captures an alignment result. t replaces res.Tensor when
// non-nil, so a normalised copy can be written with the original metadata.
func NewTensorFile(res *align.Result, t *tensor.Array, neurons []int) *TensorFile {
	if t == nil {
		t = res.Tensor
	}
	tf := &TensorFile{
		Shape:          t.Shape(),
		Trials:         res.Trials,
		Neurons:        neurons,
		IntervalFrames: res.IntervalFrames,
		EventFrames:    res.EventFrames,
		Data:           t.Data(),
	}
	for _, out := range res.Outputs {
		if out != "" {
			tf.Outputs = res.Outputs
			break
		}
	}
	for _, p := range res.Policies {
		tf.Policies = append(tf.Policies, p.String())
	}
	for _, e := range res.Excluded {
		tf.Excluded = append(tf.Excluded, e.Error())
	}
	return tf
}

// Array rebuilds the tensor.
func (tf *TensorFile) Array() (*tensor.Array, error) {
	return tensor.FromSlice(tf.Data, tf.Shape...)
}

// WriteTensor encodes tf as indented JSON.
func WriteTensor(w io.Writer, tf *TensorFile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tf); err != nil {
		return fmt.Errorf("failed to encode tensor: %w", err)
	}
	return nil
}

// SaveTensor writes tf to path.
func SaveTensor(path string, tf *TensorFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create tensor file: %w", err)
	}
	if err := WriteTensor(f, tf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadTensor decodes a TensorFile from r.
func ReadTensor(r io.Reader) (*TensorFile, error) {
	var tf TensorFile
	if err := json.NewDecoder(r).Decode(&tf); err != nil {
		return nil, fmt.Errorf("failed to parse tensor JSON: %w", err)
	}
	if _, err := tf.Array(); err != nil {
		return nil, err
	}
	return &tf, nil
}
