package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tensoralign/internal/artifact"
)

// FrameFile holds a raw image stack, frame x row x column.
type FrameFile struct {
	Frames [][][]float64 `json:"frames"`
}

// LoadFrames reads an image stack from a JSON file.
func LoadFrames(path string) (artifact.Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frames: %w", err)
	}
	defer f.Close()
	return ReadFrames(f)
}

// ReadFrames decodes an image stack. Every frame must have the same shape.
func ReadFrames(r io.Reader) (artifact.Stack, error) {
	var ff FrameFile
	if err := json.NewDecoder(r).Decode(&ff); err != nil {
		return nil, fmt.Errorf("failed to parse frames JSON: %w", err)
	}
	stack := make(artifact.Stack, len(ff.Frames))
	for i, rows := range ff.Frames {
		m, err := matrix(rows)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		if i > 0 {
			r0, c0 := stack[0].Dims()
			if r, c := m.Dims(); r != r0 || c != c0 {
				return nil, fmt.Errorf("frame %d is %dx%d, want %dx%d", i, r, c, r0, c0)
			}
		}
		stack[i] = m
	}
	return stack, nil
}

// WriteFrames encodes an image stack.
func WriteFrames(w io.Writer, stack artifact.Stack) error {
	ff := FrameFile{Frames: make([][][]float64, len(stack))}
	for i, m := range stack {
		r, _ := m.Dims()
		rows := make([][]float64, r)
		for j := range rows {
			rows[j] = mat.Row(nil, j, m)
		}
		ff.Frames[i] = rows
	}
	if err := json.NewEncoder(w).Encode(ff); err != nil {
		return fmt.Errorf("failed to encode frames: %w", err)
	}
	return nil
}
