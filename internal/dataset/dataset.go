// Package dataset reads and writes the raw binary training data produced by self-play:
// three flat files of little-endian float32 holding the boards, the policy targets and the value targets.
//
// The loader only checks that the three files agree on shapes and number of samples, the
// semantic content (e.g.: policy rows summing to 1) is the producer's responsibility.
package dataset

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/janpfeifer/othelloGo/internal/features"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File names inside a dataset directory.
const (
	BoardFile  = "board.bin"
	PolicyFile = "policy.bin"
	ValueFile  = "value.bin"
)

const bytesPerFloat = 4

var (
	// ErrSizeMismatch is returned when a file length is not a multiple of its per-sample size.
	ErrSizeMismatch = errors.New("file size is not a multiple of the sample size")

	// ErrSampleCountMismatch is returned when the three files imply different numbers of samples.
	ErrSampleCountMismatch = errors.New("dataset files disagree on the number of samples")
)

// Dataset holds aligned samples in three flat slices, each row-major:
// boards shaped [NumSamples, Planes, Height, Width], policies [NumSamples, Actions] and values [NumSamples, 1].
//
// It is read-only once loaded.
type Dataset struct {
	Geometry   features.Geometry
	NumSamples int

	Boards, Policies, Values []float32
}

// New creates a Dataset from flat slices, checking that their lengths are consistent.
func New(geometry features.Geometry, boards, policies, values []float32) (*Dataset, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	ds := &Dataset{Geometry: geometry, Boards: boards, Policies: policies, Values: values}
	counts := make([]int, 3)
	for ii, part := range []struct {
		name      string
		data      []float32
		perSample int
	}{
		{BoardFile, boards, geometry.BoardSize()},
		{PolicyFile, policies, geometry.Actions},
		{ValueFile, values, 1},
	} {
		if len(part.data)%part.perSample != 0 {
			return nil, errors.Wrapf(ErrSizeMismatch, "%s has %d floats, not a multiple of %d",
				part.name, len(part.data), part.perSample)
		}
		counts[ii] = len(part.data) / part.perSample
	}
	if counts[0] != counts[1] || counts[0] != counts[2] {
		return nil, errors.Wrapf(ErrSampleCountMismatch, "%s=%d, %s=%d, %s=%d samples",
			BoardFile, counts[0], PolicyFile, counts[1], ValueFile, counts[2])
	}
	ds.NumSamples = counts[0]
	return ds, nil
}

// Load reads the three dataset files from dir and reshapes them according to geometry.
//
// It fails if any file is missing, if a file length is not a multiple of its per-sample size
// (ErrSizeMismatch), or if the files don't agree on the number of samples (ErrSampleCountMismatch).
func Load(dir string, geometry features.Geometry) (*Dataset, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	boards, err := readFloats(filepath.Join(dir, BoardFile), geometry.BoardSize())
	if err != nil {
		return nil, err
	}
	policies, err := readFloats(filepath.Join(dir, PolicyFile), geometry.Actions)
	if err != nil {
		return nil, err
	}
	values, err := readFloats(filepath.Join(dir, ValueFile), 1)
	if err != nil {
		return nil, err
	}
	ds, err := New(geometry, boards, policies, values)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading dataset from %q", dir)
	}
	klog.V(1).Infof("Loaded dataset %q: %d samples of %s", dir, ds.NumSamples, geometry)
	return ds, nil
}

// readFloats reads a file of little-endian float32, checking its length is a multiple of perSample floats.
func readFloats(path string, perSample int) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset file")
	}
	sampleBytes := perSample * bytesPerFloat
	if len(raw)%sampleBytes != 0 {
		return nil, errors.Wrapf(ErrSizeMismatch, "%s has %d bytes, not a multiple of %d (%d float32 per sample)",
			path, len(raw), sampleBytes, perSample)
	}
	values := make([]float32, len(raw)/bytesPerFloat)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, values); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return values, nil
}

// Write saves the dataset to dir in the same format read by Load, creating dir if needed.
func (ds *Dataset) Write(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating dataset directory %q", dir)
	}
	for name, data := range map[string][]float32{
		BoardFile:  ds.Boards,
		PolicyFile: ds.Policies,
		ValueFile:  ds.Values,
	} {
		var buf bytes.Buffer
		buf.Grow(len(data) * bytesPerFloat)
		if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
			return errors.Wrapf(err, "encoding %s", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644); err != nil {
			return errors.Wrapf(err, "writing dataset file %s", name)
		}
	}
	return nil
}

// Sample returns views (not copies) of the board, policy target and value target of sample idx.
func (ds *Dataset) Sample(idx int) (board, policy []float32, value float32) {
	boardSize, numActions := ds.Geometry.BoardSize(), ds.Geometry.Actions
	board = ds.Boards[idx*boardSize : (idx+1)*boardSize]
	policy = ds.Policies[idx*numActions : (idx+1)*numActions]
	value = ds.Values[idx]
	return
}

// Subset returns a new Dataset with copies of the samples with the given indices, in the given order.
func (ds *Dataset) Subset(indices []int) *Dataset {
	boardSize, numActions := ds.Geometry.BoardSize(), ds.Geometry.Actions
	sub := &Dataset{
		Geometry:   ds.Geometry,
		NumSamples: len(indices),
		Boards:     make([]float32, 0, len(indices)*boardSize),
		Policies:   make([]float32, 0, len(indices)*numActions),
		Values:     make([]float32, 0, len(indices)),
	}
	for _, idx := range indices {
		board, policy, value := ds.Sample(idx)
		sub.Boards = append(sub.Boards, board...)
		sub.Policies = append(sub.Policies, policy...)
		sub.Values = append(sub.Values, value)
	}
	return sub
}
