package artifact

import (
	"os"
	"path/filepath"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Save serializes model to path, creating the parent directory if needed.
func Save(model *onnx.ModelProto, path string) error {
	data, err := proto.Marshal(model)
	if err != nil {
		return errors.Wrapf(err, "serializing ONNX model")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "creating directory for %q", path)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing ONNX model")
	}
	klog.V(1).Infof("Saved ONNX model to %q (%d bytes)", path, len(data))
	return nil
}

// Load reads an ONNX model saved with Save.
func Load(path string) (*onnx.ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ONNX model")
	}
	model := &onnx.ModelProto{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, errors.Wrapf(err, "parsing ONNX model %q", path)
	}
	return model, nil
}

// InputDims returns the declared dimensions of the artifact input, with Dynamic for symbolic ones.
func InputDims(model *onnx.ModelProto) ([]int, error) {
	for _, input := range model.GetGraph().GetInput() {
		if input.GetName() != InputName {
			continue
		}
		var dims []int
		for _, dim := range input.GetType().GetTensorType().GetShape().GetDim() {
			if dim.GetDimParam() != "" {
				dims = append(dims, Dynamic)
			} else {
				dims = append(dims, int(dim.GetDimValue()))
			}
		}
		return dims, nil
	}
	return nil, errors.Errorf("model has no input named %q", InputName)
}

// Session runs an artifact with a pure Go ONNX runtime. It's used to verify exported artifacts
// without leaving the Go toolchain.
type Session struct {
	model *gonnx.Model

	// inputDims as declared by the artifact, the first one is Dynamic.
	inputDims []int
}

// NewSession prepares model to be run.
func NewSession(model *onnx.ModelProto) (*Session, error) {
	inputDims, err := InputDims(model)
	if err != nil {
		return nil, err
	}
	if len(inputDims) < 2 {
		return nil, errors.Errorf("artifact input shaped %v, expected a batch of boards", inputDims)
	}
	runtime, err := gonnx.NewModel(model)
	if err != nil {
		return nil, errors.Wrapf(err, "creating ONNX runtime")
	}
	return &Session{model: runtime, inputDims: inputDims}, nil
}

// OpenSession loads the artifact at path and prepares it to be run.
func OpenSession(path string) (*Session, error) {
	model, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewSession(model)
}

// Run evaluates a batch of batchSize boards (flat, row-major) and returns the flat values
// ([batchSize, 1]) and policies ([batchSize, actions]).
func (s *Session) Run(boards []float32, batchSize int) (values, policies []float32, err error) {
	dims := append([]int{batchSize}, s.inputDims[1:]...)
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if size != len(boards) {
		return nil, nil, errors.Errorf("%d floats given for %d boards shaped %v", len(boards), batchSize, dims[1:])
	}
	input := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(boards))
	outputs, err := s.model.Run(gonnx.Tensors{InputName: input})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "running ONNX model")
	}
	values, err = outputData(outputs, ValueOutput)
	if err != nil {
		return nil, nil, err
	}
	policies, err = outputData(outputs, PolicyOutput)
	if err != nil {
		return nil, nil, err
	}
	return values, policies, nil
}

func outputData(outputs gonnx.Tensors, name string) ([]float32, error) {
	t, found := outputs[name]
	if !found {
		return nil, errors.Errorf("ONNX model has no output named %q", name)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("ONNX output %q has data type %s, expected float32", name, t.Dtype())
	}
	return data, nil
}
