package inference

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/perch/inference/providers"
	"github.com/nvr-ai/perch/models/model"
)

var environmentMu sync.Mutex

// initEnvironment loads the onnxruntime library once per process.
func initEnvironment(libPath string) error {
	environmentMu.Lock()
	defer environmentMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing onnxruntime environment")
	}
	return nil
}

// NewSessionArgs represents the arguments for creating a new ONNX Runtime session.
type NewSessionArgs struct {
	// Model is the tensor contract; its Path, node names and shapes are used.
	Model model.BaseModel
	// Provider selects the execution provider; nil runs on CPU.
	Provider providers.ExecutionProvider
	// IntraOpThreads, InterOpThreads size the runtime thread pools; 0 lets the runtime decide.
	IntraOpThreads int
	InterOpThreads int
	// LibraryPath overrides the shared library location.
	LibraryPath string
}

// Session is the ONNX Runtime Backend.
//
// Input and output tensors are allocated once and bound to the session;
// Run copies into and out of them.
type Session struct {
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	inShape  tensor.Shape
	outShape tensor.Shape
}

// NewSession creates a session with preallocated input and output tensors.
//
// Every native resource created before a failure is destroyed before
// returning. On success the caller owns the session and must Close it.
//
// Arguments:
//   - args: The model contract and runtime options.
//
// Returns:
//   - *Session: The session.
//   - error: An error if the library, tensors or session cannot be created.
func NewSession(args NewSessionArgs) (*Session, error) {
	if err := initEnvironment(providers.GetSharedLibPath(args.LibraryPath)); err != nil {
		return nil, err
	}

	inShape, outShape := args.Model.InputShape, args.Model.OutputShape
	if len(inShape) != 4 || len(outShape) < 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "unsupported model shapes %v -> %v", inShape, outShape)
	}

	if err := checkDeclaredShapes(args.Model); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](toORTShape(inShape))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](toORTShape(outShape))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}
	destroyTensors := func() {
		input.Destroy()
		output.Destroy()
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		destroyTensors()
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	if err := configureOptions(options, args); err != nil {
		destroyTensors()
		return nil, err
	}

	session, err := ort.NewAdvancedSession(
		args.Model.Path,
		[]string{args.Model.InputName},
		[]string{args.Model.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		destroyTensors()
		return nil, errors.Wrapf(err, "creating session for %s", args.Model.Path)
	}

	return &Session{
		session:  session,
		input:    input,
		output:   output,
		inShape:  inShape.Clone(),
		outShape: outShape.Clone(),
	}, nil
}

func configureOptions(options *ort.SessionOptions, args NewSessionArgs) error {
	if err := options.SetIntraOpNumThreads(args.IntraOpThreads); err != nil {
		return errors.Wrap(err, "setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(args.InterOpThreads); err != nil {
		return errors.Wrap(err, "setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return errors.Wrap(err, "setting graph optimization level")
	}
	if args.Provider != nil {
		if err := args.Provider.Apply(options); err != nil {
			return err
		}
	}
	return nil
}

// checkDeclaredShapes compares the model file's declared input and output
// shapes with the contract, e.g. a detector exported for a different class
// count than the loaded class table.
func checkDeclaredShapes(base model.BaseModel) error {
	inputs, outputs, err := ort.GetInputOutputInfo(base.Path)
	if err != nil {
		return errors.Wrapf(err, "reading tensor info of %s", base.Path)
	}
	for _, check := range []struct {
		infos []ort.InputOutputInfo
		name  string
		want  tensor.Shape
	}{
		{inputs, base.InputName, base.InputShape},
		{outputs, base.OutputName, base.OutputShape},
	} {
		for _, info := range check.infos {
			if info.Name != check.name {
				continue
			}
			if !shapeCompatible(info.Dimensions, check.want) {
				return errors.Wrapf(ErrShapeMismatch, "%s: %s declares %v, expected %v",
					base.Path, check.name, info.Dimensions, check.want)
			}
		}
	}
	return nil
}

// shapeCompatible reports whether want fits declared. Non-positive declared
// dimensions are dynamic and match anything.
func shapeCompatible(declared ort.Shape, want tensor.Shape) bool {
	if len(declared) != len(want) {
		return false
	}
	for i, d := range declared {
		if d > 0 && int(d) != want[i] {
			return false
		}
	}
	return true
}

func toORTShape(shape tensor.Shape) ort.Shape {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}

// InputShape returns the bound input shape.
func (s *Session) InputShape() tensor.Shape {
	return s.inShape
}

// OutputShape returns the bound output shape.
func (s *Session) OutputShape() tensor.Shape {
	return s.outShape
}

// Run copies input into the bound tensor, executes the model and copies the output out.
func (s *Session) Run(input *tensor.Dense) (*tensor.Dense, error) {
	if s.session == nil {
		return nil, errors.New("session is closed")
	}
	if !input.Shape().Eq(s.inShape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "input %v, session expects %v", input.Shape(), s.inShape)
	}
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "input dtype %v, want float32", input.Dtype())
	}
	copy(s.input.GetData(), data)

	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running session")
	}

	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return tensor.New(tensor.WithShape(s.outShape...), tensor.WithBacking(out)), nil
}

// Close releases the resources associated with the Session.
func (s *Session) Close() error {
	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		if err != nil {
			return errors.Wrap(err, "destroying session")
		}
	}
	return nil
}
