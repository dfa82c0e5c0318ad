package model

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	ort "github.com/yalue/onnxruntime_go"
)

// NewONNXLoader returns a loader backed by ONNX Runtime.
func NewONNXLoader(libraryPath, inputName, outputName string, logger logr.Logger) *ONNXLoader {
	return &ONNXLoader{
		libraryPath: libraryPath,
		inputName:   inputName,
		outputName:  outputName,
		logger:      logger.WithName("onnx"),
	}
}

// ONNXLoader loads ONNX models.
type ONNXLoader struct {
	libraryPath string
	inputName   string
	outputName  string

	// mu guards the process-wide ONNX Runtime environment.
	mu          sync.Mutex
	initialized bool

	logger logr.Logger
}

func (l *ONNXLoader) initEnvironment() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}
	if l.libraryPath != "" {
		ort.SetSharedLibraryPath(l.libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize ONNX environment: %s", err)
	}
	l.initialized = true
	return nil
}

// Load creates an ONNX Runtime session for the model at path.
func (l *ONNXLoader) Load(path string) (Predictor, error) {
	if err := l.initEnvironment(); err != nil {
		return nil, err
	}

	shape := ort.NewShape(1, InputSize, InputSize, 1)
	inputTensor, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %s", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %s", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{l.inputName}, []string{l.outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, fmt.Errorf("create ONNX session: %s", err)
	}
	l.logger.Info("Loaded the model", "path", path)

	return &onnxPredictor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// onnxPredictor runs an ONNX session.
//
// The session is bound to a single pair of input and output tensors, so Run
// must not be called concurrently. mu serializes Predict.
type onnxPredictor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// Predict implements Predictor.
func (p *onnxPredictor) Predict(input []float32) ([]float32, error) {
	if len(input) != InputLen {
		return nil, fmt.Errorf("expected %d input values, got %d", InputLen, len(input))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.inputTensor.GetData(), input)
	if err := p.session.Run(); err != nil {
		return nil, fmt.Errorf("run: %s", err)
	}

	out := p.outputTensor.GetData()
	res := make([]float32, len(out))
	copy(res, out)
	return res, nil
}

// Close implements Predictor.
func (p *onnxPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.session != nil {
		errs = append(errs, p.session.Destroy())
	}
	if p.inputTensor != nil {
		errs = append(errs, p.inputTensor.Destroy())
	}
	if p.outputTensor != nil {
		errs = append(errs, p.outputTensor.Destroy())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the ONNX Runtime environment. It must be called after all
// predictors are closed.
func (l *ONNXLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil
	}
	l.initialized = false
	return ort.DestroyEnvironment()
}
