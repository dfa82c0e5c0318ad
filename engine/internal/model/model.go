package model

const (
	// InputSize is the spatial resolution the segmentation model expects.
	InputSize = 256
	// InputLen is the number of elements of the (1, InputSize, InputSize, 1) input.
	InputLen = InputSize * InputSize
)

// Predictor runs the segmentation model on one prepared input.
type Predictor interface {
	// Predict takes the (1, 256, 256, 1) input in row-major order and returns
	// the per-pixel probability map of the same layout.
	Predict(input []float32) ([]float32, error)
	Close() error
}

// Loader decodes a model artifact into a Predictor.
type Loader interface {
	Load(path string) (Predictor, error)
}
