package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/llmariner/hemoseg/engine/internal/model"
	"github.com/llmariner/hemoseg/engine/internal/provisioner"
	"github.com/nfnt/resize"
)

const (
	resultPrefix = "result_"

	// threshold is the probability above which a pixel counts towards the affected area.
	threshold = 0.5

	// maxPixels bounds the declared size of an uploaded image. Decoders
	// allocate the whole pixel buffer from the header.
	maxPixels = 50_000_000
)

var (
	// ErrDecode is returned when the uploaded bytes are not a readable image.
	ErrDecode = errors.New("cannot decode image")
	// ErrModelNotReady is returned when the model has not been provisioned yet.
	ErrModelNotReady = provisioner.ErrModelNotReady
	// ErrInference is returned when the model fails to produce a prediction.
	ErrInference = errors.New("inference failed")
	// ErrUnsupportedFormat is returned for a file extension that has no mask encoder.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// ProbabilityMap is the per-pixel output of the model for one image.
type ProbabilityMap struct {
	Width  int
	Height int
	Data   []float32
}

// Result is the outcome of processing one upload.
type Result struct {
	// Filename is the name the mask was stored under.
	Filename string
	// Area is the number of pixels with a probability above 0.5.
	Area int
}

type modelSource interface {
	Model() (model.Predictor, error)
}

type resultStore interface {
	Save(name string, r io.Reader) error
}

// MetricsMonitoring observes inference.
type MetricsMonitoring interface {
	ObserveInferenceLatency(latency time.Duration)
}

// New creates a new pipeline.
func New(
	models modelSource,
	store resultStore,
	metricsMonitor MetricsMonitoring,
	logger logr.Logger,
) *P {
	return &P{
		models:         models,
		store:          store,
		metricsMonitor: metricsMonitor,
		logger:         logger.WithName("pipeline"),
	}
}

// P turns an uploaded image into a persisted segmentation mask.
type P struct {
	models         modelSource
	store          resultStore
	metricsMonitor MetricsMonitoring
	logger         logr.Logger
}

// Process runs preprocessing, inference and postprocessing on the image and
// stores the mask as result_<filename>.
func (p *P) Process(ctx context.Context, filename string, data []byte) (*Result, error) {
	log := p.logger.WithValues("filename", filename)

	enc, err := encoderFor(filename)
	if err != nil {
		return nil, err
	}

	t, err := Preprocess(data)
	if err != nil {
		return nil, err
	}

	pm, err := p.Infer(ctx, t)
	if err != nil {
		return nil, err
	}

	mask, area := Postprocess(pm)

	var buf bytes.Buffer
	if err := enc(&buf, mask); err != nil {
		return nil, fmt.Errorf("encode mask: %s", err)
	}
	name := ResultFilename(filename)
	if err := p.store.Save(name, &buf); err != nil {
		return nil, fmt.Errorf("save mask: %s", err)
	}
	log.V(1).Info("Processed image", "result", name, "area", area)
	return &Result{
		Filename: name,
		Area:     area,
	}, nil
}

// Infer runs the model on the input tensor. It returns ErrModelNotReady
// unless the model has been provisioned.
func (p *P) Infer(ctx context.Context, t Tensor) (ProbabilityMap, error) {
	if err := ctx.Err(); err != nil {
		return ProbabilityMap{}, err
	}
	m, err := p.models.Model()
	if err != nil {
		return ProbabilityMap{}, err
	}
	if len(t.Data) != model.InputLen {
		return ProbabilityMap{}, fmt.Errorf("%w: expected %d input values, got %d", ErrInference, model.InputLen, len(t.Data))
	}

	st := time.Now()
	out, err := m.Predict(t.Data)
	if p.metricsMonitor != nil {
		p.metricsMonitor.ObserveInferenceLatency(time.Since(st))
	}
	if err != nil {
		return ProbabilityMap{}, fmt.Errorf("%w: %s", ErrInference, err)
	}
	// The output is (1, 256, 256, 1). Only batch element 0 exists.
	if len(out) < model.InputLen {
		return ProbabilityMap{}, fmt.Errorf("%w: expected %d output values, got %d", ErrInference, model.InputLen, len(out))
	}
	return ProbabilityMap{
		Width:  model.InputSize,
		Height: model.InputSize,
		Data:   out[:model.InputLen],
	}, nil
}

// Preprocess decodes a PNG or JPEG image as grayscale, resizes it to
// 256x256 and scales pixel values into [0, 1]. The returned tensor has the
// shape (1, 256, 256, 1).
func Preprocess(data []byte) (Tensor, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Tensor{}, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return Tensor{}, fmt.Errorf("%w: image is too large (%dx%d)", ErrDecode, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return Tensor{}, fmt.Errorf("%w: empty image", ErrDecode)
	}

	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	resized := resize.Resize(model.InputSize, model.InputSize, gray, resize.Bilinear)

	rb := resized.Bounds()
	data32 := make([]float32, 0, model.InputLen)
	for y := rb.Min.Y; y < rb.Max.Y; y++ {
		for x := rb.Min.X; x < rb.Max.X; x++ {
			v := color.GrayModel.Convert(resized.At(x, y)).(color.Gray).Y
			data32 = append(data32, float32(v)/255.0)
		}
	}
	return Tensor{
		Shape: []int{1, model.InputSize, model.InputSize, 1},
		Data:  data32,
	}, nil
}

// Postprocess converts probabilities into a grayscale mask, truncating p*255
// to an integer, and counts the pixels with p > 0.5. Values beyond
// Width*Height are ignored and missing ones leave the mask at 0.
func Postprocess(pm ProbabilityMap) (*image.Gray, int) {
	mask := image.NewGray(image.Rect(0, 0, pm.Width, pm.Height))
	data := pm.Data
	if len(data) > len(mask.Pix) {
		data = data[:len(mask.Pix)]
	}
	var area int
	for i, v := range data {
		if v > threshold {
			area++
		}
		switch {
		case !(v > 0):
			// Also covers NaN.
			v = 0
		case v > 1:
			v = 1
		}
		mask.Pix[i] = uint8(v * 255)
	}
	return mask, area
}

// ResultFilename returns the name the mask of the named upload is stored under.
func ResultFilename(filename string) string {
	return resultPrefix + filename
}

// SupportedExtension reports whether filename has an extension the pipeline accepts.
func SupportedExtension(filename string) bool {
	_, err := encoderFor(filename)
	return err == nil
}

type encoder func(w io.Writer, img image.Image) error

func encoderFor(filename string) (encoder, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return png.Encode, nil
	case ".jpg", ".jpeg":
		return func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: 100})
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}
