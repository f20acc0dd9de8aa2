package detector

import (
	"context"
	"fmt"
	"os"
	"runtime"

	tflite "github.com/tphakala/go-tflite"

	"github.com/thomsoren/openar-it2901-ntnu/internal/errors"
	"github.com/thomsoren/openar-it2901-ntnu/internal/logging"
)

// TFLiteConfig configures a TFLiteDetector.
type TFLiteConfig struct {
	ModelPath      string
	Threads        int    // 0 => runtime.NumCPU()
	ScoreThreshold float64
}

// TFLiteDetector runs a single-shot object detection TFLite model per
// frame, grounded on internal/birdnet.BirdNET.initializeModel's
// load-model/NewInterpreter/AllocateTensors sequence.
type TFLiteDetector struct {
	interpreter *tflite.Interpreter
	threshold   float64
}

// NewTFLiteDetector loads the model at cfg.ModelPath and allocates its
// interpreter tensors.
func NewTFLiteDetector(cfg TFLiteConfig) (*TFLiteDetector, error) {
	logger := logging.ForService("detector")

	modelData, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, errors.New(err).Component("detector").
			Category(errors.CategoryConfiguration).
			Context("model_path", cfg.ModelPath).Build()
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, errors.New(fmt.Errorf("cannot load detection model")).
			Component("detector").Category(errors.CategoryConfiguration).
			Context("model_path", cfg.ModelPath).Build()
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		logger.Warn("tflite runtime message", "message", msg)
	}, nil)

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		return nil, errors.New(fmt.Errorf("cannot create detection interpreter")).
			Component("detector").Category(errors.CategorySystem).Build()
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		return nil, errors.New(fmt.Errorf("tensor allocation failed")).
			Component("detector").Category(errors.CategorySystem).Build()
	}

	threshold := cfg.ScoreThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	logger.Info("detection model initialized", "model_path", cfg.ModelPath, "threads", threads)
	return &TFLiteDetector{interpreter: interp, threshold: threshold}, nil
}

// Detect runs the model on frame and decodes its output tensors into Box
// values above the configured score threshold. Tensor layout is
// model-specific; this assumes the common SSD-style [boxes, scores,
// classes, count] output convention.
func (d *TFLiteDetector) Detect(ctx context.Context, frame Frame) ([]Box, error) {
	input := d.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, errors.New(fmt.Errorf("detector has no input tensor")).
			Component("detector").Category(errors.CategoryProcessing).Build()
	}
	copy(input.UInt8s(), frame.Pixels)

	if status := d.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.New(fmt.Errorf("inference invocation failed")).
			Component("detector").Category(errors.CategoryProcessing).Build()
	}

	boxesT := d.interpreter.GetOutputTensor(0)
	scoresT := d.interpreter.GetOutputTensor(1)
	classesT := d.interpreter.GetOutputTensor(2)
	countT := d.interpreter.GetOutputTensor(3)
	if boxesT == nil || scoresT == nil || classesT == nil || countT == nil {
		return nil, errors.New(fmt.Errorf("detector missing expected output tensors")).
			Component("detector").Category(errors.CategoryProcessing).Build()
	}

	count := int(countT.Float32s()[0])
	boxes := boxesT.Float32s()
	scores := scoresT.Float32s()
	classes := classesT.Float32s()

	out := make([]Box, 0, count)
	for i := 0; i < count; i++ {
		score := float64(scores[i])
		if score < d.threshold {
			continue
		}
		yMin, xMin, yMax, xMax := float64(boxes[i*4]), float64(boxes[i*4+1]), float64(boxes[i*4+2]), float64(boxes[i*4+3])
		w := (xMax - xMin) * float64(frame.Width)
		h := (yMax - yMin) * float64(frame.Height)
		classID := int(classes[i])
		out = append(out, Box{
			X:          (xMin*float64(frame.Width) + w/2),
			Y:          (yMin*float64(frame.Height) + h/2),
			Width:      w,
			Height:     h,
			Confidence: score,
			ClassID:    &classID,
			ClassName:  fmt.Sprintf("class_%d", classID),
		})
	}
	return out, nil
}

// Close releases the interpreter. go-tflite interpreters have no explicit
// Close in the bindings used by the teacher's model; nothing to release.
func (d *TFLiteDetector) Close() error { return nil }
