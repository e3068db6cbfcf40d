package detections

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-stream-service/models"
)

// SessionConfig describes how to open a YOLOv8 ONNX model.
type SessionConfig struct {
	ModelPath    string
	Labels       []string
	InputSize    int
	IoUThreshold float32
	ChannelOrder ChannelOrder
	Threads      int
	Logger       *zap.SugaredLogger
}

// ModelSession owns one onnxruntime session and its bound tensors. It is
// not safe for concurrent use; sessions are handed out by inference.Pool.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]

	layout       outputLayout
	labels       []string
	iouThreshold float32
	preprocessor *Preprocessor
	logger       *zap.SugaredLogger
}

var _ Detector = (*ModelSession)(nil)

func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if len(cfg.Labels) == 0 {
		return nil, errors.New("model session needs a label table")
	}

	layout := outputLayout{
		inputSize:  cfg.InputSize,
		numClasses: len(cfg.Labels),
		anchors:    anchorCount(cfg.InputSize),
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()

	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			return nil, errors.Wrap(err, "setting intra-op threads")
		}
		if err := options.SetInterOpNumThreads(1); err != nil {
			return nil, errors.Wrap(err, "setting inter-op threads")
		}
	}

	size := int64(cfg.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}

	outputShape := ort.NewShape(1, int64(boxChannels+layout.numClasses), int64(layout.anchors))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "creating output tensor"), inputTensor.Destroy())
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		return nil, multierr.Combine(
			errors.Wrapf(err, "creating session for %s", cfg.ModelPath),
			inputTensor.Destroy(),
			outputTensor.Destroy(),
		)
	}

	return &ModelSession{
		Session:      session,
		Input:        inputTensor,
		Output:       outputTensor,
		layout:       layout,
		labels:       cfg.Labels,
		iouThreshold: cfg.IoUThreshold,
		preprocessor: NewPreprocessor(cfg.InputSize, cfg.ChannelOrder),
		logger:       cfg.Logger,
	}, nil
}

func (m *ModelSession) Destroy() error {
	var err error
	if m.Session != nil {
		err = multierr.Append(err, m.Session.Destroy())
	}
	if m.Input != nil {
		err = multierr.Append(err, m.Input.Destroy())
	}
	if m.Output != nil {
		err = multierr.Append(err, m.Output.Destroy())
	}
	return err
}

// Detect runs the model on img, retrying transient runtime failures.
func (m *ModelSession) Detect(ctx context.Context, img image.Image, threshold float32) ([]models.Detection, error) {
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		detections, err := m.detectOnce(img, threshold)
		if err == nil {
			return detections, nil
		}
		lastErr = err
		m.logger.Debugw("inference attempt failed", "attempt", attempt, "error", err)

		if attempt < RetryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * RetryDelay):
			}
		}
	}
	return nil, lastErr
}

func (m *ModelSession) detectOnce(img image.Image, threshold float32) ([]models.Detection, error) {
	start := time.Now()
	if err := m.preprocessor.Fill(img, m.Input.GetData()); err != nil {
		return nil, &ProcessingError{Message: "prepare input buffer", Cause: err}
	}
	prepared := time.Now()

	if err := m.Session.Run(); err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	inferred := time.Now()

	b := img.Bounds()
	detections, err := postprocess(m.Output.GetData(), m.layout, threshold, m.iouThreshold, m.labels, b.Dx(), b.Dy())
	if err != nil {
		return nil, &ProcessingError{Message: "process predictions", Cause: err}
	}

	m.logger.Debugw("inference timings",
		"preprocess", prepared.Sub(start),
		"inference", inferred.Sub(prepared),
		"postprocess", time.Since(inferred),
		"detections", len(detections),
	)
	return detections, nil
}
