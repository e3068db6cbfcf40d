package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-stream-service/aggregate"
	"github.com/Tutortoise/detection-stream-service/decoding"
	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/inference"
	"github.com/Tutortoise/detection-stream-service/models"
)

// ErrorKind classifies a per-frame failure. None of them close a connection.
type ErrorKind int

const (
	KindMalformed ErrorKind = iota
	KindMissingImage
	KindDecode
	KindProcessing
	KindBusy
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindMissingImage:
		return "missing_image"
	case KindDecode:
		return "decode"
	case KindProcessing:
		return "processing"
	case KindBusy:
		return "busy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FrameError is a recoverable failure reported to the originating client.
// Message is safe to show; Cause stays server-side.
type FrameError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *FrameError) Unwrap() error {
	return e.Cause
}

func (e *FrameError) Response() models.ErrorMessage {
	return models.ErrorMessage{Error: e.Message}
}

// Pipeline runs decode, inference and aggregation for one frame. It holds
// no per-frame state and is shared by every session.
type Pipeline struct {
	decoder    decoding.Decoder
	detector   detections.Detector
	aggregator *aggregate.Aggregator
	threshold  float32
	logger     *zap.SugaredLogger
}

func NewPipeline(
	decoder decoding.Decoder,
	detector detections.Detector,
	aggregator *aggregate.Aggregator,
	threshold float32,
	logger *zap.SugaredLogger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pipeline{
		decoder:    decoder,
		detector:   detector,
		aggregator: aggregator,
		threshold:  threshold,
		logger:     logger,
	}
}

// Process runs every stage on frame. Errors are *FrameError.
func (p *Pipeline) Process(ctx context.Context, frame models.Frame) (models.DetectionResult, error) {
	return p.run(ctx, frame, "", func(State) {})
}

func (p *Pipeline) run(
	ctx context.Context,
	frame models.Frame,
	requestID string,
	enter func(State),
) (models.DetectionResult, error) {
	timings := &models.ProcessingTimings{RequestID: requestID}
	start := time.Now()

	enter(StateDecoding)
	img, err := p.decoder.Decode(frame.Payload)
	timings.Decode = time.Since(start)
	if err != nil {
		return models.DetectionResult{}, &FrameError{Kind: KindDecode, Message: MsgDecodeFailed, Cause: err}
	}

	enter(StateInferring)
	inferStart := time.Now()
	dets, err := p.detector.Detect(ctx, img, p.threshold)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		return models.DetectionResult{}, inferenceError(err)
	}

	enter(StateAggregating)
	aggStart := time.Now()
	result, err := p.aggregate(dets)
	timings.Aggregate = time.Since(aggStart)
	if err != nil {
		return models.DetectionResult{}, err
	}

	timings.Total = time.Since(start)
	p.logTimings(timings, result.TotalObjects)
	return result, nil
}

func (p *Pipeline) aggregate(dets []models.Detection) (result models.DetectionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FrameError{
				Kind:    KindProcessing,
				Message: MsgProcessingPrefix + "aggregation failed",
				Cause:   fmt.Errorf("%v", r),
			}
		}
	}()
	return p.aggregator.Aggregate(dets), nil
}

func (p *Pipeline) logTimings(t *models.ProcessingTimings, objects int) {
	p.logger.Debugw("frame processed",
		"request_id", t.RequestID,
		"decode", t.Decode,
		"inference", t.Inference,
		"aggregate", t.Aggregate,
		"total", t.Total,
		"objects", objects,
	)
}

// inferenceError maps a detector failure to a short client message.
func inferenceError(err error) *FrameError {
	var procErr *detections.ProcessingError
	switch {
	case errors.Is(err, inference.ErrQueueFull):
		return &FrameError{Kind: KindBusy, Message: MsgProcessingPrefix + "inference queue full", Cause: err}
	case errors.Is(err, inference.ErrTimeout):
		return &FrameError{Kind: KindProcessing, Message: MsgProcessingPrefix + "inference timed out", Cause: err}
	case errors.Is(err, inference.ErrPoolClosed):
		return &FrameError{Kind: KindProcessing, Message: MsgProcessingPrefix + "detector unavailable", Cause: err}
	case errors.Is(err, context.Canceled):
		return &FrameError{Kind: KindProcessing, Message: MsgProcessingPrefix + "request cancelled", Cause: err}
	case errors.As(err, &procErr):
		return &FrameError{Kind: KindProcessing, Message: MsgProcessingPrefix + procErr.Message, Cause: err}
	default:
		return &FrameError{Kind: KindProcessing, Message: MsgProcessingPrefix + "detection failed", Cause: err}
	}
}
