// Package detections wraps an object-detection model behind Detector.
package detections

import (
	"context"
	"fmt"
	"image"

	"github.com/Tutortoise/detection-stream-service/models"
)

// Detector finds objects in a decoded frame. Detections scoring below
// threshold are never returned. Coordinates are integer pixels on img.
type Detector interface {
	Detect(ctx context.Context, img image.Image, threshold float32) ([]models.Detection, error)
	Destroy() error
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
