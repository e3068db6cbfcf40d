package detections

import "time"

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.45
	RetryAttempts        = 3
	RetryDelay           = 100 * time.Millisecond

	// boxChannels is cx, cy, w, h ahead of the per-class scores.
	boxChannels = 4
)

// anchorCount is the number of YOLOv8 prediction cells for a square input,
// summed over the stride 8, 16 and 32 heads.
func anchorCount(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := inputSize / stride
		n += side * side
	}
	return n
}
