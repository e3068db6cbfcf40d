package detections

import (
	"math"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/Tutortoise/detection-stream-service/models"
)

// outputLayout describes a YOLOv8 head tensor of shape
// [1, 4+numClasses, anchors] with boxes in input-pixel units.
type outputLayout struct {
	inputSize  int
	numClasses int
	anchors    int
}

func (l outputLayout) size() int {
	return (boxChannels + l.numClasses) * l.anchors
}

type candidate struct {
	anchor  int
	box     [4]float32
	score   float32
	classID int
}

// postprocess turns raw head output into detections on an origW x origH
// frame: best class per anchor, threshold, per-class NMS, integer boxes.
func postprocess(
	predictions []float32,
	layout outputLayout,
	threshold, iouThreshold float32,
	labels []string,
	origW, origH int,
) ([]models.Detection, error) {
	if len(predictions) != layout.size() {
		return nil, errors.Errorf("unexpected predictions length: got %d, want %d", len(predictions), layout.size())
	}

	candidates := collectCandidates(predictions, layout, threshold, float32(origW), float32(origH))
	kept := nonMaxSuppression(candidates, iouThreshold)

	detections := make([]models.Detection, 0, len(kept))
	for _, c := range kept {
		detections = append(detections, models.Detection{
			BBox: [4]int{
				int(math.Round(float64(c.box[0]))),
				int(math.Round(float64(c.box[1]))),
				int(math.Round(float64(c.box[2]))),
				int(math.Round(float64(c.box[3]))),
			},
			Confidence: math.Round(float64(c.score)*100) / 100,
			Class:      labelFor(labels, c.classID),
			ClassID:    c.classID,
		})
	}
	return detections, nil
}

func labelFor(labels []string, id int) string {
	if id >= 0 && id < len(labels) {
		return labels[id]
	}
	return strconv.Itoa(id)
}

func collectCandidates(predictions []float32, layout outputLayout, threshold, origW, origH float32) []candidate {
	const chunkSize = 512
	n := layout.anchors
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []candidate, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []candidate
			for start := range jobs {
				end := start + chunkSize
				if end > n {
					end = n
				}
				for i := start; i < end; i++ {
					best, classID := float32(-1), -1
					for c := 0; c < layout.numClasses; c++ {
						if s := predictions[(boxChannels+c)*n+i]; s > best {
							best, classID = s, c
						}
					}
					if best < threshold {
						continue
					}
					local = append(local, candidate{
						anchor: i,
						box: calculateBBox(
							predictions[i], predictions[n+i], predictions[2*n+i], predictions[3*n+i],
							float32(layout.inputSize), origW, origH,
						),
						score:   best,
						classID: classID,
					})
				}
			}
			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < n; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var candidates []candidate
	for chunk := range results {
		candidates = append(candidates, chunk...)
	}
	sortCandidates(candidates)
	return candidates
}

// calculateBBox maps a center-size box in input pixels to corner
// coordinates on the original frame, clamped to its bounds.
func calculateBBox(cx, cy, w, h, inputSize, origW, origH float32) [4]float32 {
	scaleX := origW / inputSize
	scaleY := origH / inputSize

	return [4]float32{
		clamp((cx-w/2)*scaleX, 0, origW),
		clamp((cy-h/2)*scaleY, 0, origH),
		clamp((cx+w/2)*scaleX, 0, origW),
		clamp((cy+h/2)*scaleY, 0, origH),
	}
}

// sortCandidates orders by score, then anchor, so output does not depend on
// worker scheduling.
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].anchor < candidates[j].anchor
	})
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
