package detections

// nonMaxSuppression keeps, per class, each box that does not overlap an
// already kept higher-scoring box by more than iouThreshold. Input must be
// sorted by descending score.
func nonMaxSuppression(candidates []candidate, iouThreshold float32) []candidate {
	kept := make([]candidate, 0, len(candidates))
	byClass := make(map[int][]int)

	for _, c := range candidates {
		suppressed := false
		for _, idx := range byClass[c.classID] {
			if calculateIOU(c.box, kept[idx].box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		byClass[c.classID] = append(byClass[c.classID], len(kept))
		kept = append(kept, c)
	}
	return kept
}

func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := max(box1[0], box2[0])
	y1 := max(box1[1], box2[1])
	x2 := min(box1[2], box2[2])
	y2 := min(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (box1[2] - box1[0]) * (box1[3] - box1[1])
	area2 := (box2[2] - box2[0]) * (box2[3] - box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}
