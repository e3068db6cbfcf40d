// Package aggregate derives per-class counts and warnings from detections.
package aggregate

import (
	"github.com/benbjohnson/clock"

	"github.com/Tutortoise/detection-stream-service/models"
)

// Rule inspects class counts and reports at most one warning.
type Rule interface {
	Evaluate(counts map[string]int) (models.Warning, bool)
}

// ClassCountRule fires when a class is seen more than Threshold times.
type ClassCountRule struct {
	Type      string
	Class     string
	Threshold int
	Message   string
	Severity  models.Severity
}

func (r ClassCountRule) Evaluate(counts map[string]int) (models.Warning, bool) {
	if counts[r.Class] <= r.Threshold {
		return models.Warning{}, false
	}
	return models.Warning{Type: r.Type, Message: r.Message, Severity: r.Severity}, true
}

// BottleRule is the default rule: any bottle in frame must be removed.
var BottleRule = ClassCountRule{
	Type:      "bottle_detected",
	Class:     "bottle",
	Threshold: 0,
	Message:   "⚠️ Botella detectada - Debe ser retirada",
	Severity:  models.SeverityHigh,
}

// Aggregator is safe for concurrent use; its rules are fixed at creation.
type Aggregator struct {
	rules []Rule
	clock clock.Clock
}

func New(clk clock.Clock, rules ...Rule) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{rules: append([]Rule(nil), rules...), clock: clk}
}

// Aggregate tallies detections by class and evaluates every rule in order.
// The result does not depend on the order of detections.
func (a *Aggregator) Aggregate(detections []models.Detection) models.DetectionResult {
	counts := make(map[string]int, len(detections))
	for _, d := range detections {
		counts[d.Class]++
	}

	warnings := make([]models.Warning, 0, len(a.rules))
	for _, rule := range a.rules {
		if w, ok := rule.Evaluate(counts); ok {
			warnings = append(warnings, w)
		}
	}

	if detections == nil {
		detections = []models.Detection{}
	}
	return models.DetectionResult{
		Success:      true,
		Detections:   detections,
		Counts:       counts,
		Warnings:     warnings,
		TotalObjects: len(detections),
		Timestamp:    a.clock.Now(),
	}
}
