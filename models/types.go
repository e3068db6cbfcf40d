package models

import "time"

// Detection is one recognized object. BBox is x1, y1, x2, y2 in pixels of the
// decoded frame.
type Detection struct {
	BBox       [4]int  `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Warning struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// DetectionResult is the success payload for one frame. Counts is derived
// from Detections and is never edited on its own.
type DetectionResult struct {
	Success      bool           `json:"success"`
	Detections   []Detection    `json:"detections"`
	Counts       map[string]int `json:"counts"`
	Warnings     []Warning      `json:"warnings"`
	TotalObjects int            `json:"total_objects"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Frame is a single encoded payload and the time it arrived.
type Frame struct {
	Payload    string
	ReceivedAt time.Time
}

type ModelInfo struct {
	ModelType     string   `json:"model_type"`
	Classes       []string `json:"classes"`
	NumClasses    int      `json:"num_classes"`
	ConfThreshold float32  `json:"conf_threshold"`
	Device        string   `json:"device"`
	CPUFeatures   []string `json:"cpu_features,omitempty"`
}

type ProcessingTimings struct {
	RequestID string
	Decode    time.Duration
	Inference time.Duration
	Aggregate time.Duration
	Total     time.Duration
}
