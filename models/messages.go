package models

import (
	"bytes"
	"encoding/json"
)

// Inbound is what a client message parses into: a DetectRequest,
// a MalformedMessage or a MissingImage.
type Inbound interface {
	inbound()
}

type DetectRequest struct {
	Image string
}

// MalformedMessage is a payload that is not a JSON object.
type MalformedMessage struct {
	Err error
}

// MissingImage is a JSON object without an "image" member.
type MissingImage struct{}

func (DetectRequest) inbound()    {}
func (MalformedMessage) inbound() {}
func (MissingImage) inbound()     {}

// ParseInbound classifies a raw client message. A non-string image is
// accepted here and left for the decoder to reject.
func ParseInbound(data []byte) Inbound {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return MalformedMessage{Err: err}
	}
	if fields == nil {
		return MalformedMessage{}
	}

	raw, ok := fields["image"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return MissingImage{}
	}

	var image string
	if err := json.Unmarshal(raw, &image); err != nil {
		return DetectRequest{}
	}
	return DetectRequest{Image: image}
}

// Outbound is a reply to a client: a DetectionResult or an ErrorMessage.
type Outbound interface {
	outbound()
}

type ErrorMessage struct {
	Error string `json:"error"`
}

func (DetectionResult) outbound() {}
func (ErrorMessage) outbound()    {}
