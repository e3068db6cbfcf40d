package stream

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Tutortoise/detection-stream-service/models"
)

type fakeTransport struct {
	in      chan []byte
	out     chan any
	recvErr error
	closed  atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:  make(chan []byte, 16),
		out: make(chan any, 16),
	}
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			if f.recvErr != nil {
				return nil, f.recvErr
			}
			return nil, errors.Wrap(ErrClosed, "peer closed")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Send(ctx context.Context, v any) error {
	f.out <- v
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.closed.Store(true)
	return nil
}

// fakeDetector reports one "person" box covering the whole frame, or the
// class configured for that frame width.
type fakeDetector struct {
	mu      sync.Mutex
	calls   int
	err     error
	classes map[int]string
	hook    func()
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image, threshold float32) ([]models.Detection, error) {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	b := img.Bounds()
	class := "person"
	if c, ok := f.classes[b.Dx()]; ok {
		class = c
	}
	return []models.Detection{{BBox: [4]int{0, 0, b.Dx(), b.Dy()}, Confidence: 0.9, Class: class}}, nil
}

func (f *fakeDetector) Destroy() error { return nil }

func (f *fakeDetector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
