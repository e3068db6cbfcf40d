package inference

import (
	"context"
	"image"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/models"
)

type fakeSession struct {
	block     chan struct{}
	panics    bool
	destroyed *atomic.Int32
}

func (f *fakeSession) Detect(ctx context.Context, img image.Image, threshold float32) ([]models.Detection, error) {
	if f.panics {
		panic("boom")
	}
	if f.block != nil {
		<-f.block
	}
	w := img.Bounds().Dx()
	return []models.Detection{{BBox: [4]int{0, 0, w, w}, Confidence: 0.9, Class: "person"}}, nil
}

func (f *fakeSession) Destroy() error {
	f.destroyed.Add(1)
	return nil
}

type fakeFactory struct {
	created   atomic.Int32
	destroyed atomic.Int32
	block     chan struct{}
	panics    bool
	fail      bool
}

func (f *fakeFactory) new() (detections.Detector, error) {
	if f.fail {
		return nil, errors.New("no model")
	}
	f.created.Add(1)
	return &fakeSession{block: f.block, panics: f.panics, destroyed: &f.destroyed}, nil
}

var frame = image.NewGray(image.Rect(0, 0, 4, 4))

func TestPoolDetect(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := NewPool(factory.new, Config{Size: 2, QueueDepth: 1}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	dets, err := pool.Detect(context.Background(), frame, 0.25)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].BBox, test.ShouldResemble, [4]int{0, 0, 4, 4})

	m := pool.Metrics()
	test.That(t, m.PoolSize, test.ShouldEqual, 2)
	test.That(t, m.TotalAcquired, test.ShouldEqual, 1)
	test.That(t, factory.created.Load(), test.ShouldEqual, 2)
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	factory := &fakeFactory{block: make(chan struct{})}
	pool, err := NewPool(factory.new, Config{Size: 1, QueueDepth: 1}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := pool.Detect(context.Background(), frame, 0.25)
			errs <- err
		}()
	}

	// one frame running, one waiting for the session
	deadline := time.Now().Add(2 * time.Second)
	for pool.Metrics().TotalAcquired < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	_, err = pool.Detect(context.Background(), frame, 0.25)
	test.That(t, errors.Is(err, ErrQueueFull), test.ShouldBeTrue)
	test.That(t, pool.Metrics().RejectedFrames, test.ShouldEqual, 1)

	close(factory.block)
	test.That(t, <-errs, test.ShouldBeNil)
	test.That(t, <-errs, test.ShouldBeNil)
}

func TestPoolTimeout(t *testing.T) {
	factory := &fakeFactory{block: make(chan struct{})}
	pool, err := NewPool(factory.new, Config{Size: 1, Timeout: 20 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	_, err = pool.Detect(context.Background(), frame, 0.25)
	test.That(t, errors.Is(err, ErrTimeout), test.ShouldBeTrue)
	test.That(t, pool.Metrics().Timeouts, test.ShouldEqual, 1)

	close(factory.block)
	deadline := time.Now().Add(2 * time.Second)
	for pool.Metrics().TotalReleased < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	test.That(t, pool.Metrics().SessionsInUse, test.ShouldEqual, 0)

	dets, err := pool.Detect(context.Background(), frame, 0.25)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
}

func TestPoolRecoversPanickingSession(t *testing.T) {
	factory := &fakeFactory{panics: true}
	pool, err := NewPool(factory.new, Config{Size: 1}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	_, err = pool.Detect(context.Background(), frame, 0.25)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "model session crashed")
	test.That(t, pool.Metrics().LiveSessions, test.ShouldEqual, 0)
	test.That(t, factory.destroyed.Load(), test.ShouldEqual, 1)

	factory.panics = false
	pool.replenish()
	test.That(t, pool.Metrics().LiveSessions, test.ShouldEqual, 1)

	_, err = pool.Detect(context.Background(), frame, 0.25)
	test.That(t, err, test.ShouldBeNil)
}

func TestPoolClosed(t *testing.T) {
	factory := &fakeFactory{}
	pool, err := NewPool(factory.new, Config{Size: 3}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pool.Destroy(), test.ShouldBeNil)
	test.That(t, pool.Destroy(), test.ShouldBeNil)
	test.That(t, factory.destroyed.Load(), test.ShouldEqual, 3)

	_, err = pool.Detect(context.Background(), frame, 0.25)
	test.That(t, errors.Is(err, ErrPoolClosed), test.ShouldBeTrue)
}

func TestNewPoolFactoryFailure(t *testing.T) {
	factory := &fakeFactory{fail: true}
	_, err := NewPool(factory.new, Config{Size: 2}, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no model")
}
