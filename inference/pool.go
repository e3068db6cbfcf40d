// Package inference runs detections on a fixed set of model sessions with a
// bounded admission queue.
package inference

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/models"
)

const (
	DefaultPoolSize   = 4
	DefaultQueueDepth = 16
	DefaultTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrQueueFull  = errors.New("inference queue full")
	ErrTimeout    = errors.New("inference timeout")
)

// Factory opens one model session.
type Factory func() (detections.Detector, error)

type Config struct {
	Size              int
	QueueDepth        int
	Timeout           time.Duration
	HealthCheckPeriod time.Duration
}

// Pool hands frames to idle sessions. At most Size+QueueDepth frames are
// admitted at once; beyond that Detect fails fast with ErrQueueFull.
type Pool struct {
	sessions chan detections.Detector
	admit    *semaphore.Weighted
	factory  Factory
	size     int
	depth    int
	timeout  time.Duration
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	done       chan struct{}

	metrics *Metrics
}

var _ detections.Detector = (*Pool)(nil)

func NewPool(factory Factory, cfg Config, logger *zap.SugaredLogger) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = min(runtime.NumCPU(), DefaultPoolSize)
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if cfg.HealthCheckPeriod <= 0 {
		cfg.HealthCheckPeriod = HealthCheckPeriod
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	pool := &Pool{
		sessions: make(chan detections.Detector, cfg.Size),
		admit:    semaphore.NewWeighted(int64(cfg.Size + cfg.QueueDepth)),
		factory:  factory,
		size:     cfg.Size,
		depth:    cfg.QueueDepth,
		timeout:  cfg.Timeout,
		logger:   logger,
		done:     make(chan struct{}),
		metrics:  &Metrics{},
	}

	for i := 0; i < cfg.Size; i++ {
		session, err := factory()
		if err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "failed to initialize session %d", i), pool.Destroy())
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(cfg.HealthCheckPeriod)
	return pool, nil
}

func (p *Pool) Size() int { return p.size }

// Detect runs one frame on the next idle session. A timed-out call returns
// ErrTimeout while the session finishes in the background and rejoins the
// pool.
func (p *Pool) Detect(ctx context.Context, img image.Image, threshold float32) ([]models.Detection, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if !p.admit.TryAcquire(1) {
		p.metrics.rejected()
		return nil, ErrQueueFull
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	session, err := p.acquire(ctx)
	if err != nil {
		p.admit.Release(1)
		return nil, p.contextError(err)
	}

	type outcome struct {
		detections []models.Detection
		err        error
	}
	result := make(chan outcome, 1)

	go func() {
		defer p.admit.Release(1)
		start := time.Now()
		dets, broken, err := p.run(ctx, session, img, threshold)
		p.metrics.ran(time.Since(start), err != nil)
		if broken {
			p.discard(session)
		} else {
			p.release(session)
		}
		result <- outcome{dets, err}
	}()

	select {
	case out := <-result:
		if out.err != nil {
			return nil, p.contextError(out.err)
		}
		return out.detections, nil
	case <-ctx.Done():
		return nil, p.contextError(ctx.Err())
	}
}

// run calls the session and turns a panic into an error. A session that
// panicked is reported broken and is not reused.
func (p *Pool) run(
	ctx context.Context,
	session detections.Detector,
	img image.Image,
	threshold float32,
) (dets []models.Detection, broken bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("model session panicked", "panic", r)
			dets, broken = nil, true
			err = &detections.ProcessingError{Message: "model session crashed", Cause: fmt.Errorf("%v", r)}
		}
	}()
	dets, err = session.Detect(ctx, img, threshold)
	return dets, false, err
}

func (p *Pool) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		p.metrics.timedOut()
		return ErrTimeout
	}
	return err
}

func (p *Pool) acquire(ctx context.Context) (detections.Detector, error) {
	start := time.Now()
	defer func() { p.metrics.waited(time.Since(start)) }()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.acquired()
		return session, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		p.metrics.acquireFailed()
		return nil, ctx.Err()
	}
}

func (p *Pool) release(session detections.Detector) {
	p.metrics.released()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.recordError(session.Destroy())
		return
	}
	p.sessions <- session
}

func (p *Pool) discard(session detections.Detector) {
	p.metrics.released()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.recordError(session.Destroy())
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Destroy closes the pool and destroys idle sessions. Sessions still running
// are destroyed when they finish.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	var err error
	for {
		select {
		case session := <-p.sessions:
			p.live--
			err = multierr.Append(err, session.Destroy())
		default:
			return err
		}
	}
}

func (p *Pool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish replaces sessions that were discarded after crashing.
func (p *Pool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.recordError(err)
			p.mu.Unlock()
			p.logger.Warnw("could not replace model session", "error", err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
}

// recordError must be called with p.mu held.
func (p *Pool) recordError(err error) {
	if err == nil {
		return
	}
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// Metrics returns a point-in-time copy of the pool counters.
func (p *Pool) Metrics() MetricsSnapshot {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	snap := p.metrics.snapshot()
	snap.PoolSize = p.size
	snap.QueueDepth = p.depth
	snap.LiveSessions = live
	return snap
}
