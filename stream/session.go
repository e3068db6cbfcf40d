package stream

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-stream-service/models"
)

// State is where a session is in its receive, process, respond cycle.
type State int32

const (
	StateAwaitingMessage State = iota
	StateDecoding
	StateInferring
	StateAggregating
	StateResponding
	StateClosedGraceful
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateAwaitingMessage:
		return "AWAITING_MESSAGE"
	case StateDecoding:
		return "DECODING"
	case StateInferring:
		return "INFERRING"
	case StateAggregating:
		return "AGGREGATING"
	case StateResponding:
		return "RESPONDING"
	case StateClosedGraceful:
		return "CLOSED_GRACEFUL"
	case StateClosedError:
		return "CLOSED_ERROR"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether the session has stopped.
func (s State) Terminal() bool {
	return s == StateClosedGraceful || s == StateClosedError
}

// Session handles one connection's messages strictly one at a time, so
// replies leave in the order frames arrived.
type Session struct {
	conn     *Connection
	manager  *Manager
	pipeline *Pipeline
	logger   *zap.SugaredLogger

	state     atomic.Int32
	frames    atomic.Int64
	errors    atomic.Int64
	discarded atomic.Int64
}

func NewSession(conn *Connection, manager *Manager, pipeline *Pipeline, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		conn:     conn,
		manager:  manager,
		pipeline: pipeline,
		logger:   logger.With("connection", conn.ID.String()),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) enter(st State) {
	s.state.Store(int32(st))
}

// Run loops until the transport closes or fails, then removes the
// connection. Per-frame failures are answered inline and never end the loop.
func (s *Session) Run(ctx context.Context) State {
	defer s.manager.Remove(s.conn)
	s.logger.Infow("session started", "active", s.manager.Count())

	for {
		s.enter(StateAwaitingMessage)
		data, err := s.conn.Transport.Receive(ctx)
		if err != nil {
			return s.close(ctx, err)
		}

		reply := s.handle(ctx, data)

		if !s.conn.Alive() || ctx.Err() != nil {
			s.discarded.Add(1)
			return s.close(ctx, ErrClosed)
		}

		s.enter(StateResponding)
		if err := s.conn.Transport.Send(ctx, reply); err != nil {
			return s.close(ctx, err)
		}
	}
}

func (s *Session) handle(ctx context.Context, data []byte) models.Outbound {
	seq := s.frames.Add(1)

	switch msg := models.ParseInbound(data).(type) {
	case models.MalformedMessage:
		s.errors.Add(1)
		return models.ErrorMessage{Error: MsgInvalidJSON}
	case models.MissingImage:
		s.errors.Add(1)
		return models.ErrorMessage{Error: MsgMissingImage}
	case models.DetectRequest:
		frame := models.Frame{Payload: msg.Image, ReceivedAt: time.Now()}
		result, err := s.pipeline.run(ctx, frame, s.conn.ID.String()+"/"+strconv.FormatInt(seq, 10), s.enter)
		if err != nil {
			s.errors.Add(1)
			return s.frameError(err)
		}
		return result
	default:
		s.errors.Add(1)
		return models.ErrorMessage{Error: MsgInvalidJSON}
	}
}

func (s *Session) frameError(err error) models.ErrorMessage {
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		frameErr = &FrameError{Kind: KindProcessing, Message: MsgProcessingPrefix + "detection failed", Cause: err}
	}
	s.logger.Warnw("frame failed", "kind", frameErr.Kind.String(), "error", frameErr.Error())
	return frameErr.Response()
}

// close picks the terminal state. A peer close, server shutdown or an
// already removed connection is graceful; anything else means the channel
// broke.
func (s *Session) close(ctx context.Context, err error) State {
	st := StateClosedError
	if errors.Is(err, ErrClosed) || ctx.Err() != nil || !s.conn.Alive() {
		st = StateClosedGraceful
	}
	s.enter(st)

	fields := []any{
		"state", st.String(),
		"frames", s.frames.Load(),
		"frame_errors", s.errors.Load(),
		"discarded", s.discarded.Load(),
		"lifetime", time.Since(s.conn.CreatedAt),
	}
	if st == StateClosedError {
		s.logger.Warnw("session closed on transport error", append(fields, "error", err)...)
		_ = s.conn.Transport.Close("transport error")
	} else {
		s.logger.Infow("session closed", fields...)
	}
	return st
}
