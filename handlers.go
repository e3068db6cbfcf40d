package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/Tutortoise/detection-stream-service/aggregate"
	"github.com/Tutortoise/detection-stream-service/config"
	"github.com/Tutortoise/detection-stream-service/decoding"
	"github.com/Tutortoise/detection-stream-service/inference"
	"github.com/Tutortoise/detection-stream-service/models"
	"github.com/Tutortoise/detection-stream-service/stream"
)

const bannerMessage = "YOLO Detection API - Running"

type AppState struct {
	Config    *config.Config
	Pool      *inference.Pool
	Manager   *stream.Manager
	Pipeline  *stream.Pipeline
	ModelInfo models.ModelInfo
	Clock     clock.Clock
	Logger    *zap.SugaredLogger

	modelLoaded atomic.Bool
}

type healthResponse struct {
	Status            string           `json:"status"`
	ModelLoaded       bool             `json:"model_loaded"`
	ActiveConnections int              `json:"active_connections"`
	ModelInfo         models.ModelInfo `json:"model_info"`
}

type bannerResponse struct {
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type metricsResponse struct {
	Inference inference.MetricsSnapshot `json:"inference"`
	Streams   stream.ManagerStats       `json:"streams"`
}

func newAppState(cfg *config.Config, pool *inference.Pool, info models.ModelInfo, clk clock.Clock, logger *zap.SugaredLogger) *AppState {
	if clk == nil {
		clk = clock.New()
	}
	rules := make([]aggregate.Rule, 0, len(cfg.Warnings))
	for _, w := range cfg.Warnings {
		rules = append(rules, aggregate.ClassCountRule{
			Type:      w.Type,
			Class:     w.Class,
			Threshold: w.Threshold,
			Message:   w.Message,
			Severity:  w.Severity,
		})
	}

	pipeline := stream.NewPipeline(
		decoding.Decoder{MaxPixels: cfg.Stream.MaxFramePixels},
		pool,
		aggregate.New(clk, rules...),
		cfg.Model.ConfThreshold,
		logger.Named("pipeline"),
	)

	return &AppState{
		Config:    cfg,
		Pool:      pool,
		Manager:   stream.NewManager(cfg.Stream.MaxConnections),
		Pipeline:  pipeline,
		ModelInfo: info,
		Clock:     clk,
		Logger:    logger,
	}
}

func (s *AppState) SetModelLoaded(loaded bool) {
	s.modelLoaded.Store(loaded)
}

func (s *AppState) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/model/info", s.handleModelInfo).Methods("GET")
	r.HandleFunc("/api/detect", s.handleDetect).Methods("POST")
	r.HandleFunc("/ws/detect", s.handleStream).Methods("GET")
	s.addMonitoringRoutes(r)

	return cors.New(cors.Options{
		AllowedOrigins:   s.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, bannerResponse{
		Message:   bannerMessage,
		Status:    "online",
		Timestamp: s.Clock.Now(),
	})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:            "healthy",
		ModelLoaded:       s.modelLoaded.Load(),
		ActiveConnections: s.Manager.Count(),
		ModelInfo:         s.ModelInfo,
	}
	status := http.StatusOK
	if !resp.ModelLoaded {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *AppState) handleModelInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ModelInfo)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := metricsResponse{Streams: s.Manager.Stats()}
	if s.Pool != nil {
		resp.Inference = s.Pool.Metrics()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDetect is the one-shot variant of the stream: same pipeline, with
// failures reported through HTTP status codes.
func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.Config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, models.ErrorMessage{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, models.ErrorMessage{Error: stream.MsgInvalidJSON})
		return
	}

	switch msg := models.ParseInbound(body).(type) {
	case models.MissingImage:
		writeJSON(w, http.StatusBadRequest, models.ErrorMessage{Error: stream.MsgMissingImageRequest})
	case models.DetectRequest:
		result, err := s.Pipeline.Process(r.Context(), models.Frame{Payload: msg.Image, ReceivedAt: s.Clock.Now()})
		if err != nil {
			s.writeFrameError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeJSON(w, http.StatusBadRequest, models.ErrorMessage{Error: stream.MsgInvalidJSON})
	}
}

func (s *AppState) writeFrameError(w http.ResponseWriter, err error) {
	var frameErr *stream.FrameError
	if !errors.As(err, &frameErr) {
		frameErr = &stream.FrameError{Kind: stream.KindProcessing, Message: stream.MsgProcessingPrefix + "detection failed", Cause: err}
	}

	status := http.StatusInternalServerError
	switch frameErr.Kind {
	case stream.KindMalformed, stream.KindMissingImage, stream.KindDecode:
		status = http.StatusBadRequest
	case stream.KindBusy:
		status = http.StatusServiceUnavailable
	}
	s.Logger.Warnw("detect request failed", "kind", frameErr.Kind.String(), "status", status, "error", frameErr.Error())
	writeJSON(w, status, frameErr.Response())
}

// handleStream upgrades to a websocket and runs one session on it until the
// peer leaves or the server shuts down.
func (s *AppState) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.Logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	transport := stream.NewWebsocketTransport(conn, s.Config.Stream.MaxMessageBytes)
	c, err := s.Manager.Accept(transport)
	if err != nil {
		s.Logger.Warnw("connection refused", "remote", r.RemoteAddr, "error", err)
		if errors.Is(err, stream.ErrConnectionLimitExceeded) {
			_ = conn.Close(websocket.StatusTryAgainLater, stream.MsgConnectionLimit)
		} else {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		return
	}

	session := stream.NewSession(c, s.Manager, s.Pipeline, s.Logger.Named("stream"))
	if st := session.Run(r.Context()); st == stream.StateClosedGraceful {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// acceptOptions turns the CORS origin list into websocket host patterns.
func (s *AppState) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.Config.Server.AllowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}

// shutdown closes every stream so their sessions end before the HTTP server
// stops accepting.
func (s *AppState) shutdown(ctx context.Context, srv *http.Server) error {
	s.SetModelLoaded(false)
	closeErr := s.Manager.CloseAll("server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return closeErr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
