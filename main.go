package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/detection-stream-service/config"
	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/inference"
	"github.com/Tutortoise/detection-stream-service/logging"
	"github.com/Tutortoise/detection-stream-service/models"
)

func main() {
	app := &cli.App{
		Name:  "detection-server",
		Usage: "stream object detection over websocket and HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"DETECTION_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides server.addr",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log per-frame timings",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if c.Bool("debug") {
		cfg.Log.Debug = true
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "failed to build logger")
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	labels, err := detections.LoadLabels(cfg.Model.LabelsPath)
	if err != nil {
		return errors.Wrap(err, "failed to load labels")
	}

	if err := detections.InitRuntime(cfg.Model.RuntimeLibrary); err != nil {
		return errors.Wrap(err, "failed to initialize onnxruntime")
	}
	pool, err := inference.NewPool(sessionFactory(cfg, labels, sugar.Named("model")), inference.Config{
		Size:       cfg.Inference.Workers,
		QueueDepth: cfg.Inference.QueueDepth,
		Timeout:    cfg.Inference.Timeout,
	}, sugar.Named("inference"))
	if err != nil {
		return multierr.Combine(errors.Wrap(err, "failed to load model"), detections.DestroyRuntime())
	}

	info := models.ModelInfo{
		ModelType:     "YOLOv8",
		Classes:       labels,
		NumClasses:    len(labels),
		ConfThreshold: cfg.Model.ConfThreshold,
		Device:        cfg.Model.Device,
		CPUFeatures:   detections.CPUFeatures(),
	}
	state := newAppState(cfg, pool, info, nil, sugar)
	state.SetModelLoaded(true)

	srv := &http.Server{
		Handler:           state.Router(),
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		sugar.Infow("starting server",
			"addr", srv.Addr,
			"model", cfg.Model.Path,
			"workers", pool.Size(),
			"queue_depth", cfg.Inference.QueueDepth,
			"cpu_features", info.CPUFeatures,
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		sugar.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		err = state.shutdown(shutdownCtx, srv)
		cancel()
	}

	return multierr.Combine(err, pool.Destroy(), detections.DestroyRuntime())
}

func sessionFactory(cfg *config.Config, labels []string, logger *zap.SugaredLogger) inference.Factory {
	return func() (detections.Detector, error) {
		return detections.NewModelSession(detections.SessionConfig{
			ModelPath:    cfg.Model.Path,
			Labels:       labels,
			InputSize:    cfg.Model.InputSize,
			IoUThreshold: cfg.Model.IoUThreshold,
			ChannelOrder: detections.ChannelOrder(cfg.Model.ChannelOrder),
			Threads:      cfg.Inference.ThreadsPerModel,
			Logger:       logger,
		})
	}
}
