// Command depthsense runs the underwater depth rig: stereo calibration,
// the live stereo disparity pipeline, or the time-of-flight pipeline.
package main

import (
	"context"
	"io"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/depthsense/calibration"
	"github.com/viam-labs/depthsense/camera"
	"github.com/viam-labs/depthsense/config"
	"github.com/viam-labs/depthsense/opencv"
	"github.com/viam-labs/depthsense/pipeline"
	"github.com/viam-labs/depthsense/segmentation"
	"github.com/viam-labs/depthsense/stereo"
	"github.com/viam-labs/depthsense/tof"
)

var logger = golog.NewDevelopmentLogger("depthsense")

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,usage=path to the rig configuration file"`
	Calibrate  bool   `flag:"calibrate,usage=run stereo calibration instead of the live pipeline"`
	ToF        bool   `flag:"tof,usage=run the time-of-flight pipeline"`
	Frames     int    `flag:"frames,default=10,usage=accepted frames to collect during calibration"`
	DataDir    string `flag:"data,usage=play back recorded frames from this directory instead of hardware"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	cfg, err := config.Read(argsParsed.ConfigFile)
	if err != nil {
		return err
	}

	switch {
	case argsParsed.Calibrate:
		return runCalibration(ctx, cfg, argsParsed, logger)
	case argsParsed.ToF:
		return runToF(ctx, cfg, argsParsed, logger)
	default:
		return runStereo(ctx, cfg, argsParsed, logger)
	}
}

func frameSource(cfg config.Config, argsParsed Arguments) pipeline.StereoFrameSource {
	if argsParsed.DataDir != "" {
		return &camera.DirSource{Dir: argsParsed.DataDir}
	}
	return &camera.StereoCapturer{
		Capturer: &camera.ExecCapturer{
			Program: cfg.Cameras.CaptureProgram,
			Args:    cfg.Cameras.CaptureArgs,
		},
		LeftID:  cfg.Cameras.LeftID,
		RightID: cfg.Cameras.RightID,
		WorkDir: cfg.Pipeline.SaveDir,
	}
}

func newStore(cfg config.Config, logger golog.Logger) *calibration.Store {
	store := calibration.NewStore(logger)
	if cfg.DecimalSeparator != "" {
		store.SetDecimalSeparator(cfg.DecimalSeparator)
	}
	return store
}

func runCalibration(ctx context.Context, cfg config.Config, argsParsed Arguments, logger golog.Logger) error {
	pattern := calibration.PatternConfig{
		Rows:       cfg.Pattern.Rows,
		Cols:       cfg.Pattern.Cols,
		SquareSize: cfg.Pattern.SquareSize,
	}
	cal, err := calibration.NewCalibrator(pattern, opencv.NewChessboardFinder(), logger)
	if err != nil {
		return err
	}
	if cfg.CornerDir != "" {
		cal.SetCornerDir(cfg.CornerDir)
	}

	frames := frameSource(cfg, argsParsed)
	for cal.Observations() < argsParsed.Frames {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := frames.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, camera.ErrFrameAcquisition) {
				logger.Warnw("frame acquisition failed, retrying", "error", err)
				continue
			}
			return err
		}
		if _, err := cal.AddFrame(frame); err != nil {
			return err
		}
	}

	params, err := cal.Calibrate(opencv.NewSolver())
	if err != nil {
		return err
	}
	if err := newStore(cfg, logger).Save(cfg.CalibrationDir, params); err != nil {
		return err
	}
	logger.Infow("calibration saved", "dir", cfg.CalibrationDir)
	return nil
}

func runStereo(ctx context.Context, cfg config.Config, argsParsed Arguments, logger golog.Logger) error {
	params, err := newStore(cfg, logger).Load(cfg.CalibrationDir)
	if err != nil {
		var incomplete *calibration.IncompleteLoadError
		if !errors.As(err, &incomplete) {
			return err
		}
		logger.Warnw("calibration is incomplete, run with -calibrate first", "missing", incomplete.Missing)
	}

	matcher, err := opencv.NewSGBM(cfg.Matcher)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(matcher.Close)

	segmenter, err := segmentation.NewEngine(cfg.Segmentation, logger)
	if err != nil {
		return err
	}
	engine := stereo.NewEngine(params, matcher, logger)
	source := pipeline.NewStereoSource(frameSource(cfg, argsParsed), engine, segmenter, logger)

	display := opencv.NewWindowDisplay("disparity", true)
	defer goutils.UncheckedErrorFunc(display.Close)

	return runScheduler(ctx, cfg, source, display, logger)
}

func runToF(ctx context.Context, cfg config.Config, argsParsed Arguments, logger golog.Logger) error {
	dir := cfg.ToF.PlaybackDir
	if argsParsed.DataDir != "" {
		dir = argsParsed.DataDir
	}
	if dir == "" {
		return errors.New("no time-of-flight source configured, set tof.playback_dir or -data")
	}
	sensor := &tof.PlaybackSensor{Dir: dir}
	defer goutils.UncheckedErrorFunc(sensor.Close)

	var correction tof.MediumCorrection
	if cfg.ToF.WaterCorrection {
		correction = tof.WaterCorrection()
	}
	segmenter, err := segmentation.NewEngine(cfg.Segmentation, logger)
	if err != nil {
		return err
	}
	source, err := pipeline.NewToFSource(sensor, cfg.ToF.MaxDist, cfg.ToFTimeout(),
		cfg.ToF.MedianSize, correction, segmenter, logger)
	if err != nil {
		return err
	}

	display := opencv.NewWindowDisplay("tof", true)
	defer goutils.UncheckedErrorFunc(display.Close)

	return runScheduler(ctx, cfg, source, display, logger)
}

func runScheduler(ctx context.Context, cfg config.Config, source pipeline.Source, display pipeline.Display, logger golog.Logger) error {
	sched := pipeline.NewScheduler(pipeline.Config{
		QueueSize:   cfg.Pipeline.QueueSize,
		GracePeriod: cfg.GracePeriod(),
		SaveDir:     cfg.Pipeline.SaveDir,
	}, source, display, logger)
	return sched.Run(ctx)
}
