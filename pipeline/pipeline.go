// Package pipeline runs the live capture loop: a producer goroutine pulls
// processed frames from a source while the consumer shows them and reacts
// to operator commands.
package pipeline

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/depthsense/camera"
)

// ErrPersistenceIncomplete is returned when saving a frame's artifacts
// only partially succeeded. The files that were written stay on disk.
var ErrPersistenceIncomplete = errors.New("frame artifacts were not fully persisted")

// Command is an operator request picked up between frames.
type Command int

// The operator commands.
const (
	CommandNone Command = iota
	// CommandQuit winds the pipeline down.
	CommandQuit
	// CommandSave persists the current frame's artifacts.
	CommandSave
	// CommandAnalyze runs the current frame through segmentation and
	// persists the analysis.
	CommandAnalyze
)

// Result is one processed frame moving from the producer to the
// consumer.
type Result interface {
	// Preview is the image shown for the frame.
	Preview() image.Image
	// Persist writes the frame's artifacts through the snapshot writer.
	Persist(snap *camera.SnapshotWriter) error
	// Analyze runs the frame's analysis pass and persists its output
	// through the snapshot writer.
	Analyze(snap *camera.SnapshotWriter) error
}

// Source produces processed frames. Next returns io.EOF when the stream
// is exhausted; a camera.ErrFrameAcquisition return is logged and the
// frame skipped.
type Source interface {
	Next(ctx context.Context) (Result, error)
}

// Display shows frames and reports operator commands.
type Display interface {
	Render(img image.Image) error
	// Poll returns the pending operator command, or CommandNone.
	Poll() Command
}

// Config tunes the scheduler.
type Config struct {
	// QueueSize is the producer-consumer buffer depth.
	QueueSize int
	// GracePeriod bounds how long shutdown waits for the producer.
	GracePeriod time.Duration
	// SaveDir receives persisted frame artifacts.
	SaveDir string
}

// DefaultConfig returns the scheduler tuning the rig ships with.
func DefaultConfig() Config {
	return Config{QueueSize: 4, GracePeriod: 5 * time.Second, SaveDir: "."}
}

// Scheduler owns the producer-consumer frame loop.
type Scheduler struct {
	cfg     Config
	source  Source
	display Display
	logger  golog.Logger

	stopped                 *atomic.Bool
	activeBackgroundWorkers sync.WaitGroup
}

// NewScheduler returns a scheduler over a source and display.
func NewScheduler(cfg Config, source Source, display Display, logger golog.Logger) *Scheduler {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Scheduler{
		cfg:     cfg,
		source:  source,
		display: display,
		logger:  logger,
		stopped: atomic.NewBool(false),
	}
}

// Stop asks the loop to wind down after the frame in flight.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Run drives the loop until the source is exhausted, the operator quits,
// or the context is canceled. A nil result on the queue marks the end of
// the stream.
func (s *Scheduler) Run(ctx context.Context) error {
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan Result, s.cfg.QueueSize)
	producerDone := make(chan struct{})
	s.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer s.activeBackgroundWorkers.Done()
		defer close(producerDone)
		s.produce(cancelCtx, queue)
	})

	err := s.consume(cancelCtx, queue)
	s.stopped.Store(true)
	cancel()

	select {
	case <-producerDone:
	case <-time.After(s.cfg.GracePeriod):
		s.logger.Errorw("producer did not stop within the grace period, abandoning it",
			"grace", s.cfg.GracePeriod)
		return errors.New("producer did not stop in time")
	}
	s.activeBackgroundWorkers.Wait()
	return err
}

func (s *Scheduler) produce(ctx context.Context, queue chan<- Result) {
	for !s.stopped.Load() {
		if ctx.Err() != nil {
			break
		}
		res, err := s.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, camera.ErrFrameAcquisition) {
				s.logger.Warnw("frame acquisition failed, skipping", "error", err)
				continue
			}
			s.logger.Errorw("source failed, stopping", "error", err)
			break
		}
		select {
		case queue <- res:
		case <-ctx.Done():
			return
		}
	}
	// end-of-stream marker
	select {
	case queue <- nil:
	case <-ctx.Done():
	}
}

func (s *Scheduler) consume(ctx context.Context, queue <-chan Result) error {
	snap := camera.NewSnapshotWriter(s.cfg.SaveDir)
	for {
		var res Result
		if s.stopped.Load() {
			// wind-down: drain whatever is already queued, then leave
			select {
			case res = <-queue:
			default:
				return nil
			}
		} else {
			select {
			case res = <-queue:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if res == nil {
			return nil
		}

		if err := s.display.Render(res.Preview()); err != nil {
			s.logger.Warnw("cannot render frame", "error", err)
		}
		switch s.display.Poll() {
		case CommandQuit:
			// stop producing; frames already queued still drain below
			s.Stop()
		case CommandSave:
			if err := res.Persist(snap); err != nil {
				s.logger.Errorw("cannot persist frame artifacts", "snapshot", snap.Counter(), "error", err)
			}
			snap.Advance()
		case CommandAnalyze:
			if err := res.Analyze(snap); err != nil {
				s.logger.Errorw("frame analysis failed", "snapshot", snap.Counter(), "error", err)
			}
			snap.Advance()
		case CommandNone:
		}
	}
}
