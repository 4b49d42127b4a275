package pipeline

import (
	"context"
	"image"
	"io"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-labs/depthsense/camera"
)

type scriptedResult struct {
	id        int
	persisted *[]int
	analyzed  *[]int
}

func (r *scriptedResult) Preview() image.Image {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Pix[0] = uint8(r.id)
	return img
}

func (r *scriptedResult) Persist(*camera.SnapshotWriter) error {
	*r.persisted = append(*r.persisted, r.id)
	return nil
}

func (r *scriptedResult) Analyze(*camera.SnapshotWriter) error {
	*r.analyzed = append(*r.analyzed, r.id)
	return nil
}

// scriptedSource plays a fixed list of outcomes, then reports end of
// stream. The optional exhausted channel closes on the first EOF.
type scriptedSource struct {
	results   []Result
	errs      []error
	callCount int
	exhausted chan struct{}
}

func (s *scriptedSource) Next(context.Context) (Result, error) {
	i := s.callCount
	s.callCount++
	if i >= len(s.results) {
		if s.exhausted != nil {
			close(s.exhausted)
			s.exhausted = nil
		}
		return nil, io.EOF
	}
	if s.errs != nil && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.results[i], nil
}

type scriptedDisplay struct {
	rendered []uint8
	commands []Command
}

func (d *scriptedDisplay) Render(img image.Image) error {
	d.rendered = append(d.rendered, img.(*image.Gray).Pix[0])
	return nil
}

func (d *scriptedDisplay) Poll() Command {
	if len(d.commands) == 0 {
		return CommandNone
	}
	cmd := d.commands[0]
	d.commands = d.commands[1:]
	return cmd
}

func makeResults(n int, persisted, analyzed *[]int) []Result {
	out := make([]Result, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, &scriptedResult{id: i, persisted: persisted, analyzed: analyzed})
	}
	return out
}

func TestSchedulerDrainsSourceInOrder(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var persisted, analyzed []int
	source := &scriptedSource{results: makeResults(3, &persisted, &analyzed)}
	display := &scriptedDisplay{}

	s := NewScheduler(DefaultConfig(), source, display, logger)
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)

	// all three frames rendered in production order, then the stream end
	test.That(t, display.rendered, test.ShouldResemble, []uint8{1, 2, 3})
	test.That(t, persisted, test.ShouldBeEmpty)
}

// gatedDisplay holds the first render until the gate opens, letting the
// producer run ahead of the consumer.
type gatedDisplay struct {
	scriptedDisplay
	gate <-chan struct{}
}

func (d *gatedDisplay) Render(img image.Image) error {
	<-d.gate
	return d.scriptedDisplay.Render(img)
}

func TestSchedulerQuitDrainsQueue(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var persisted, analyzed []int
	gate := make(chan struct{})
	source := &scriptedSource{results: makeResults(3, &persisted, &analyzed), exhausted: gate}
	display := &gatedDisplay{
		scriptedDisplay: scriptedDisplay{commands: []Command{CommandQuit}},
		gate:            gate,
	}

	s := NewScheduler(DefaultConfig(), source, display, logger)
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)

	// quitting on the first frame stops production, but the frames
	// already queued behind it are still shown
	test.That(t, display.rendered, test.ShouldResemble, []uint8{1, 2, 3})
	test.That(t, persisted, test.ShouldBeEmpty)
}

// stopAfterSource delivers its scripted frames, then trips the stop flag
// the way an external caller would.
type stopAfterSource struct {
	results []Result
	stop    func()
	calls   int
}

func (s *stopAfterSource) Next(context.Context) (Result, error) {
	if s.calls < len(s.results) {
		s.calls++
		return s.results[s.calls-1], nil
	}
	s.stop()
	return nil, errors.Wrap(camera.ErrFrameAcquisition, "capture interrupted")
}

func TestSchedulerExternalStopDrainsQueue(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var persisted, analyzed []int
	source := &stopAfterSource{results: makeResults(3, &persisted, &analyzed)}
	display := &scriptedDisplay{}

	cfg := DefaultConfig()
	cfg.QueueSize = 8
	s := NewScheduler(cfg, source, display, logger)
	source.stop = s.Stop
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)

	// every frame produced before the stop is still consumed
	test.That(t, display.rendered, test.ShouldResemble, []uint8{1, 2, 3})
}

func TestSchedulerSaveAndAnalyzeCommands(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var persisted, analyzed []int
	source := &scriptedSource{results: makeResults(3, &persisted, &analyzed)}
	display := &scriptedDisplay{commands: []Command{CommandSave, CommandAnalyze, CommandNone}}

	s := NewScheduler(DefaultConfig(), source, display, logger)
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)
	test.That(t, persisted, test.ShouldResemble, []int{1})
	test.That(t, analyzed, test.ShouldResemble, []int{2})
}

func TestSchedulerSkipsFailedAcquisitions(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var persisted, analyzed []int
	results := makeResults(2, &persisted, &analyzed)
	source := &scriptedSource{
		results: []Result{results[0], nil, results[1]},
		errs:    []error{nil, errors.Wrap(camera.ErrFrameAcquisition, "camera hiccup"), nil},
	}
	display := &scriptedDisplay{}

	s := NewScheduler(DefaultConfig(), source, display, logger)
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)
	test.That(t, display.rendered, test.ShouldResemble, []uint8{1, 2})
}

func TestSchedulerStopsOnSourceError(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var persisted, analyzed []int
	results := makeResults(2, &persisted, &analyzed)
	source := &scriptedSource{
		results: []Result{results[0], nil, results[1]},
		errs:    []error{nil, errors.New("sensor wedged"), nil},
	}
	display := &scriptedDisplay{}

	s := NewScheduler(DefaultConfig(), source, display, logger)
	test.That(t, s.Run(context.Background()), test.ShouldBeNil)
	test.That(t, display.rendered, test.ShouldResemble, []uint8{1})
}

// blockingSource ignores context cancellation, standing in for a wedged
// capture stack.
type blockingSource struct {
	first Result
	sent  bool
	block chan struct{}
}

func (s *blockingSource) Next(context.Context) (Result, error) {
	if !s.sent {
		s.sent = true
		return s.first, nil
	}
	<-s.block
	return nil, io.EOF
}

func TestSchedulerGracePeriod(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var persisted, analyzed []int
	source := &blockingSource{
		first: &scriptedResult{id: 1, persisted: &persisted, analyzed: &analyzed},
		block: make(chan struct{}),
	}
	display := &scriptedDisplay{commands: []Command{CommandQuit}}

	cfg := DefaultConfig()
	cfg.GracePeriod = 50 * time.Millisecond
	s := NewScheduler(cfg, source, display, logger)
	err := s.Run(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "did not stop in time")
	close(source.block)
}
