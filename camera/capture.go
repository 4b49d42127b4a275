package camera

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExecCapturer shells out to the platform's still-capture program once
// per frame. Occurrences of {id} and {file} in the argument list are
// replaced with the camera ID and the output path.
type ExecCapturer struct {
	Program string
	Args    []string
}

// CaptureAndSave runs the capture program for one camera.
func (c *ExecCapturer) CaptureAndSave(ctx context.Context, cameraID int, filename string) error {
	args := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		a = strings.ReplaceAll(a, "{id}", fmt.Sprintf("%d", cameraID))
		a = strings.ReplaceAll(a, "{file}", filename)
		args = append(args, a)
	}
	//nolint:gosec
	cmd := exec.CommandContext(ctx, c.Program, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(ErrFrameAcquisition, "capture program failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// StereoCapturer produces stereo frames by driving a Capturer for each
// side and reading the written files back.
type StereoCapturer struct {
	Capturer Capturer
	LeftID   int
	RightID  int
	WorkDir  string
}

// NextFrame captures both sides of one stereo frame.
func (s *StereoCapturer) NextFrame(ctx context.Context) (*StereoFrame, error) {
	leftPath := filepath.Join(s.WorkDir, "capture_left.png")
	rightPath := filepath.Join(s.WorkDir, "capture_right.png")
	if err := s.Capturer.CaptureAndSave(ctx, s.LeftID, leftPath); err != nil {
		return nil, err
	}
	if err := s.Capturer.CaptureAndSave(ctx, s.RightID, rightPath); err != nil {
		return nil, err
	}
	frame, err := LoadStereoFrame(leftPath, rightPath)
	if err != nil {
		return nil, errors.Wrapf(ErrFrameAcquisition, "cannot read captured pair: %v", err)
	}
	return frame, nil
}

// DirSource plays back numbered stereo pairs from a directory:
// left1.png/right1.png, left2.png/right2.png and so on. The stream ends
// with io.EOF at the first missing pair.
type DirSource struct {
	Dir string
	n   int
}

// NextFrame loads the next pair.
func (d *DirSource) NextFrame(_ context.Context) (*StereoFrame, error) {
	d.n++
	leftPath := filepath.Join(d.Dir, fmt.Sprintf("left%d.png", d.n))
	rightPath := filepath.Join(d.Dir, fmt.Sprintf("right%d.png", d.n))
	if _, err := os.Stat(leftPath); err != nil {
		return nil, io.EOF
	}
	frame, err := LoadStereoFrame(leftPath, rightPath)
	if err != nil {
		return nil, errors.Wrapf(ErrFrameAcquisition, "cannot read pair %d: %v", d.n, err)
	}
	return frame, nil
}
