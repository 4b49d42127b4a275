package tof

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PlaybackSensor replays recorded frames from a directory in place of the
// hardware: depth1.bin/amplitude1.bin, depth2.bin/amplitude2.bin and so
// on, each holding one serialized matrix. RequestFrame returns io.EOF at
// the first missing pair.
type PlaybackSensor struct {
	Dir string
	n   int
}

// RequestFrame loads the next recorded frame.
func (s *PlaybackSensor) RequestFrame(_ context.Context, _ time.Duration) (*Frame, error) {
	s.n++
	depth, err := loadMatrix(filepath.Join(s.Dir, fmt.Sprintf("depth%d.bin", s.n)))
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, io.EOF
		}
		return nil, err
	}
	amplitude, err := loadMatrix(filepath.Join(s.Dir, fmt.Sprintf("amplitude%d.bin", s.n)))
	if err != nil {
		return nil, err
	}
	return &Frame{Depth: depth, Amplitude: amplitude}, nil
}

// SetMaxRange is a no-op for recorded data.
func (s *PlaybackSensor) SetMaxRange(float64) error { return nil }

// Close is a no-op for recorded data.
func (s *PlaybackSensor) Close() error { return nil }

func loadMatrix(path string) (*mat.Dense, error) {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read recorded frame %q", path)
	}
	var m mat.Dense
	if err := m.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrapf(err, "cannot decode recorded frame %q", path)
	}
	return &m, nil
}

// SaveFrame records a frame into dir with the playback naming scheme.
func SaveFrame(dir string, n int, frame *Frame) error {
	for name, m := range map[string]*mat.Dense{
		fmt.Sprintf("depth%d.bin", n):     frame.Depth,
		fmt.Sprintf("amplitude%d.bin", n): frame.Amplitude,
	} {
		raw, err := m.MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "cannot encode %q", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
			return errors.Wrapf(err, "cannot write %q", name)
		}
	}
	return nil
}
