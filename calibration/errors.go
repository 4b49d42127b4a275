package calibration

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotCalibrated is returned when a geometry operation is requested
// before every calibration field is populated.
var ErrNotCalibrated = errors.New("stereo calibration parameters are not available")

// ErrCalibrationDivergent is returned when the calibration solve did not
// converge or produced a non-finite result. Nothing from such a run may
// be persisted.
var ErrCalibrationDivergent = errors.New("stereo calibration solve diverged")

// NewNotCalibratedError wraps ErrNotCalibrated with the operation that was
// attempted.
func NewNotCalibratedError(op string) error {
	return errors.Wrap(ErrNotCalibrated, op)
}

// IncompleteLoadError reports calibration fields that could not be
// restored from the store. It is non-fatal: the remaining fields are
// loaded and callers gate on Parameters.Complete before using geometry.
type IncompleteLoadError struct {
	Missing []string
}

func (e *IncompleteLoadError) Error() string {
	return fmt.Sprintf("calibration load incomplete, missing fields: %s", strings.Join(e.Missing, ", "))
}
