// Package calibration owns the stereo geometric model: the calibration
// parameters, the calibration run that produces them, their persistence,
// and frame rectification through the stored remap tables.
package calibration

// Side identifies one camera of the stereo pair.
type Side int

// The two sides of the rig.
const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Sides lists both sides in a fixed order for iteration.
func Sides() [2]Side {
	return [2]Side{Left, Right}
}

// Sided holds one value per camera side.
type Sided[T any] struct {
	Left  T
	Right T
}

// Get returns the value for the given side.
func (p *Sided[T]) Get(s Side) T {
	if s == Left {
		return p.Left
	}
	return p.Right
}

// Ptr returns a pointer to the slot for the given side.
func (p *Sided[T]) Ptr(s Side) *T {
	if s == Left {
		return &p.Left
	}
	return &p.Right
}

// Set stores the value for the given side.
func (p *Sided[T]) Set(s Side, v T) {
	*p.Ptr(s) = v
}
