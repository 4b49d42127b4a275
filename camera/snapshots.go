package camera

import (
	"fmt"
	"image"
	"path/filepath"
)

// SnapshotWriter writes role-named PNG snapshots into a directory. All
// roles saved before a call to Advance share one counter value, so a
// left/right/rectified set and its depth map snapshot end up with the
// same suffix.
type SnapshotWriter struct {
	dir string
	n   int
}

// NewSnapshotWriter returns a writer rooted at dir, counting from zero.
func NewSnapshotWriter(dir string) *SnapshotWriter {
	return &SnapshotWriter{dir: dir}
}

// Counter returns the current counter value.
func (w *SnapshotWriter) Counter() int {
	return w.n
}

// Save writes img as <role><counter>.png and returns the path written.
func (w *SnapshotWriter) Save(role string, img image.Image) (string, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("%s%d.png", role, w.n))
	if err := WriteImageToFile(path, img); err != nil {
		return "", err
	}
	return path, nil
}

// Advance moves the writer to the next counter value, closing the current
// snapshot set.
func (w *SnapshotWriter) Advance() {
	w.n++
}
