package calibration

import (
	"encoding/binary"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

type fieldKind int

const (
	kindMatrix fieldKind = iota
	kindRect
	kindMap
)

// fieldSpec describes one persisted calibration field: its file name stem,
// whether it exists per side, and how to reach it inside Parameters. The
// schema is explicit and ordered; persistence iterates it rather than
// reflecting over the struct.
type fieldSpec struct {
	name   string
	sided  bool
	kind   fieldKind
	matrix func(p *Parameters, side Side) **mat.Dense
	rect   func(p *Parameters, side Side) *image.Rectangle
	fmap   func(p *Parameters, side Side) **FloatMap
}

func (f *fieldSpec) fileName(side Side) string {
	if !f.sided {
		return f.name
	}
	return f.name + "_" + side.String()
}

func (f *fieldSpec) present(p *Parameters, side Side) bool {
	switch f.kind {
	case kindMatrix:
		return *f.matrix(p, side) != nil
	case kindRect:
		return !f.rect(p, side).Empty()
	case kindMap:
		return *f.fmap(p, side) != nil
	}
	return false
}

var storeSchema = []fieldSpec{
	{name: "cam_mats", sided: true, kind: kindMatrix,
		matrix: func(p *Parameters, s Side) **mat.Dense { return p.CamMats.Ptr(s) }},
	{name: "dist_coefs", sided: true, kind: kindMatrix,
		matrix: func(p *Parameters, s Side) **mat.Dense { return p.DistCoeffs.Ptr(s) }},
	{name: "rot_mat", kind: kindMatrix,
		matrix: func(p *Parameters, _ Side) **mat.Dense { return &p.RotMat }},
	{name: "trans_vec", kind: kindMatrix,
		matrix: func(p *Parameters, _ Side) **mat.Dense { return &p.TransVec }},
	{name: "e_mat", kind: kindMatrix,
		matrix: func(p *Parameters, _ Side) **mat.Dense { return &p.EssentialMat }},
	{name: "f_mat", kind: kindMatrix,
		matrix: func(p *Parameters, _ Side) **mat.Dense { return &p.FundamentalMat }},
	{name: "rect_trans", sided: true, kind: kindMatrix,
		matrix: func(p *Parameters, s Side) **mat.Dense { return p.RectTrans.Ptr(s) }},
	{name: "proj_mats", sided: true, kind: kindMatrix,
		matrix: func(p *Parameters, s Side) **mat.Dense { return p.ProjMats.Ptr(s) }},
	{name: "disp_to_depth_mat", kind: kindMatrix,
		matrix: func(p *Parameters, _ Side) **mat.Dense { return &p.DispToDepthMat }},
	{name: "valid_boxes", sided: true, kind: kindRect,
		rect: func(p *Parameters, s Side) *image.Rectangle { return p.ValidBoxes.Ptr(s) }},
	{name: "undistortion_map", sided: true, kind: kindMap,
		fmap: func(p *Parameters, s Side) **FloatMap { return p.UndistortionMaps.Ptr(s) }},
	{name: "rectification_map", sided: true, kind: kindMap,
		fmap: func(p *Parameters, s Side) **FloatMap { return p.RectificationMaps.Ptr(s) }},
}

const (
	binExt  = ".bin"
	textExt = ".csv"
)

// Store persists calibration parameters to a directory, one field per
// file in two encodings: a binary array encoding and a delimited text
// encoding whose decimal separator is configurable.
type Store struct {
	decimalSep string
	logger     golog.Logger
}

// NewStore returns a store writing text values with a comma decimal
// separator, the convention of the deployments this rig ships to.
func NewStore(logger golog.Logger) *Store {
	return &Store{decimalSep: ",", logger: logger}
}

// SetDecimalSeparator overrides the decimal separator used by the text
// encoding.
func (s *Store) SetDecimalSeparator(sep string) {
	s.decimalSep = sep
}

// Save writes every populated field of p under dir in both encodings.
func (s *Store) Save(dir string, p *Parameters) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create calibration directory")
	}
	var result error
	for i := range storeSchema {
		spec := &storeSchema[i]
		for _, side := range schemaSides(spec) {
			if !spec.present(p, side) {
				continue
			}
			stem := filepath.Join(dir, spec.fileName(side))
			result = multierr.Combine(result,
				s.saveBinary(stem+binExt, spec, p, side),
				s.saveText(stem+textExt, spec, p, side),
			)
		}
	}
	return result
}

// Load restores fields from dir into a fresh Parameters. Fields whose
// files are absent are logged and left unset; in that case the returned
// error is an *IncompleteLoadError and the partially loaded parameters
// are still returned. Callers must check Complete before running
// geometry.
func (s *Store) Load(dir string) (*Parameters, error) {
	p := &Parameters{}
	var missing []string
	for i := range storeSchema {
		spec := &storeSchema[i]
		for _, side := range schemaSides(spec) {
			stem := filepath.Join(dir, spec.fileName(side))
			loaded, err := s.loadField(stem, spec, p, side)
			if err != nil {
				return nil, err
			}
			if !loaded {
				s.logger.Warnw("calibration field not found in store; leaving unset",
					"field", spec.fileName(side), "dir", dir)
				missing = append(missing, spec.fileName(side))
			}
		}
	}
	if len(missing) > 0 {
		return p, &IncompleteLoadError{Missing: missing}
	}
	return p, nil
}

func schemaSides(spec *fieldSpec) []Side {
	if spec.sided {
		return []Side{Left, Right}
	}
	return []Side{Left}
}

// loadField tries the binary encoding first and falls back to text.
func (s *Store) loadField(stem string, spec *fieldSpec, p *Parameters, side Side) (bool, error) {
	if _, err := os.Stat(stem + binExt); err == nil {
		return true, s.loadBinary(stem+binExt, spec, p, side)
	}
	if _, err := os.Stat(stem + textExt); err == nil {
		return true, s.loadText(stem+textExt, spec, p, side)
	}
	return false, nil
}

func (s *Store) saveBinary(path string, spec *fieldSpec, p *Parameters, side Side) error {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", path)
	}
	defer f.Close()

	switch spec.kind {
	case kindMatrix:
		raw, err := (*spec.matrix(p, side)).MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "cannot encode %q", path)
		}
		_, err = f.Write(raw)
		return err
	case kindRect:
		r := *spec.rect(p, side)
		vals := []int64{int64(r.Min.X), int64(r.Min.Y), int64(r.Max.X), int64(r.Max.Y)}
		return binary.Write(f, binary.LittleEndian, vals)
	case kindMap:
		m := *spec.fmap(p, side)
		if err := binary.Write(f, binary.LittleEndian, []int64{int64(m.Width()), int64(m.Height())}); err != nil {
			return err
		}
		return binary.Write(f, binary.LittleEndian, m.Raw())
	}
	return nil
}

func (s *Store) loadBinary(path string, spec *fieldSpec, p *Parameters, side Side) error {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "cannot read %q", path)
	}
	switch spec.kind {
	case kindMatrix:
		var m mat.Dense
		if err := m.UnmarshalBinary(raw); err != nil {
			return errors.Wrapf(err, "cannot decode matrix %q", path)
		}
		*spec.matrix(p, side) = &m
	case kindRect:
		vals := make([]int64, 4)
		if err := binary.Read(strings.NewReader(string(raw)), binary.LittleEndian, vals); err != nil {
			return errors.Wrapf(err, "cannot decode rectangle %q", path)
		}
		*spec.rect(p, side) = image.Rect(int(vals[0]), int(vals[1]), int(vals[2]), int(vals[3]))
	case kindMap:
		r := strings.NewReader(string(raw))
		dims := make([]int64, 2)
		if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
			return errors.Wrapf(err, "cannot decode map dimensions %q", path)
		}
		m := NewFloatMap(int(dims[0]), int(dims[1]))
		if err := binary.Read(r, binary.LittleEndian, m.Raw()); err != nil {
			return errors.Wrapf(err, "cannot decode map data %q", path)
		}
		*spec.fmap(p, side) = m
	}
	return nil
}

func (s *Store) saveText(path string, spec *fieldSpec, p *Parameters, side Side) error {
	var rows [][]string
	switch spec.kind {
	case kindMatrix:
		m := *spec.matrix(p, side)
		nr, nc := m.Dims()
		for r := 0; r < nr; r++ {
			row := make([]string, nc)
			for c := 0; c < nc; c++ {
				row[c] = s.formatFloat(m.At(r, c), 64)
			}
			rows = append(rows, row)
		}
	case kindRect:
		r := *spec.rect(p, side)
		rows = append(rows, []string{
			strconv.Itoa(r.Min.X), strconv.Itoa(r.Min.Y),
			strconv.Itoa(r.Max.X), strconv.Itoa(r.Max.Y),
		})
	case kindMap:
		m := *spec.fmap(p, side)
		for y := 0; y < m.Height(); y++ {
			row := make([]string, m.Width())
			for x := 0; x < m.Width(); x++ {
				row[x] = s.formatFloat(float64(m.At(x, y)), 32)
			}
			rows = append(rows, row)
		}
	}

	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, ";"))
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (s *Store) loadText(path string, spec *fieldSpec, p *Parameters, side Side) error {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "cannot read %q", path)
	}
	var rows [][]string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, ";"))
	}
	if len(rows) == 0 {
		return errors.Errorf("empty calibration text file %q", path)
	}

	switch spec.kind {
	case kindMatrix:
		nr, nc := len(rows), len(rows[0])
		m := mat.NewDense(nr, nc, nil)
		for r, row := range rows {
			for c, cell := range row {
				v, err := s.parseFloat(cell)
				if err != nil {
					return errors.Wrapf(err, "bad value in %q", path)
				}
				m.Set(r, c, v)
			}
		}
		*spec.matrix(p, side) = m
	case kindRect:
		if len(rows[0]) != 4 {
			return errors.Errorf("expected 4 rectangle values in %q, got %d", path, len(rows[0]))
		}
		vals := make([]int, 4)
		for i, cell := range rows[0] {
			v, err := strconv.Atoi(cell)
			if err != nil {
				return errors.Wrapf(err, "bad value in %q", path)
			}
			vals[i] = v
		}
		*spec.rect(p, side) = image.Rect(vals[0], vals[1], vals[2], vals[3])
	case kindMap:
		h, w := len(rows), len(rows[0])
		m := NewFloatMap(w, h)
		for y, row := range rows {
			for x, cell := range row {
				v, err := s.parseFloat(cell)
				if err != nil {
					return errors.Wrapf(err, "bad value in %q", path)
				}
				m.Set(x, y, float32(v))
			}
		}
		*spec.fmap(p, side) = m
	}
	return nil
}

func (s *Store) formatFloat(v float64, bits int) string {
	out := strconv.FormatFloat(v, 'g', -1, bits)
	if s.decimalSep != "." {
		out = strings.Replace(out, ".", s.decimalSep, 1)
	}
	return out
}

func (s *Store) parseFloat(cell string) (float64, error) {
	if s.decimalSep != "." {
		cell = strings.Replace(cell, s.decimalSep, ".", 1)
	}
	return strconv.ParseFloat(cell, 64)
}
