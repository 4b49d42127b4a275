package opencv

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-labs/depthsense/pipeline"
)

// WindowDisplay shows frames in an OpenCV window and maps its keyboard
// input to pipeline commands: q quits, s saves, t triggers analysis.
type WindowDisplay struct {
	window   *gocv.Window
	colormap bool
}

// NewWindowDisplay opens a titled window. With colormap set, grayscale
// frames are rendered through the jet colormap.
func NewWindowDisplay(title string, colormap bool) *WindowDisplay {
	return &WindowDisplay{window: gocv.NewWindow(title), colormap: colormap}
}

// Render shows one frame.
func (d *WindowDisplay) Render(img image.Image) error {
	var m gocv.Mat
	var err error
	if gray, ok := img.(*image.Gray); ok {
		m, err = gocv.ImageGrayToMatGray(gray)
	} else {
		m, err = gocv.ImageToMatRGBA(img)
	}
	if err != nil {
		return errors.Wrap(err, "cannot convert frame for display")
	}
	defer m.Close()

	if d.colormap && m.Channels() == 1 {
		colored := gocv.NewMat()
		defer colored.Close()
		gocv.ApplyColorMap(m, &colored, gocv.ColormapJet)
		d.window.IMShow(colored)
		return nil
	}
	d.window.IMShow(m)
	return nil
}

// Poll pumps the window event loop and returns the pending command.
func (d *WindowDisplay) Poll() pipeline.Command {
	switch d.window.WaitKey(1) {
	case 'q':
		return pipeline.CommandQuit
	case 's':
		return pipeline.CommandSave
	case 't':
		return pipeline.CommandAnalyze
	default:
		return pipeline.CommandNone
	}
}

// Close releases the window.
func (d *WindowDisplay) Close() error {
	return d.window.Close()
}
