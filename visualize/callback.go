package visualize

import (
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
)

// Displayer shows a figure to the user.
type Displayer interface {
	Show(name string, img image.Image) error
}

// ImageLogger forwards a figure to an experiment tracker.
type ImageLogger interface {
	LogImage(name string, img image.Image) error
}

// Options selects what the Callback does with each figure.
type Options struct {
	SaveImages bool
	SavePath   string

	ShowImages bool
	Displayer  Displayer

	// LogImages forwards test figures to ImageLogger.
	LogImages   bool
	ImageLogger ImageLogger

	Logger logr.Logger
}

// Callback composes a figure for every result of a batch.
type Callback struct {
	opts Options
}

// NewCallback validates opts and returns a Callback.
func NewCallback(opts Options) (*Callback, error) {
	if opts.SaveImages && opts.SavePath == "" {
		return nil, fmt.Errorf("saving images requires a save path")
	}
	if opts.ShowImages && opts.Displayer == nil {
		return nil, fmt.Errorf("showing images requires a displayer")
	}
	if opts.LogImages && opts.ImageLogger == nil {
		return nil, fmt.Errorf("logging images requires an image logger")
	}
	return &Callback{opts: opts}, nil
}

// OnTestBatchEnd saves, logs and shows the figure of every result.
func (c *Callback) OnTestBatchEnd(results []Result) error {
	return c.visualize(results, c.opts.LogImages)
}

// OnPredictBatchEnd saves and shows the figure of every result. Prediction
// figures are never forwarded to the image logger.
func (c *Callback) OnPredictBatchEnd(results []Result) error {
	return c.visualize(results, false)
}

func (c *Callback) visualize(results []Result, logImages bool) error {
	for _, r := range results {
		fig, err := Compose(r)
		if err != nil {
			return err
		}
		name := FigureName(r.ImagePath)

		if c.opts.SaveImages {
			path := filepath.Join(c.opts.SavePath, name)
			if err := SavePNG(path, fig); err != nil {
				return err
			}
			c.opts.Logger.V(1).Info("saved figure", "path", path)
		}
		if logImages {
			if err := c.opts.ImageLogger.LogImage(name, fig); err != nil {
				return fmt.Errorf("failed to log %s: %w", name, err)
			}
		}
		if c.opts.ShowImages {
			if err := c.opts.Displayer.Show(name, fig); err != nil {
				return fmt.Errorf("failed to show %s: %w", name, err)
			}
		}
	}
	return nil
}

// FigureName is the path of a figure relative to the save directory: the
// defect type directory followed by the image file name.
func FigureName(imagePath string) string {
	return filepath.Join(filepath.Base(filepath.Dir(imagePath)), filepath.Base(imagePath))
}

// DirLogger is an ImageLogger writing numbered PNG files into Dir.
type DirLogger struct {
	Dir string

	mu   sync.Mutex
	step int
}

// LogImage writes img to Dir/<step>_<defect type>_<file name>.
func (d *DirLogger) LogImage(name string, img image.Image) error {
	d.mu.Lock()
	step := d.step
	d.step++
	d.mu.Unlock()

	flat := fmt.Sprintf("%06d_%s_%s", step, filepath.Base(filepath.Dir(name)), filepath.Base(name))
	return SavePNG(filepath.Join(d.Dir, flat), img)
}
