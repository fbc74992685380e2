// Package visualize renders anomaly detection results as figures and saves,
// logs or shows them at the end of test and predict batches.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/Noofbiz/mvtec/preprocess"
	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PanelSize is the width and height of one figure panel.
const PanelSize = 3 * vg.Inch

// HeatMapAlpha is the weight of the heat map when superimposed on the image.
const HeatMapAlpha = 0.4

// Result is the output of a model for one image.
type Result struct {
	ImagePath string

	// Image is the original image. When nil it is read from ImagePath.
	Image image.Image

	// GroundTruth is the single channel ground-truth mask, nil when the
	// sample has none.
	GroundTruth *preprocess.Image

	// AnomalyMap holds the per-pixel anomaly scores in its first channel.
	AnomalyMap *preprocess.Image

	// PredMask is the predicted mask. When nil it is derived from the
	// min-max normalized AnomalyMap using Threshold.
	PredMask  *preprocess.Image
	Threshold float32
}

type panel struct {
	title string
	img   image.Image
}

// Compose draws the 1x4 figure of a result: the image, the ground-truth mask,
// the heat map superimposed on the image and the predicted mask.
func Compose(r Result) (image.Image, error) {
	if r.AnomalyMap == nil {
		return nil, fmt.Errorf("%s: anomaly map is required", r.ImagePath)
	}
	base := r.Image
	if base == nil {
		var err error
		if base, err = preprocess.Decode(r.ImagePath); err != nil {
			return nil, err
		}
	}

	w, h := r.AnomalyMap.Width, r.AnomalyMap.Height
	scores := normalize(r.AnomalyMap)
	predMask := r.PredMask
	if predMask == nil {
		threshold := r.Threshold
		if threshold == 0 {
			threshold = 0.5
		}
		predMask = preprocess.ZeroMask(h, w)
		for i, v := range scores {
			if v > threshold {
				predMask.Data[i] = 1
			}
		}
	}

	heat, err := superimpose(base, scores, w, h)
	if err != nil {
		return nil, err
	}
	panels := []panel{
		{"Image", base},
		{"Ground Truth", maskImage(r.GroundTruth, w, h)},
		{"Predicted Heat Map", heat},
		{"Predicted Mask", maskImage(predMask, w, h)},
	}
	return drawPanels(panels)
}

func drawPanels(panels []panel) (image.Image, error) {
	row := make([]*plot.Plot, len(panels))
	for i, pn := range panels {
		p := plot.New()
		p.Title.Text = pn.title
		p.HideAxes()
		b := pn.img.Bounds()
		p.Add(plotter.NewImage(pn.img, 0, 0, float64(b.Dx()), float64(b.Dy())))
		row[i] = p
	}
	plots := [][]*plot.Plot{row}

	canvas := vgimg.New(PanelSize*vg.Length(len(panels)), PanelSize)
	dc := draw.New(canvas)
	tiles := draw.Tiles{
		Rows:   1,
		Cols:   len(panels),
		PadX:   vg.Millimeter,
		PadTop: vg.Points(2),
	}
	canvases := plot.Align(plots, tiles, dc)
	for j := range row {
		row[j].Draw(canvases[0][j])
	}
	return canvas.Image(), nil
}

// normalize min-max scales the first channel of m into [0,1]. A constant map
// scales to zeros.
func normalize(m *preprocess.Image) []float32 {
	n := m.Height * m.Width
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	lo, hi := m.Data[0], m.Data[0]
	for _, v := range m.Data[:n] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi == lo {
		return out
	}
	for i, v := range m.Data[:n] {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// superimpose blends a heat map of scores over base resized to w x h.
func superimpose(base image.Image, scores []float32, w, h int) (image.Image, error) {
	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), base, base.Bounds(), xdraw.Src, nil)

	cm := moreland.ExtendedBlackBody()
	cm.SetMin(0)
	cm.SetMax(1)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			hc, err := cm.At(float64(min(max(scores[y*w+x], 0), 1)))
			if err != nil {
				return nil, fmt.Errorf("heat map color: %w", err)
			}
			hr, hg, hb, _ := hc.RGBA()
			br, bg, bb, _ := resized.At(x, y).RGBA()
			out.Set(x, y, color.RGBA{
				R: blend(hr, br),
				G: blend(hg, bg),
				B: blend(hb, bb),
				A: 255,
			})
		}
	}
	return out, nil
}

func blend(heat, base uint32) uint8 {
	v := HeatMapAlpha*float64(heat>>8) + (1-HeatMapAlpha)*float64(base>>8)
	return uint8(min(v, 255))
}

// maskImage renders a {0,1} mask as a black and white image. A nil mask is
// all black.
func maskImage(m *preprocess.Image, w, h int) image.Image {
	if m != nil {
		w, h = m.Width, m.Height
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	if m == nil {
		return out
	}
	for y := range h {
		for x := range w {
			if m.At(0, y, x) > 0.5 {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// SavePNG writes img to path, creating parent directories.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}
