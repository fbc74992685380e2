// Package preprocess turns image and mask files into normalized float32
// buffers ready to be converted into tensors.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// ImageNet channel statistics, the usual normalization for pretrained
// backbones.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Image is a decoded image in CHW layout.
type Image struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// At returns the value at channel c, row y, column x.
func (img *Image) At(c, y, x int) float32 {
	return img.Data[c*img.Height*img.Width+y*img.Width+x]
}

// Rows reshapes the buffer into [C][H][W] slices sharing the backing data.
func (img *Image) Rows() [][][]float32 {
	out := make([][][]float32, img.Channels)
	plane := img.Height * img.Width
	for c := range img.Channels {
		out[c] = make([][]float32, img.Height)
		for y := range img.Height {
			start := c*plane + y*img.Width
			out[c][y] = img.Data[start : start+img.Width]
		}
	}
	return out
}

// ZeroMask returns a single channel mask of the given size filled with zeros.
func ZeroMask(height, width int) *Image {
	return &Image{
		Data:     make([]float32, height*width),
		Channels: 1,
		Height:   height,
		Width:    width,
	}
}

// Processor loads images and masks, resizes them to Size x Size and scales
// pixel values to [0, 1]. A zero Size keeps the original dimensions.
type Processor struct {
	Size int

	// Normalize applies (v - Mean) / Std per channel after scaling.
	Normalize bool
	Mean      [3]float32
	Std       [3]float32
}

// NewProcessor returns a processor with ImageNet normalization enabled.
func NewProcessor(size int) *Processor {
	return &Processor{
		Size:      size,
		Normalize: true,
		Mean:      ImageNetMean,
		Std:       ImageNetStd,
	}
}

// Apply loads the image and, when maskPath is not empty, its mask. The mask
// is nil for an empty maskPath.
func (p *Processor) Apply(imagePath, maskPath string) (*Image, *Image, error) {
	img, err := p.LoadImage(imagePath)
	if err != nil {
		return nil, nil, err
	}
	if maskPath == "" {
		return img, nil, nil
	}
	mask, err := p.LoadMask(maskPath)
	if err != nil {
		return nil, nil, err
	}
	return img, mask, nil
}

// LoadImage decodes an RGB image file.
func (p *Processor) LoadImage(path string) (*Image, error) {
	src, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return p.FromImage(src), nil
}

// FromImage converts an already decoded image.
func (p *Processor) FromImage(src image.Image) *Image {
	resized := p.resize(src, draw.BiLinear)
	b := resized.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &Image{
		Data:     make([]float32, 3*h*w),
		Channels: 3,
		Height:   h,
		Width:    w,
	}
	plane := h * w
	for y := range h {
		for x := range w {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			vals := [3]float32{float32(r) / 65535.0, float32(g) / 65535.0, float32(bl) / 65535.0}
			for c, v := range vals {
				if p.Normalize && p.Std[c] != 0 {
					v = (v - p.Mean[c]) / p.Std[c]
				}
				out.Data[c*plane+y*w+x] = v
			}
		}
	}
	return out
}

// LoadMask decodes a ground-truth mask into a single channel image holding 0
// or 1. Nearest neighbor resizing keeps the mask binary.
func (p *Processor) LoadMask(path string) (*Image, error) {
	src, err := Decode(path)
	if err != nil {
		return nil, err
	}
	resized := p.resize(src, draw.NearestNeighbor)
	b := resized.Bounds()
	w, h := b.Dx(), b.Dy()
	out := ZeroMask(h, w)
	for y := range h {
		for x := range w {
			gray := color.GrayModel.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			if float32(gray.Y)/255.0 > 0.5 {
				out.Data[y*w+x] = 1
			}
		}
	}
	return out, nil
}

func (p *Processor) resize(src image.Image, scaler draw.Scaler) image.Image {
	if p.Size <= 0 {
		return src
	}
	b := src.Bounds()
	if b.Dx() == p.Size && b.Dy() == p.Size {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, p.Size, p.Size))
	scaler.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Decode reads and decodes the PNG or JPEG file at path.
func Decode(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
