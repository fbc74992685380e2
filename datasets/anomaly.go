package datasets

import (
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/Noofbiz/mvtec/preprocess"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Task selects what an evaluation item carries.
type Task string

const (
	// TaskClassification items only carry image and label.
	TaskClassification Task = "classification"
	// TaskSegmentation val/test items also carry the ground-truth mask.
	TaskSegmentation Task = "segmentation"
)

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case TaskClassification, TaskSegmentation:
		return Task(s), nil
	}
	return "", fmt.Errorf("unknown task %q, expected %q or %q", s, TaskClassification, TaskSegmentation)
}

// Transform loads and preprocesses one sample. The returned mask is nil when
// maskPath is empty. *preprocess.Processor implements it.
type Transform interface {
	Apply(imagePath, maskPath string) (image, mask *preprocess.Image, err error)
}

// Item is one loaded sample.
type Item struct {
	ImagePath string
	Image     *preprocess.Image

	// Label is the label index: 0 normal, 1 anomalous.
	Label int

	// MaskPath and Mask are only set for val/test items of the segmentation
	// task. Normal images get an all-zero mask.
	MaskPath string
	Mask     *preprocess.Image
}

// AnomalyDataset lazily loads the images of one manifest partition.
type AnomalyDataset struct {
	// BatchSize used by Yield.
	BatchSize int

	split     Split
	task      Task
	samples   []Sample
	transform Transform

	mu       sync.Mutex
	order    []int
	position int
}

// NewAnomalyDataset creates a dataset over samples, which must all belong to
// split. The samples slice is not copied and must not be modified afterwards.
func NewAnomalyDataset(samples []Sample, split Split, task Task, transform Transform) (*AnomalyDataset, error) {
	if transform == nil {
		return nil, fmt.Errorf("transform cannot be nil")
	}
	if _, err := ParseTask(string(task)); err != nil {
		return nil, err
	}
	for i, s := range samples {
		if s.Split != split {
			return nil, fmt.Errorf("sample %d (%s) belongs to split %q, expected %q", i, s.ImagePath, s.Split, split)
		}
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	return &AnomalyDataset{
		BatchSize: 32,
		split:     split,
		task:      task,
		samples:   samples,
		transform: transform,
		order:     order,
	}, nil
}

// Len returns the number of samples.
func (d *AnomalyDataset) Len() int {
	return len(d.samples)
}

// Split returns the partition this dataset serves.
func (d *AnomalyDataset) Split() Split {
	return d.split
}

// Samples returns the samples in their current (possibly shuffled) order.
func (d *AnomalyDataset) Samples() []Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sample, len(d.order))
	for i, idx := range d.order {
		out[i] = d.samples[idx]
	}
	return out
}

// Item loads the sample at position i of the current order.
func (d *AnomalyDataset) Item(i int) (*Item, error) {
	if i < 0 || i >= len(d.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, len(d.samples))
	}
	d.mu.Lock()
	s := d.samples[d.order[i]]
	d.mu.Unlock()
	return d.load(s)
}

func (d *AnomalyDataset) load(s Sample) (*Item, error) {
	withMask := d.task == TaskSegmentation && d.split != SplitTrain

	maskPath := ""
	if withMask && !s.IsNormal() {
		maskPath = s.MaskPath
	}
	img, mask, err := d.transform.Apply(s.ImagePath, maskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", s.ImagePath, err)
	}

	item := &Item{
		ImagePath: s.ImagePath,
		Image:     img,
		Label:     s.LabelIndex,
	}
	if withMask {
		item.MaskPath = s.MaskPath
		if mask == nil {
			mask = preprocess.ZeroMask(img.Height, img.Width)
		}
		item.Mask = mask
	}
	return item, nil
}

// Batch loads the items at the given positions.
func (d *AnomalyDataset) Batch(indices []int) ([]*Item, error) {
	items := make([]*Item, len(indices))
	for i, idx := range indices {
		item, err := d.Item(idx)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return items, nil
}

// Shuffle reorders the samples deterministically for seed and rewinds Yield.
func (d *AnomalyDataset) Shuffle(seed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
	d.position = 0
}

// Name returns the name of the dataset
func (d *AnomalyDataset) Name() string {
	return "mvtec-" + string(d.split)
}

// Reset rewinds Yield to the first sample for a new epoch.
func (d *AnomalyDataset) Reset() {
	d.mu.Lock()
	d.position = 0
	d.mu.Unlock()
}

// Yield returns the next batch for the gomlx Dataset interface: the image
// tensor as the only input, and the label tensor followed by the mask tensor
// (segmentation val/test only) as labels. It returns io.EOF once every sample
// of the epoch has been yielded.
func (d *AnomalyDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	d.mu.Lock()
	start := d.position
	end := min(start+batchSize, len(d.samples))
	d.position = end
	d.mu.Unlock()

	if start >= end {
		return nil, nil, nil, io.EOF
	}

	indices := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		indices = append(indices, i)
	}
	items, err := d.Batch(indices)
	if err != nil {
		return nil, nil, nil, err
	}

	flat, err := MakeItemBatchFlat(items)
	if err != nil {
		return nil, nil, nil, err
	}
	imgT, labT, maskT, err := flat.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{imgT}
	labels = []*tensors.Tensor{labT}
	if maskT != nil {
		labels = append(labels, maskT)
	}
	return d, inputs, labels, nil
}

// ItemBatchFlat stores a batch of items in flat contiguous buffers
type ItemBatchFlat struct {
	Images    []float32
	Labels    []int32
	Masks     []float32 // nil when the items carry no masks
	BatchSize int
	Channels  int
	Height    int
	Width     int
}

// MakeItemBatchFlat flattens a batch into contiguous buffers. All images must
// share the same shape, and either every item or no item carries a mask.
func MakeItemBatchFlat(items []*Item) (*ItemBatchFlat, error) {
	if len(items) == 0 {
		return &ItemBatchFlat{}, nil
	}

	first := items[0].Image
	if first == nil {
		return nil, fmt.Errorf("item 0 has no image")
	}
	c, h, w := first.Channels, first.Height, first.Width
	withMasks := items[0].Mask != nil
	imgSize := c * h * w

	flat := &ItemBatchFlat{
		Images:    make([]float32, len(items)*imgSize),
		Labels:    make([]int32, len(items)),
		BatchSize: len(items),
		Channels:  c,
		Height:    h,
		Width:     w,
	}
	if withMasks {
		flat.Masks = make([]float32, len(items)*h*w)
	}

	for i, item := range items {
		img := item.Image
		if img == nil || img.Channels != c || img.Height != h || img.Width != w {
			return nil, fmt.Errorf("inconsistent image shape at item %d (%s)", i, item.ImagePath)
		}
		copy(flat.Images[i*imgSize:], img.Data)
		flat.Labels[i] = int32(item.Label)

		if (item.Mask != nil) != withMasks {
			return nil, fmt.Errorf("item %d (%s): mixed batch of items with and without masks", i, item.ImagePath)
		}
		if withMasks {
			if item.Mask.Height != h || item.Mask.Width != w {
				return nil, fmt.Errorf("mask shape %dx%d does not match image %dx%d at item %d",
					item.Mask.Height, item.Mask.Width, h, w, i)
			}
			copy(flat.Masks[i*h*w:], item.Mask.Data)
		}
	}
	return flat, nil
}

// ToGomlxTensors converts the batch to gomlx tensors: images shaped
// [batch, channels, height, width], labels [batch] and masks
// [batch, height, width]. The mask tensor is nil when there are no masks.
func (b *ItemBatchFlat) ToGomlxTensors() (images, labels, masks *tensors.Tensor, err error) {
	if b.BatchSize == 0 {
		return tensors.FromAnyValue(make([][][][]float32, 0)), tensors.FromAnyValue(make([]int32, 0)), nil, nil
	}

	imgData := make([][][][]float32, b.BatchSize)
	plane := b.Height * b.Width
	idx := 0
	for i := range b.BatchSize {
		imgData[i] = make([][][]float32, b.Channels)
		for c := range b.Channels {
			imgData[i][c] = make([][]float32, b.Height)
			for y := range b.Height {
				imgData[i][c][y] = b.Images[idx : idx+b.Width]
				idx += b.Width
			}
		}
	}
	images = tensors.FromAnyValue(imgData)
	labels = tensors.FromAnyValue(b.Labels)

	if b.Masks != nil {
		maskData := make([][][]float32, b.BatchSize)
		for i := range b.BatchSize {
			maskData[i] = make([][]float32, b.Height)
			for y := range b.Height {
				start := i*plane + y*b.Width
				maskData[i][y] = b.Masks[start : start+b.Width]
			}
		}
		masks = tensors.FromAnyValue(maskData)
	}
	return images, labels, masks, nil
}
