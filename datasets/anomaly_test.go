package datasets

import (
	"errors"
	"io"
	"testing"

	"github.com/Noofbiz/mvtec/preprocess"
)

// failingTransform always returns an error.
type failingTransform struct{}

func (failingTransform) Apply(string, string) (*preprocess.Image, *preprocess.Image, error) {
	return nil, nil, errors.New("boom")
}

func buildStandard(t *testing.T) *Manifest {
	t.Helper()
	m, err := BuildManifest(standardTree(t), ManifestOptions{Rand: NewSeededRand(0)})
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	return m
}

func TestNewAnomalyDataset_Validation(t *testing.T) {
	m := buildStandard(t)
	proc := &preprocess.Processor{Size: 4}

	if _, err := NewAnomalyDataset(m.Partition(SplitTrain), SplitTrain, TaskSegmentation, nil); err == nil {
		t.Fatalf("expected error for nil transform")
	}
	if _, err := NewAnomalyDataset(m.Partition(SplitTrain), SplitTrain, Task("detection"), proc); err == nil {
		t.Fatalf("expected error for unknown task")
	}
	if _, err := NewAnomalyDataset(m.Samples, SplitTest, TaskSegmentation, proc); err == nil {
		t.Fatalf("expected error for samples from another split")
	}
}

func TestAnomalyDataset_TrainItems(t *testing.T) {
	m := buildStandard(t)
	ds, err := NewAnomalyDataset(m.Partition(SplitTrain), SplitTrain, TaskSegmentation, &preprocess.Processor{Size: 4})
	if err != nil {
		t.Fatalf("NewAnomalyDataset failed: %v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("expected 3 train items, got %d", ds.Len())
	}
	item, err := ds.Item(0)
	if err != nil {
		t.Fatalf("Item(0) failed: %v", err)
	}
	if item.Image == nil || item.Image.Channels != 3 || item.Image.Height != 4 {
		t.Fatalf("unexpected image %+v", item.Image)
	}
	if item.Mask != nil || item.MaskPath != "" {
		t.Fatalf("train items must not carry masks")
	}
	if item.Label != LabelNormal {
		t.Fatalf("expected normal label, got %d", item.Label)
	}
	if _, err := ds.Item(3); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestAnomalyDataset_SegmentationMasks(t *testing.T) {
	m := buildStandard(t)
	ds, err := NewAnomalyDataset(m.Partition(SplitTest), SplitTest, TaskSegmentation, &preprocess.Processor{Size: 4})
	if err != nil {
		t.Fatalf("NewAnomalyDataset failed: %v", err)
	}

	items, err := ds.Batch([]int{0, 1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	for _, item := range items {
		if item.Mask == nil {
			t.Fatalf("%s: segmentation test item without mask", item.ImagePath)
		}
		var sum float32
		for _, v := range item.Mask.Data {
			sum += v
		}
		switch item.Label {
		case LabelNormal:
			if sum != 0 || item.MaskPath != "" {
				t.Fatalf("%s: normal item should have an empty mask", item.ImagePath)
			}
		case LabelAnomalous:
			if sum != 16 || item.MaskPath == "" {
				t.Fatalf("%s: expected a full mask, got sum %v", item.ImagePath, sum)
			}
		}
	}
}

func TestAnomalyDataset_ClassificationHasNoMasks(t *testing.T) {
	m := buildStandard(t)
	ds, err := NewAnomalyDataset(m.Partition(SplitTest), SplitTest, TaskClassification, &preprocess.Processor{Size: 4})
	if err != nil {
		t.Fatalf("NewAnomalyDataset failed: %v", err)
	}
	for i := range ds.Len() {
		item, err := ds.Item(i)
		if err != nil {
			t.Fatalf("Item(%d) failed: %v", i, err)
		}
		if item.Mask != nil {
			t.Fatalf("classification items must not carry masks")
		}
	}
}

func TestAnomalyDataset_YieldEpoch(t *testing.T) {
	m := buildStandard(t)
	ds, err := NewAnomalyDataset(m.Partition(SplitTest), SplitTest, TaskSegmentation, &preprocess.Processor{Size: 4})
	if err != nil {
		t.Fatalf("NewAnomalyDataset failed: %v", err)
	}
	ds.BatchSize = 4

	batches := 0
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Yield failed: %v", err)
		}
		if spec != ds {
			t.Fatalf("expected the dataset as spec")
		}
		if len(inputs) != 1 || inputs[0] == nil {
			t.Fatalf("expected one image tensor")
		}
		if len(labels) != 2 || labels[0] == nil || labels[1] == nil {
			t.Fatalf("expected label and mask tensors, got %d", len(labels))
		}
		batches++
	}
	if batches != 2 {
		t.Fatalf("expected 2 batches of 6 items with batch size 4, got %d", batches)
	}

	// exhausted until reset
	if _, _, _, err := ds.Yield(); err != io.EOF {
		t.Fatalf("expected io.EOF before Reset, got %v", err)
	}
	ds.Reset()
	if _, _, _, err := ds.Yield(); err != nil {
		t.Fatalf("expected a batch after Reset, got %v", err)
	}
	if ds.Name() != "mvtec-test" {
		t.Fatalf("unexpected name %s", ds.Name())
	}
}

func TestAnomalyDataset_YieldPropagatesErrors(t *testing.T) {
	m := buildStandard(t)
	ds, err := NewAnomalyDataset(m.Partition(SplitTrain), SplitTrain, TaskClassification, failingTransform{})
	if err != nil {
		t.Fatalf("NewAnomalyDataset failed: %v", err)
	}
	if _, _, _, err := ds.Yield(); err == nil || err == io.EOF {
		t.Fatalf("expected transform error, got %v", err)
	}
}

func TestAnomalyDataset_ShuffleDeterministic(t *testing.T) {
	m := buildStandard(t)
	proc := &preprocess.Processor{Size: 4}
	a, _ := NewAnomalyDataset(m.Partition(SplitTest), SplitTest, TaskClassification, proc)
	b, _ := NewAnomalyDataset(m.Partition(SplitTest), SplitTest, TaskClassification, proc)
	a.Shuffle(7)
	b.Shuffle(7)

	sa, sb := a.Samples(), b.Samples()
	for i := range sa {
		if sa[i].ImagePath != sb[i].ImagePath {
			t.Fatalf("shuffle with the same seed differs at %d", i)
		}
	}
	item, err := a.Item(0)
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if item.ImagePath != sa[0].ImagePath {
		t.Fatalf("Item does not follow the shuffled order")
	}
}

func TestMakeItemBatchFlat(t *testing.T) {
	img := func(h, w int) *preprocess.Image {
		return &preprocess.Image{Data: make([]float32, 3*h*w), Channels: 3, Height: h, Width: w}
	}

	flat, err := MakeItemBatchFlat([]*Item{
		{ImagePath: "a", Image: img(2, 2), Label: 0, Mask: preprocess.ZeroMask(2, 2)},
		{ImagePath: "b", Image: img(2, 2), Label: 1, Mask: preprocess.ZeroMask(2, 2)},
	})
	if err != nil {
		t.Fatalf("MakeItemBatchFlat failed: %v", err)
	}
	if flat.BatchSize != 2 || len(flat.Images) != 2*3*2*2 || len(flat.Masks) != 2*2*2 {
		t.Fatalf("unexpected flat batch %+v", flat)
	}
	if flat.Labels[0] != 0 || flat.Labels[1] != 1 {
		t.Fatalf("unexpected labels %v", flat.Labels)
	}
	images, labels, masks, err := flat.ToGomlxTensors()
	if err != nil || images == nil || labels == nil || masks == nil {
		t.Fatalf("ToGomlxTensors returned nil tensor(s): %v", err)
	}

	if _, err := MakeItemBatchFlat([]*Item{{Image: img(2, 2)}, {Image: img(3, 3)}}); err == nil {
		t.Fatalf("expected error for inconsistent shapes")
	}
	if _, err := MakeItemBatchFlat([]*Item{{Image: img(2, 2), Mask: preprocess.ZeroMask(2, 2)}, {Image: img(2, 2)}}); err == nil {
		t.Fatalf("expected error for mixed masks")
	}

	empty, err := MakeItemBatchFlat(nil)
	if err != nil || empty.BatchSize != 0 {
		t.Fatalf("expected empty batch, got %+v, %v", empty, err)
	}
}
