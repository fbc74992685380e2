package datasets

import (
	"fmt"
	"strings"
)

// Split names a partition of the dataset. The values are the directory names
// used by the MVTec AD layout, plus "val" which only exists after a
// validation set has been carved out of the test split.
type Split string

const (
	SplitTrain       Split = "train"
	SplitTest        Split = "test"
	SplitVal         Split = "val"
	SplitGroundTruth Split = "ground_truth"
)

// NormalLabel is the class folder holding defect-free images.
const NormalLabel = "good"

// Label indices stored in Sample.LabelIndex.
const (
	LabelNormal    = 0
	LabelAnomalous = 1
)

// ParseSplit converts a split name into a Split, rejecting unknown names.
func ParseSplit(s string) (Split, error) {
	switch Split(strings.TrimSpace(s)) {
	case SplitTrain:
		return SplitTrain, nil
	case SplitTest:
		return SplitTest, nil
	case SplitVal:
		return SplitVal, nil
	case SplitGroundTruth:
		return SplitGroundTruth, nil
	}
	return "", fmt.Errorf("unknown split %q", s)
}

// LabelIndex maps a class folder name to 0 (normal) or 1 (anomalous).
func LabelIndex(label string) int {
	if label == NormalLabel {
		return LabelNormal
	}
	return LabelAnomalous
}

// Sample is one row of the manifest: an image discovered on disk plus the
// metadata derived from its location.
type Sample struct {
	// DatasetRoot is the absolute path of the category directory scanned.
	DatasetRoot string

	Split Split

	// Label is the class folder name, "good" for normal images.
	Label string

	// ImagePath is the absolute path of the image file.
	ImagePath string

	// MaskPath points at <root>/ground_truth/<label>/<stem>_mask.png. It is
	// empty for normal images outside the train split, which have no mask.
	MaskPath string

	LabelIndex int
}

// IsNormal reports whether the sample belongs to the normal class.
func (s Sample) IsNormal() bool {
	return s.Label == NormalLabel
}
