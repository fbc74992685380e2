package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package turns an MVTec AD category directory into samples suitable
// for training and evaluating anomaly detection models.
//
// Layout and intended usage:
//
// Manifest
//   - BuildManifest scans <root>/<split>/<label>/<name>.png, resolves mask
//     paths under <root>/ground_truth and rebalances normal images so the
//     test split always holds both classes.
//   - The manifest is a plain slice of Sample values; it is built once and
//     only read afterwards.
//
// AnomalyDataset
//   - Wraps one manifest partition plus a Transform and loads images lazily,
//     only when an item or batch is requested.
//   - Train items carry the image and label; val/test items of the
//     segmentation task also carry the ground-truth mask.
//
// MVTec
//   - Data module tying acquisition, manifest building and the three
//     datasets together.
//
// The datasets implement this interface in order to interact with GoMLX
// training loops and with the loader package.
type Dataset interface {
	Len() int
	Item(i int) (*Item, error)
	Batch(indices []int) ([]*Item, error)
	Shuffle(seed int64)

	// To implement gomlx's train.Dataset interface
	Name() string
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	Reset()
}

var _ Dataset = (*AnomalyDataset)(nil)
