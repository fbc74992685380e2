package datasets

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Noofbiz/mvtec/config"
	"github.com/Noofbiz/mvtec/download"
	"github.com/Noofbiz/mvtec/preprocess"
	"github.com/go-logr/logr"
)

// Setup stages. An empty stage behaves like StageFit.
const (
	StageFit      = "fit"
	StageValidate = "validate"
	StageTest     = "test"
	StagePredict  = "predict"
)

// MVTec is the data module of one MVTec AD category: it downloads the
// dataset when missing, builds the manifest and owns the train, val and test
// datasets.
type MVTec struct {
	Config config.Dataset

	source         download.Source
	trainTransform Transform
	valTransform   Transform
	client         *http.Client
	progress       bool
	log            logr.Logger

	manifest *Manifest
	train    *AnomalyDataset
	val      *AnomalyDataset
	test     *AnomalyDataset
}

// Option configures an MVTec data module.
type Option func(*MVTec)

// WithLogger sets the logger passed down to acquisition and manifest building.
func WithLogger(log logr.Logger) Option {
	return func(m *MVTec) { m.log = log }
}

// WithTransforms overrides the preprocessing. A nil val transform reuses the
// train transform.
func WithTransforms(train, val Transform) Option {
	return func(m *MVTec) {
		m.trainTransform = train
		m.valTransform = val
	}
}

// WithHTTPClient sets the client used to download the archive.
func WithHTTPClient(c *http.Client) Option {
	return func(m *MVTec) { m.client = c }
}

// WithProgress enables the download progress bar.
func WithProgress(enabled bool) Option {
	return func(m *MVTec) { m.progress = enabled }
}

// NewMVTec creates the data module for cfg.Category under cfg.Root.
func NewMVTec(cfg config.Dataset, opts ...Option) (*MVTec, error) {
	if cfg.Root == "" || cfg.Category == "" {
		return nil, fmt.Errorf("dataset root and category are required")
	}
	if _, err := ParseTask(cfg.Task); err != nil {
		return nil, err
	}

	m := &MVTec{
		Config: cfg,
		source: download.Source{URL: cfg.URL, Archive: cfg.Archive, MD5: cfg.MD5}.WithDefaults(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.trainTransform == nil {
		m.trainTransform = preprocess.NewProcessor(cfg.ImageSize)
	}
	if m.valTransform == nil {
		m.valTransform = m.trainTransform
	}
	if !IsCategory(cfg.Category) {
		m.log.Info("category is not part of MVTec AD, assuming the same layout", "category", cfg.Category)
	}
	return m, nil
}

// Prepare downloads and extracts the dataset if the category directory is
// missing.
func (m *MVTec) Prepare(ctx context.Context) error {
	return download.Ensure(ctx, m.source, m.Config.Root, m.Config.Category, download.Options{
		Client:   m.client,
		Progress: m.progress,
		Logger:   m.log,
	})
}

// Setup builds the manifest and the datasets needed for stage. The train
// dataset is only built for the fit stage; the val dataset only when a
// validation set is configured.
func (m *MVTec) Setup(stage string) error {
	opts := ManifestOptions{
		SplitRatio:          m.Config.SplitRatio,
		CreateValidationSet: m.Config.CreateValidationSet,
		Logger:              m.log,
	}
	if m.Config.Seed != nil {
		opts.Rand = NewSeededRand(*m.Config.Seed)
	}

	manifest, err := BuildManifest(m.Config.CategoryPath(), opts)
	if err != nil {
		return err
	}
	m.manifest = manifest

	task := Task(m.Config.Task)
	m.log.Info("setting up train, validation, test and prediction datasets", "stage", stage)

	m.train = nil
	if stage == "" || stage == StageFit {
		m.train, err = m.newDataset(SplitTrain, task, m.trainTransform, m.Config.TrainBatchSize)
		if err != nil {
			return err
		}
	}

	m.val = nil
	if m.Config.CreateValidationSet {
		m.val, err = m.newDataset(SplitVal, task, m.valTransform, m.Config.TestBatchSize)
		if err != nil {
			return err
		}
	}

	m.test, err = m.newDataset(SplitTest, task, m.valTransform, m.Config.TestBatchSize)
	return err
}

func (m *MVTec) newDataset(split Split, task Task, transform Transform, batchSize int) (*AnomalyDataset, error) {
	ds, err := NewAnomalyDataset(m.manifest.Partition(split), split, task, transform)
	if err != nil {
		return nil, err
	}
	if batchSize > 0 {
		ds.BatchSize = batchSize
	}
	return ds, nil
}

// Manifest returns the manifest built by the last Setup call.
func (m *MVTec) Manifest() *Manifest {
	return m.manifest
}

// TrainDataset returns the train dataset, nil if Setup did not build it.
func (m *MVTec) TrainDataset() *AnomalyDataset {
	return m.train
}

// ValDataset returns the validation dataset, falling back to the test
// dataset when no validation set was created.
func (m *MVTec) ValDataset() *AnomalyDataset {
	if m.val != nil {
		return m.val
	}
	return m.test
}

// TestDataset returns the test dataset.
func (m *MVTec) TestDataset() *AnomalyDataset {
	return m.test
}
