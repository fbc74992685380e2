package datasets

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// DefaultSplitRatio is the fraction of normal training images moved to the
// test split when the test split has no normal images.
const DefaultSplitRatio = 0.1

const (
	imageExt   = ".png"
	maskSuffix = "_mask.png"
)

// NoSamplesFoundError is returned when a scan finds no usable images. It is
// not retryable: the caller has to point the builder at a different path.
type NoSamplesFoundError struct {
	Root string
}

func (e *NoSamplesFoundError) Error() string {
	return fmt.Sprintf("found 0 images in %s", e.Root)
}

// ManifestOptions controls how BuildManifest rebalances and splits samples.
type ManifestOptions struct {
	// SplitRatio is the fraction of train/good images moved to the test split
	// when rebalancing. Zero selects DefaultSplitRatio.
	SplitRatio float64

	// Rand drives every random choice. When nil the builder falls back to a
	// time-seeded source and records a warning, since results will differ
	// between runs. Use NewSeededRand for reproducible manifests.
	Rand *rand.Rand

	// CreateValidationSet carves a val split out of the test split.
	CreateValidationSet bool

	Logger logr.Logger
}

// NewSeededRand returns a deterministic random source. Any seed, including
// zero, yields reproducible manifests.
func NewSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Manifest is the list of samples found under one category directory. It is
// never modified after BuildManifest returns, so it can be shared freely
// between goroutines.
type Manifest struct {
	Root    string
	Samples []Sample

	// Warnings collects non-fatal notices raised while building.
	Warnings []string
}

// BuildManifest scans root following the MVTec AD layout
//
//	root/<split>/<label>/<name>.png
//	root/ground_truth/<label>/<name>_mask.png
//
// and returns one sample per image. If the test split has no normal images a
// fraction of the normal training images is moved into it, so that metrics
// which need both classes can be computed. When requested, half of every
// test label is then moved into a validation split.
func BuildManifest(root string, opts ManifestOptions) (*Manifest, error) {
	ratio := opts.SplitRatio
	if ratio == 0 {
		ratio = DefaultSplitRatio
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, fmt.Errorf("split ratio must be in (0, 1), got %v", ratio)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	log := opts.Logger
	m := &Manifest{Root: absRoot}

	rng := opts.Rand
	if rng == nil {
		msg := "seed is not set: normal images moved between train and test will differ between runs"
		log.Info("warning: " + msg)
		m.Warnings = append(m.Warnings, msg)
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	files, skipped, err := scanImages(absRoot)
	if err != nil {
		return nil, err
	}
	for _, rel := range skipped {
		msg := fmt.Sprintf("skipping %s: outside the <split>/<label>/<file> layout", rel)
		log.V(1).Info(msg)
		m.Warnings = append(m.Warnings, msg)
	}
	if len(files) == 0 {
		return nil, &NoSamplesFoundError{Root: absRoot}
	}

	samples := classify(absRoot, files)
	if len(samples) == 0 {
		return nil, &NoSamplesFoundError{Root: absRoot}
	}

	if countWhere(samples, SplitTest, true) == 0 {
		moved := splitNormalImagesInTrainSet(samples, ratio, rng)
		log.V(1).Info("test split has no normal images, moved from train", "moved", moved, "ratio", ratio)
	}

	finalize(samples)

	if opts.CreateValidationSet {
		moved := createValidationSetFromTestSet(samples, rng)
		log.V(1).Info("created validation split", "samples", moved)
	}

	m.Samples = samples
	log.V(1).Info("built manifest", "root", absRoot, "samples", len(samples))
	return m, nil
}

// imageFile is a scanned .png path split into the three layout components.
type imageFile struct {
	split string
	label string
	name  string
}

// layoutDepth is the number of path components of an image below the
// category root: split, label and file name.
const layoutDepth = 3

// scanImages walks root in lexical order and returns every .png file that
// sits exactly layoutDepth levels below it. Files at other depths are
// reported in skipped by their relative path.
//
// The root and symlinked split or label directories are followed. Symlinked
// directories deeper than that are skipped, so link cycles cannot loop.
func scanImages(root string) (files []imageFile, skipped []string, err error) {
	var walk func(dir string, rel []string) error
	walk = func(dir string, rel []string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			parts := append(slices.Clone(rel), e.Name())

			isDir := e.IsDir()
			if e.Type()&fs.ModeSymlink != 0 {
				info, err := os.Stat(path)
				if err != nil {
					skipped = append(skipped, filepath.Join(parts...))
					continue
				}
				isDir = info.IsDir()
				if isDir && len(parts) >= layoutDepth {
					skipped = append(skipped, filepath.Join(parts...))
					continue
				}
			}

			if isDir {
				if err := walk(path, parts); err != nil {
					return err
				}
				continue
			}
			if !strings.HasSuffix(e.Name(), imageExt) {
				continue
			}
			if len(parts) != layoutDepth {
				skipped = append(skipped, filepath.Join(parts...))
				continue
			}
			files = append(files, imageFile{split: parts[0], label: parts[1], name: parts[2]})
		}
		return nil
	}

	if err := walk(root, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return files, skipped, nil
}

// classify drops mask files and resolves image and mask paths for the rest.
// Every sample gets a mask path at this stage; normal test images lose it in
// finalize.
func classify(root string, files []imageFile) []Sample {
	samples := make([]Sample, 0, len(files))
	for _, f := range files {
		if Split(f.split) == SplitGroundTruth {
			continue
		}
		stem := strings.TrimSuffix(f.name, imageExt)
		samples = append(samples, Sample{
			DatasetRoot: root,
			Split:       Split(f.split),
			Label:       f.label,
			ImagePath:   filepath.Join(root, f.split, f.label, f.name),
			MaskPath:    filepath.Join(root, string(SplitGroundTruth), f.label, stem+maskSuffix),
		})
	}
	return samples
}

// finalize clears mask paths of normal test images and derives label indices.
func finalize(samples []Sample) {
	for i := range samples {
		s := &samples[i]
		if s.Split == SplitTest && s.IsNormal() {
			s.MaskPath = ""
		}
		s.LabelIndex = LabelIndex(s.Label)
	}
}

// countWhere counts samples in split whose normality equals normal.
func countWhere(samples []Sample, split Split, normal bool) int {
	n := 0
	for _, s := range samples {
		if s.Split == split && s.IsNormal() == normal {
			n++
		}
	}
	return n
}

// Partition returns a copy of the samples assigned to split, in manifest order.
func (m *Manifest) Partition(split Split) []Sample {
	out := make([]Sample, 0)
	for _, s := range m.Samples {
		if s.Split == split {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of samples in the manifest.
func (m *Manifest) Len() int {
	return len(m.Samples)
}

// ClassDistribution returns sample counts per split and label.
func (m *Manifest) ClassDistribution() map[Split]map[string]int {
	dist := make(map[Split]map[string]int)
	for _, s := range m.Samples {
		if dist[s.Split] == nil {
			dist[s.Split] = make(map[string]int)
		}
		dist[s.Split][s.Label]++
	}
	return dist
}

// String returns a short human readable summary.
func (m *Manifest) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Manifest %s: %d samples\n", m.Root, len(m.Samples)))
	dist := m.ClassDistribution()
	for _, split := range []Split{SplitTrain, SplitVal, SplitTest} {
		labels, ok := dist[split]
		if !ok {
			continue
		}
		normal := labels[NormalLabel]
		total := 0
		for _, n := range labels {
			total += n
		}
		sb.WriteString(fmt.Sprintf("  %s: %d samples (%d normal, %d anomalous)\n", split, total, normal, total-normal))
	}
	return sb.String()
}
