// Command mvtec prepares an MVTec AD category: it downloads the dataset when
// asked, builds the train/val/test manifest, writes it as CSV and reports the
// class distribution.
//
// Usage:
//
//	mvtec -root ./datasets/MVTec -category bottle -seed 42 -out manifest.csv -plot distribution.png
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/Noofbiz/mvtec/config"
	"github.com/Noofbiz/mvtec/datasets"
	"github.com/Noofbiz/mvtec/internal/logger"
	"github.com/Noofbiz/mvtec/loader"
	"github.com/Noofbiz/mvtec/preprocess"
	"github.com/Noofbiz/mvtec/visualize"
	"github.com/go-logr/logr"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

type options struct {
	configPath string
	root       string
	category   string
	seed       int64
	seedSet    bool
	splitRatio float64
	val        bool
	download   bool
	out        string
	plot       string
	check      bool
	preview    int
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a YAML configuration file (optional)")
	flag.StringVar(&opts.root, "root", "", "dataset root holding one directory per category (overrides config)")
	flag.StringVar(&opts.category, "category", "", "MVTec AD category, e.g. bottle (overrides config)")
	flag.Int64Var(&opts.seed, "seed", 0, "random seed for the normal image split and the validation set")
	flag.Float64Var(&opts.splitRatio, "split-ratio", 0, "fraction of normal training images moved to test when test has none (overrides config)")
	flag.BoolVar(&opts.val, "val", false, "carve a validation set out of the test set")
	flag.BoolVar(&opts.download, "download", false, "download and extract the dataset when the category is missing")
	flag.StringVar(&opts.out, "out", "", "write the manifest CSV to this path")
	flag.StringVar(&opts.plot, "plot", "", "write a class distribution bar chart (PNG) to this path")
	flag.BoolVar(&opts.check, "check", false, "decode every image and mask of every split")
	flag.IntVar(&opts.preview, "preview", 0, "render figures for the first N test images into the project image directory")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			opts.seedSet = true
		}
	})

	level, err := logger.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	zl := logger.NewConsole(level)
	log := logger.Logr(zl, "mvtec")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		stop()
		zl.Fatal().Err(err).Msg("mvtec failed")
	}
}

// loadConfig reads the optional config file and applies the CLI overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.root != "" {
		cfg.Dataset.Root = opts.root
	}
	if opts.category != "" {
		cfg.Dataset.Category = opts.category
	}
	if opts.seedSet {
		seed := opts.seed
		cfg.Dataset.Seed = &seed
	}
	if opts.splitRatio != 0 {
		cfg.Dataset.SplitRatio = opts.splitRatio
	}
	if opts.val {
		cfg.Dataset.CreateValidationSet = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, opts options, log logr.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	dm, err := datasets.NewMVTec(cfg.Dataset, datasets.WithLogger(log), datasets.WithProgress(true))
	if err != nil {
		return err
	}
	if opts.download {
		if err := dm.Prepare(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := dm.Setup(datasets.StageFit); err != nil {
		return err
	}
	manifest := dm.Manifest()
	log.Info("built manifest", "root", manifest.Root, "samples", manifest.Len(), "elapsed", time.Since(start).String())
	fmt.Print(manifest.String())

	if opts.out != "" {
		if err := manifest.SaveCSV(opts.out); err != nil {
			return err
		}
		log.Info("wrote manifest", "path", opts.out)
	}

	if opts.plot != "" {
		if err := plotDistribution(opts.plot, manifest); err != nil {
			return fmt.Errorf("failed to plot class distribution: %w", err)
		}
		log.Info("wrote class distribution chart", "path", opts.plot)
	}

	if opts.check {
		check := []*datasets.AnomalyDataset{dm.TrainDataset(), dm.TestDataset()}
		if cfg.Dataset.CreateValidationSet {
			check = append(check, dm.ValDataset())
		}
		for _, ds := range check {
			if err := checkDataset(ctx, ds, cfg.Dataset, log); err != nil {
				return err
			}
		}
	}

	if opts.preview > 0 {
		if err := preview(dm.TestDataset(), opts.preview, cfg.Project, log); err != nil {
			return err
		}
	}
	return nil
}

// checkDataset decodes every item of ds through the loader and logs progress.
func checkDataset(ctx context.Context, ds *datasets.AnomalyDataset, cfg config.Dataset, log logr.Logger) error {
	l, err := loader.New[*datasets.Item](ds, loader.Config{
		BatchSize:  ds.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Prefetch:   2,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	l.Start(ctx)
	for {
		_, err := l.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("%s: %w", ds.Name(), err)
		}
		done, total := l.Progress()
		log.V(1).Info("checked batch", "dataset", ds.Name(), "done", done, "total", total)
	}
	done, _ := l.Progress()
	log.Info("checked dataset", "dataset", ds.Name(), "items", done, "batches", l.NumBatches())
	return nil
}

// preview renders figures for the first n test items. The ground-truth mask
// stands in for the anomaly map so the figures show where the defects are.
func preview(ds *datasets.AnomalyDataset, n int, project config.Project, log logr.Logger) error {
	opts := visualize.Options{
		SaveImages: project.SaveImages(),
		SavePath:   project.ImageSavePath(),
		LogImages:  project.LogImages(),
		Logger:     log,
	}
	if opts.LogImages {
		opts.ImageLogger = &visualize.DirLogger{Dir: filepath.Join(project.Path, "tracker")}
	}
	if !opts.SaveImages && !opts.LogImages {
		opts.SaveImages = true
	}
	if project.ShowImages {
		log.Info("no display available, figures are not shown")
	}
	cb, err := visualize.NewCallback(opts)
	if err != nil {
		return err
	}

	n = min(n, ds.Len())
	results := make([]visualize.Result, 0, n)
	for i := range n {
		item, err := ds.Item(i)
		if err != nil {
			return err
		}
		amap := item.Mask
		if amap == nil {
			amap = preprocess.ZeroMask(item.Image.Height, item.Image.Width)
		}
		results = append(results, visualize.Result{
			ImagePath:   item.ImagePath,
			GroundTruth: item.Mask,
			AnomalyMap:  amap,
		})
	}
	if err := cb.OnTestBatchEnd(results); err != nil {
		return err
	}
	log.Info("rendered preview figures", "count", len(results), "path", opts.SavePath)
	return nil
}

// plotDistribution writes a grouped bar chart of normal and anomalous images
// per split.
func plotDistribution(path string, m *datasets.Manifest) error {
	splits := []datasets.Split{datasets.SplitTrain, datasets.SplitVal, datasets.SplitTest}
	normal := make(plotter.Values, len(splits))
	anomalous := make(plotter.Values, len(splits))
	for i, split := range splits {
		for _, s := range m.Partition(split) {
			if s.IsNormal() {
				normal[i]++
			} else {
				anomalous[i]++
			}
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Class distribution: %s", filepath.Base(m.Root))
	p.Y.Label.Text = "images"

	width := vg.Points(20)
	nb, err := plotter.NewBarChart(normal, width)
	if err != nil {
		return err
	}
	nb.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	nb.Offset = -width / 2
	p.Add(nb)
	p.Legend.Add("normal", nb)

	ab, err := plotter.NewBarChart(anomalous, width)
	if err != nil {
		return err
	}
	ab.Color = color.RGBA{R: 200, G: 30, B: 30, A: 220}
	ab.Offset = width / 2
	p.Add(ab)
	p.Legend.Add("anomalous", ab)

	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	p.NominalX("train", "val", "test")
	p.Y.Min = 0
	p.Y.Max = autoRange(normal, anomalous)

	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}

// autoRange returns a padded upper bound covering every bar.
func autoRange(series ...plotter.Values) float64 {
	var ymax float64
	for _, vs := range series {
		for _, v := range vs {
			ymax = max(ymax, v)
		}
	}
	pad := ymax * 0.06
	if pad == 0 {
		pad = 1.0
	}
	return ymax + pad
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
