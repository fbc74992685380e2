package main

// Example command that builds the MVTec AD data module for one category,
// loads a test batch and converts it into gomlx tensors.
//
// Usage:
//   go run ./datasets/example -root ./datasets/MVTec -category bottle
//
// The category directory must already exist under root; run the mvtec
// command with -download to fetch it.

import (
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/Noofbiz/mvtec/config"
	"github.com/Noofbiz/mvtec/datasets"
)

func main() {
	root := flag.String("root", "./datasets/MVTec", "dataset root")
	category := flag.String("category", "bottle", "MVTec AD category")
	flag.Parse()

	cfg := config.Default().Dataset
	cfg.Root = *root
	cfg.Category = *category
	seed := int64(42)
	cfg.Seed = &seed
	cfg.TestBatchSize = 4

	dm, err := datasets.NewMVTec(cfg)
	if err != nil {
		log.Fatalf("failed to create data module: %v", err)
	}
	if err := dm.Setup(datasets.StageFit); err != nil {
		log.Fatalf("failed to set up datasets: %v", err)
	}
	fmt.Print(dm.Manifest())

	test := dm.TestDataset()
	fmt.Printf("Total test images available: %d\n", test.Len())

	// Images are only decoded when a batch is requested.
	_, inputs, labels, err := test.Yield()
	if err == io.EOF {
		fmt.Println("Test split is empty")
		return
	}
	if err != nil {
		log.Fatalf("failed to yield a test batch: %v", err)
	}

	fmt.Printf("Created image tensor: %T\n", inputs[0])
	fmt.Printf("  Shape: [%d, 3, %d, %d]\n", min(cfg.TestBatchSize, test.Len()), cfg.ImageSize, cfg.ImageSize)
	fmt.Printf("Created label tensor: %T\n", labels[0])
	if len(labels) > 1 {
		fmt.Printf("Created mask tensor: %T\n", labels[1])
	}

	for i, s := range test.Samples()[:min(4, test.Len())] {
		fmt.Printf("  %d: %s/%s label=%d mask=%q\n", i, s.Split, s.Label, s.LabelIndex, s.MaskPath)
	}

	fmt.Println("\nExample completed successfully!")
}
