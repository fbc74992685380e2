package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// manifestHeader is the column layout of the manifest CSV export.
var manifestHeader = []string{"dataset_root", "split", "label", "image_path", "mask_path", "label_index"}

// WriteCSV writes the manifest as CSV with a header row.
func (m *Manifest) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(manifestHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, s := range m.Samples {
		record := []string{
			s.DatasetRoot,
			string(s.Split),
			s.Label,
			s.ImagePath,
			s.MaskPath,
			strconv.Itoa(s.LabelIndex),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", s.ImagePath, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// SaveCSV writes the manifest to path, creating parent directories.
func (m *Manifest) SaveCSV(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.WriteCSV(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadManifestCSV parses a manifest previously written by WriteCSV.
func ReadManifestCSV(r io.Reader) (*Manifest, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, col := range manifestHeader {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("required column %q not found in CSV", col)
		}
	}

	m := &Manifest{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		split, err := ParseSplit(record[colIndex["split"]])
		if err != nil {
			return nil, err
		}
		labelIndex, err := strconv.Atoi(strings.TrimSpace(record[colIndex["label_index"]]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse label_index: %w", err)
		}

		s := Sample{
			DatasetRoot: record[colIndex["dataset_root"]],
			Split:       split,
			Label:       record[colIndex["label"]],
			ImagePath:   record[colIndex["image_path"]],
			MaskPath:    record[colIndex["mask_path"]],
			LabelIndex:  labelIndex,
		}
		if m.Root == "" {
			m.Root = s.DatasetRoot
		}
		m.Samples = append(m.Samples, s)
	}
	return m, nil
}

// LoadManifestCSV reads a manifest CSV file from disk.
func LoadManifestCSV(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadManifestCSV(file)
}

// FindCategoryDir returns the first <root>/<category> directory that exists
// among the candidate roots.
func FindCategoryDir(roots []string, category string) (string, error) {
	for _, root := range roots {
		dir := filepath.Join(root, category)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("category %q not found in %v", category, roots)
}
