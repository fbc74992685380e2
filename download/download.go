// Package download fetches, verifies and unpacks the MVTec AD archive.
//
// The stage is sequential: download the archive next to the dataset root,
// check its MD5 digest against a pinned value, extract it and delete it. A
// digest mismatch aborts before anything is extracted.
package download

import (
	"archive/tar"
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// Source describes an archive to fetch.
type Source struct {
	URL     string
	Archive string // file name the archive is stored under while extracting
	MD5     string // hex encoded digest of the archive
}

// MVTecSource is the official MVTec AD archive.
var MVTecSource = Source{
	URL:     "https://www.mydrive.ch/shares/38536/3830184030e49fe74747669442f0f282/download/420938113-1629952094/mvtec_anomaly_detection.tar.xz",
	Archive: "mvtec_anomaly_detection.tar.xz",
	MD5:     "eefca59f2cede9c3fc5b6befbfec275e",
}

// WithDefaults fills empty fields from MVTecSource.
func (s Source) WithDefaults() Source {
	if s.URL == "" {
		s.URL = MVTecSource.URL
	}
	if s.Archive == "" {
		s.Archive = MVTecSource.Archive
	}
	if s.MD5 == "" {
		s.MD5 = MVTecSource.MD5
	}
	return s
}

// IntegrityError reports an archive whose digest does not match the pinned
// value.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected md5 %s, got %s", e.Path, e.Expected, e.Actual)
}

// Options tunes the acquisition stage.
type Options struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client

	// Progress renders a progress bar on stderr while downloading.
	Progress bool

	Logger logr.Logger
}

// Ensure makes sure root/category exists, downloading and extracting src
// into root when it does not.
func Ensure(ctx context.Context, src Source, root, category string, opts Options) error {
	log := opts.Logger
	categoryDir := filepath.Join(root, category)
	if info, err := os.Stat(categoryDir); err == nil && info.IsDir() {
		log.Info("found the dataset", "path", categoryDir)
		return nil
	}

	src = src.WithDefaults()
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.Wrapf(err, "failed to create dataset root %q", root)
	}

	archive := filepath.Join(root, src.Archive)
	log.Info("downloading the dataset", "url", src.URL, "archive", archive)
	size, err := Download(ctx, src.URL, archive, opts)
	if err != nil {
		_ = os.Remove(archive)
		return err
	}
	log.Info("downloaded the dataset", "size", humanize.Bytes(uint64(size)))

	log.Info("checking hash", "archive", archive)
	if err := VerifyMD5(archive, src.MD5); err != nil {
		_ = os.Remove(archive)
		return errors.WithMessagef(err, "refusing to extract %q", archive)
	}

	log.Info("extracting the dataset", "root", root)
	if err := extractInto(archive, root); err != nil {
		_ = os.Remove(archive)
		return err
	}

	log.Info("cleaning the archive", "archive", archive)
	if err := os.Remove(archive); err != nil {
		return errors.Wrapf(err, "failed to remove %q", archive)
	}

	if info, err := os.Stat(categoryDir); err != nil || !info.IsDir() {
		return errors.Errorf("category %q not found in extracted archive under %q", category, root)
	}
	return nil
}

// extractInto unpacks archive into a staging directory under root and moves
// its top-level entries into root once the whole archive extracted. Entries
// already present in root are kept. A failed extraction leaves root as it
// was.
func extractInto(archive, root string) error {
	staging, err := os.MkdirTemp(root, ".extract-")
	if err != nil {
		return errors.Wrapf(err, "failed to create staging directory in %q", root)
	}
	defer os.RemoveAll(staging)

	if err := ExtractTarXz(archive, staging); err != nil {
		return err
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", staging)
	}
	for _, e := range entries {
		target := filepath.Join(root, e.Name())
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.Rename(filepath.Join(staging, e.Name()), target); err != nil {
			return errors.Wrapf(err, "failed to move %q into %q", e.Name(), root)
		}
	}
	return nil
}

// Download fetches url into path and returns the number of bytes written.
func Download(ctx context.Context, url, path string, opts Options) (int64, error) {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to build request for %q", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to download %q", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed to download %q: %s", url, resp.Status)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %q", path)
	}

	var w io.Writer = file
	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.DefaultBytes(resp.ContentLength, "MVTec AD")
		w = io.MultiWriter(file, bar)
	}

	n, err := io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		file.Close()
		return n, errors.Wrapf(err, "failed while downloading %q", url)
	}
	if err := file.Close(); err != nil {
		return n, errors.Wrapf(err, "failed to close %q", path)
	}
	return n, nil
}

// FileMD5 returns the hex encoded MD5 digest of the file at path.
func FileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q", path)
	}
	defer file.Close()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", errors.Wrapf(err, "failed to read %q", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyMD5 returns an *IntegrityError if the digest of path differs from
// expected.
func VerifyMD5(path, expected string) error {
	actual, err := FileMD5(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return &IntegrityError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}

// ExtractTarXz unpacks an xz compressed tar archive into dest. Entries that
// would land outside dest abort the extraction. Only directories and
// regular files are extracted.
func ExtractTarXz(archive, dest string) error {
	file, err := os.Open(archive)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", archive)
	}
	defer file.Close()

	xzReader, err := xz.NewReader(bufio.NewReader(file))
	if err != nil {
		return errors.Wrapf(err, "failed to read xz stream of %q", archive)
	}

	base, err := filepath.Abs(dest)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve %q", dest)
	}

	tr := tar.NewReader(xzReader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read tar entry in %q", archive)
		}

		target := filepath.Join(base, hdr.Name)
		if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
			return errors.Errorf("tar entry %q escapes destination %q", hdr.Name, dest)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "failed to create %q", target)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", filepath.Dir(path))
	}
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return out.Close()
}
