package download

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ulikunitz/xz"
)

// tarEntry is one archive member. Names ending in "/" are directories.
type tarEntry struct {
	name    string
	content string
}

// makeTarXz builds an xz compressed tar archive holding the given files in
// name order.
func makeTarXz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]tarEntry, len(names))
	for i, name := range names {
		entries[i] = tarEntry{name: name, content: files[name]}
	}
	return makeTarXzEntries(t, entries)
}

// makeTarXzEntries builds an xz compressed tar archive with the entries in
// the given order.
func makeTarXzEntries(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz.NewWriter: %v", err)
	}
	tw := tar.NewWriter(xw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.content)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(e.name, "/") {
			hdr = &tar.Header{Name: e.name, Mode: 0755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader %s: %v", e.name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.content)); err != nil {
				t.Fatalf("Write %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := xw.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}
	return buf.Bytes()
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// serve returns a test server answering every request with body and a
// counter of the requests received.
func serve(t *testing.T, body []byte) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestEnsure_DownloadsVerifiesAndExtracts(t *testing.T) {
	archive := makeTarXz(t, map[string]string{
		"bottle/":                    "",
		"bottle/train/good/000.png":  "img0",
		"bottle/test/broken/000.png": "img1",
	})
	srv, hits := serve(t, archive)

	root := filepath.Join(t.TempDir(), "MVTec")
	src := Source{URL: srv.URL + "/mvtec.tar.xz", Archive: "mvtec.tar.xz", MD5: md5Hex(archive)}
	if err := Ensure(context.Background(), src, root, "bottle", Options{Client: srv.Client()}); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "bottle", "test", "broken", "000.png"))
	if err != nil {
		t.Fatalf("expected extracted file: %v", err)
	}
	if string(data) != "img1" {
		t.Fatalf("unexpected extracted content %q", data)
	}
	if _, err := os.Stat(filepath.Join(root, "mvtec.tar.xz")); !os.IsNotExist(err) {
		t.Fatalf("expected archive to be removed, stat err=%v", err)
	}

	// second call finds the category and does not download again
	if err := Ensure(context.Background(), src, root, "bottle", Options{Client: srv.Client()}); err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("expected exactly 1 download, got %d", got)
	}
}

func TestEnsure_ChecksumMismatchAbortsBeforeExtraction(t *testing.T) {
	archive := makeTarXz(t, map[string]string{"bottle/train/good/000.png": "img0"})
	srv, _ := serve(t, archive)

	root := filepath.Join(t.TempDir(), "MVTec")
	src := Source{URL: srv.URL, Archive: "mvtec.tar.xz", MD5: "00000000000000000000000000000000"}
	err := Ensure(context.Background(), src, root, "bottle", Options{Client: srv.Client()})
	if err == nil {
		t.Fatalf("expected checksum error")
	}
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected *IntegrityError, got %T: %v", err, err)
	}
	if ie.Actual != md5Hex(archive) {
		t.Fatalf("unexpected actual digest %s", ie.Actual)
	}
	if _, err := os.Stat(filepath.Join(root, "bottle")); !os.IsNotExist(err) {
		t.Fatalf("nothing should be extracted on mismatch, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "mvtec.tar.xz")); !os.IsNotExist(err) {
		t.Fatalf("corrupt archive should be removed, stat err=%v", err)
	}
}

func TestEnsure_MissingCategoryInArchive(t *testing.T) {
	archive := makeTarXz(t, map[string]string{"cable/train/good/000.png": "img0"})
	srv, _ := serve(t, archive)

	root := t.TempDir()
	src := Source{URL: srv.URL, Archive: "a.tar.xz", MD5: md5Hex(archive)}
	if err := Ensure(context.Background(), src, root, "bottle", Options{Client: srv.Client()}); err == nil {
		t.Fatalf("expected error when the archive lacks the category")
	}
}

func TestEnsure_FailedExtractionLeavesNoPartialDataset(t *testing.T) {
	archive := makeTarXzEntries(t, []tarEntry{
		{name: "bottle/train/good/0.png", content: "img0"},
		{name: "../escape.png", content: "x"},
		{name: "bottle/test/crack/0.png", content: "img1"},
	})
	srv, _ := serve(t, archive)

	parent := t.TempDir()
	root := filepath.Join(parent, "MVTec")
	src := Source{URL: srv.URL, Archive: "mvtec.tar.xz", MD5: md5Hex(archive)}
	if err := Ensure(context.Background(), src, root, "bottle", Options{Client: srv.Client()}); err == nil {
		t.Fatalf("expected extraction error")
	}
	if _, err := os.Stat(filepath.Join(root, "bottle")); !os.IsNotExist(err) {
		t.Fatalf("partially extracted category must be removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "mvtec.tar.xz")); !os.IsNotExist(err) {
		t.Fatalf("archive should be removed after a failed extraction, stat err=%v", err)
	}
	for _, p := range []string{filepath.Join(root, "escape.png"), filepath.Join(parent, "escape.png")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("escaping entry must not be written to %s", p)
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty root, found %d entries", len(entries))
	}

	// a retry downloads again and fails again instead of finding a truncated dataset
	if err := Ensure(context.Background(), src, root, "bottle", Options{Client: srv.Client()}); err == nil {
		t.Fatalf("second Ensure must not succeed after a failed extraction")
	}
}

func TestEnsure_KeepsInstalledCategories(t *testing.T) {
	archive := makeTarXz(t, map[string]string{
		"bottle/train/good/0.png": "img0",
		"cable/train/good/0.png":  "new",
	})
	srv, _ := serve(t, archive)

	root := t.TempDir()
	existing := filepath.Join(root, "cable", "train", "good", "0.png")
	if err := os.MkdirAll(filepath.Dir(existing), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(existing, []byte("old"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := Source{URL: srv.URL, Archive: "a.tar.xz", MD5: md5Hex(archive)}
	if err := Ensure(context.Background(), src, root, "bottle", Options{Client: srv.Client()}); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "old" {
		t.Fatalf("installed category was overwritten: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "bottle", "train", "good", "0.png")); err != nil {
		t.Fatalf("expected extracted category: %v", err)
	}
}

func TestDownload_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out")
	if _, err := Download(context.Background(), srv.URL, path, Options{Client: srv.Client()}); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestExtractTarXz_RejectsEscapingEntries(t *testing.T) {
	archive := makeTarXz(t, map[string]string{"../evil.txt": "x"})
	tmp := t.TempDir()
	archivePath := filepath.Join(tmp, "a.tar.xz")
	if err := os.WriteFile(archivePath, archive, 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	dest := filepath.Join(tmp, "dest")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := ExtractTarXz(archivePath, dest); err == nil {
		t.Fatalf("expected error for entry escaping destination")
	}
	if _, err := os.Stat(filepath.Join(tmp, "evil.txt")); !os.IsNotExist(err) {
		t.Fatalf("escaping entry must not be written")
	}
}

func TestVerifyMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	content := []byte("hello")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := VerifyMD5(path, md5Hex(content)); err != nil {
		t.Fatalf("expected digest to match: %v", err)
	}
	if err := VerifyMD5(path, "5D41402ABC4B2A76B9719D911017C592"); err != nil {
		t.Fatalf("digest comparison should ignore case: %v", err)
	}
	if err := VerifyMD5(path, "deadbeef"); err == nil {
		t.Fatalf("expected mismatch")
	}
}

func TestSourceWithDefaults(t *testing.T) {
	s := Source{URL: "http://example.invalid/a.tar.xz"}.WithDefaults()
	if s.URL != "http://example.invalid/a.tar.xz" {
		t.Fatalf("explicit URL overwritten")
	}
	if s.MD5 != MVTecSource.MD5 || s.Archive != MVTecSource.Archive {
		t.Fatalf("defaults not applied: %+v", s)
	}
}
