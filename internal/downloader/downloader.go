// Package downloader fetches and unpacks the dataset tarballs.
package downloader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Download url to filePath, creating parent directories as needed, with a
// progress bar when showProgressBar is set.
func Download(url, filePath string, showProgressBar bool) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating file %q", filePath)
	}
	defer func() { _ = file.Close() }()

	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("downloading %q: %s", url, resp.Status)
	}

	var w io.Writer = file
	if showProgressBar {
		bar := progressbar.DefaultBytes(resp.ContentLength,
			fmt.Sprintf("downloading (%s)", humanize.Bytes(uint64(max(resp.ContentLength, 0)))))
		w = io.MultiWriter(file, bar)
		defer func() { _ = bar.Close() }()
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	return file.Close()
}

// ValidateChecksum errors if filePath's SHA-256 differs from checkHash (hex).
func ValidateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening %q to verify checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrapf(err, "hashing %q", filePath)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != checkHash {
		return errors.Errorf("file %q has SHA-256 %s, expected %s -- delete it to re-download",
			filePath, got, checkHash)
	}
	return nil
}

// DownloadIfMissing downloads url to filePath if not yet present, verifying
// checkHash (if non-empty) either way.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// Untar extracts a (possibly gzip-compressed) tar file under baseDir.
func Untar(baseDir, tarFile string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	f, err := os.Open(tarFile)
	if err != nil {
		return errors.Wrapf(err, "opening %q", tarFile)
	}
	defer func() { _ = f.Close() }()

	var reader io.Reader = f
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "decompressing %q", tarFile)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading tar %q", tarFile)
		}
		target := filepath.Join(baseDir, filepath.Clean(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return errors.Errorf("tar %q holds entry %q escaping the target directory", tarFile, header.Name)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0777); err != nil {
				return errors.Wrapf(err, "creating directory %q", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
				return errors.Wrapf(err, "creating directory for %q", target)
			}
			out, err := os.Create(target)
			if err != nil {
				return errors.Wrapf(err, "creating %q", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return errors.Wrapf(err, "extracting %q", target)
			}
			if err := out.Close(); err != nil {
				return errors.Wrapf(err, "closing %q", target)
			}
		}
	}
}

// DownloadAndUntarIfMissing downloads tarFile from url and extracts it under
// baseDir, skipping whatever already exists. checkHash (if non-empty) is the
// expected SHA-256 of the tarball.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !path.IsAbs(tarFile) {
		tarFile = path.Join(baseDir, tarFile)
	}
	if !path.IsAbs(targetUntarDir) {
		targetUntarDir = path.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded %q and extracted %q, but directory %q did not appear",
			url, tarFile, targetUntarDir)
	}
	return nil
}
