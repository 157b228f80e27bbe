package download

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/glee/core/internal/glerr"
)

// extractZip unpacks a downloaded .zip into the directory it lives
// in, guarding against path traversal from a malicious archive entry.
func extractZip(src string) error {
	dest := filepath.Dir(src)

	r, err := zip.OpenReader(src)
	if err != nil {
		return glerr.IO("opening zip archive", err)
	}
	defer r.Close()

	for _, f := range r.File {
		path := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
			return glerr.Validation("invalid file path in zip: " + f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return glerr.IO("creating directory from zip", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return glerr.IO("creating parent directory from zip", err)
		}

		if err := extractEntry(f, path); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, path string) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return glerr.IO("creating extracted file", err)
	}
	defer out.Close()

	rc, err := f.Open()
	if err != nil {
		return glerr.IO("opening zip entry", err)
	}
	defer rc.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return glerr.IO("extracting zip entry", err)
	}
	return nil
}
