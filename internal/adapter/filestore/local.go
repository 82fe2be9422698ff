// Package filestore materializes backend outputs onto local disk using the
// content store's user/date directory layout.
package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lumagallery/luma/internal/domain"
)

// LocalStore writes under BaseDir/generations/{user}/{yyyy}/{mm}/{dd}/.
type LocalStore struct {
	BaseDir string
}

// NewLocalStore creates a LocalStore rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{BaseDir: filepath.Clean(baseDir)}
}

// Resolve joins an output descriptor against the backend's output directory
// and normalizes the result. Descriptors may carry ".." segments; after
// cleaning, the path is used as-is (mock fixtures legitimately live outside
// the output directory proper).
func Resolve(outputDir string, ref domain.OutputRef) string {
	return filepath.Clean(filepath.Join(outputDir, ref.Subfolder, ref.Filename))
}

// Ingest places src into the store. With copy=true the file is copied into
// the user/date layout and the destination path returned; with copy=false
// the file stays where it is and the normalized source path is returned.
// Either way the source must exist and be a regular file.
func (s *LocalStore) Ingest(_ domain.Context, src string, userID int64, at time.Time, copy bool) (string, error) {
	src = filepath.Clean(src)
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("op=filestore.Ingest: %s: %w", src, domain.ErrOutputMissing)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("op=filestore.Ingest: %s is not a regular file: %w", src, domain.ErrOutputMissing)
	}
	if !copy {
		return src, nil
	}

	at = at.UTC()
	dir := filepath.Join(s.BaseDir, "generations",
		strconv.FormatInt(userID, 10),
		fmt.Sprintf("%04d", at.Year()),
		fmt.Sprintf("%02d", at.Month()),
		fmt.Sprintf("%02d", at.Day()),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=filestore.Ingest: mkdir: %w", err)
	}
	dst := uniquePath(filepath.Join(dir, filepath.Base(src)))
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("op=filestore.Ingest: copy: %w", err)
	}
	return dst, nil
}

// Sniff detects the MIME type by content, not extension.
func (s *LocalStore) Sniff(_ domain.Context, path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("op=filestore.Sniff: %s: %w", path, err)
	}
	return mt.String(), nil
}

// uniquePath returns path, or path with a numeric suffix when a file with
// that name already exists in the target day directory.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
