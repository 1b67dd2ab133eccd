package pkgpipe

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"kiln/internal/faults"
	"kiln/internal/pkgcache"
)

// extractor unpacks .tar.gz/.tgz and .zip archives into a staging
// directory. Permission-denied failures are retried with a flat delay
// to ride out antivirus scanners holding freshly-written files; other
// failures are permanent.
type extractor struct {
	retries int
	delay   time.Duration
	sleep   func(context.Context, time.Duration) error
}

func newExtractor(retries int, delay time.Duration) *extractor {
	return &extractor{retries: retries, delay: delay, sleep: sleepCtx}
}

// extract unpacks archivePath into a temp_extract_ staging directory
// next to it and returns the staged content root. Single-subdirectory
// archives (the GitHub release shape) are flattened.
func (e *extractor) extract(ctx context.Context, task *Task, archivePath string, reporter Reporter) (string, error) {
	stagingDir := filepath.Join(filepath.Dir(archivePath), pkgcache.ExtractPrefix+filepath.Base(archivePath))

	var lastErr error
	for attempt := 0; attempt < e.retries; attempt++ {
		if attempt > 0 {
			reporter.OnProgress(task, StageUnpacking, 0, 0, fmt.Sprintf("retry %d/%d", attempt, e.retries-1))
			if err := e.sleep(ctx, e.delay); err != nil {
				return "", faults.Wrap(faults.ErrCancelled, "unpack", task.Name, "", err)
			}
		}
		_ = os.RemoveAll(stagingDir)
		if err := os.MkdirAll(stagingDir, 0o755); err != nil {
			return "", faults.Wrap(faults.ErrTransient, "unpack", task.Name, "create staging dir", err)
		}

		err := e.attempt(ctx, task, archivePath, stagingDir, reporter)
		if err == nil {
			return flattenSingleDir(stagingDir)
		}

		_ = os.RemoveAll(stagingDir)
		if errors.Is(err, context.Canceled) {
			return "", faults.Wrap(faults.ErrCancelled, "unpack", task.Name, "", err)
		}
		if !errors.Is(err, fs.ErrPermission) {
			return "", faults.Wrap(faults.ErrPermanent, "unpack", task.Name, archivePath, err)
		}
		lastErr = err
	}
	return "", faults.Wrap(faults.ErrTransient, "unpack", task.Name,
		fmt.Sprintf("all %d attempts failed", e.retries), lastErr)
}

func (e *extractor) attempt(ctx context.Context, task *Task, archivePath, stagingDir string, reporter Reporter) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return e.extractTarGz(ctx, task, archivePath, stagingDir, reporter)
	case strings.HasSuffix(lower, ".zip"):
		return e.extractZip(ctx, task, archivePath, stagingDir, reporter)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
}

func (e *extractor) extractTarGz(ctx context.Context, task *Task, archivePath, stagingDir string, reporter Reporter) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gz.Close()

	var extracted int64
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := securePath(stagingDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			mode := fs.FileMode(header.Mode) & 0o777
			if mode == 0 {
				mode = 0o644
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
		}
		extracted++
		if extracted%50 == 0 {
			reporter.OnProgress(task, StageUnpacking, extracted, 0, fmt.Sprintf("%d entries", extracted))
		}
	}
}

func (e *extractor) extractZip(ctx context.Context, task *Task, archivePath, stagingDir string, reporter Reporter) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	total := int64(len(zr.File))
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := securePath(stagingDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode := f.Mode() & 0o777
		if mode == 0 {
			mode = 0o644
		}
		in, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			_ = in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			_ = in.Close()
			return err
		}
		_ = in.Close()
		if err := out.Close(); err != nil {
			return err
		}
		if (i+1)%50 == 0 || int64(i+1) == total {
			reporter.OnProgress(task, StageUnpacking, int64(i+1), total, "")
		}
	}
	return nil
}

// securePath joins an archive member name under root, rejecting
// traversal outside it.
func securePath(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("archive member escapes extraction root: %s", name)
	}
	return filepath.Join(root, cleaned), nil
}

// flattenSingleDir returns the sole subdirectory when the archive
// wrapped its content in one (the GitHub release shape), otherwise the
// staging dir itself.
func flattenSingleDir(stagingDir string) (string, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(stagingDir, entries[0].Name()), nil
	}
	return stagingDir, nil
}
