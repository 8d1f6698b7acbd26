package archive

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/staticpublish/pkg/ledger"
	"github.com/sirupsen/logrus"
)

// flushSize is the number of items buffered before an upsert.
const flushSize = 500

// ItemWriter registers archive files in the transfer ledger.
type ItemWriter interface {
	UpsertItems(ctx context.Context, specs []ledger.ItemSpec) (int64, error)
}

// ScanResult summarizes one scan of the archive directory.
type ScanResult struct {
	Files   int
	Skipped int
	Bytes   int64
}

// Scanner walks a rendered archive and registers every file as a
// transfer item.
type Scanner struct {
	log    logrus.FieldLogger
	writer ItemWriter
}

// NewScanner creates an archive scanner.
func NewScanner(log logrus.FieldLogger, writer ItemWriter) *Scanner {
	return &Scanner{
		log:    log.WithField("component", "archive"),
		writer: writer,
	}
}

// Scan upserts one item per regular file under archiveDir. The item url
// is the slash-separated relative path with a leading "/", and the file
// path is the relative path itself. Dotfiles and dot-directories are
// skipped.
func (s *Scanner) Scan(ctx context.Context, archiveDir string) (ScanResult, error) {
	var (
		result  ScanResult
		pending = make([]ledger.ItemSpec, 0, flushSize)
		start   = time.Now()
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}

		if _, err := s.writer.UpsertItems(ctx, pending); err != nil {
			return err
		}

		pending = pending[:0]

		return nil
	}

	root := filepath.Clean(archiveDir)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			result.Skipped++

			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			if !d.IsDir() {
				result.Skipped++
			}

			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}

		rel = filepath.ToSlash(rel)
		mtime := info.ModTime().UTC()

		pending = append(pending, ledger.ItemSpec{
			URL:            "/" + rel,
			FilePath:       rel,
			LastModifiedAt: &mtime,
		})

		result.Files++
		result.Bytes += info.Size()

		if len(pending) >= flushSize {
			return flush()
		}

		return nil
	})
	if err != nil {
		return result, fmt.Errorf("scanning %s: %w", archiveDir, err)
	}

	if err := flush(); err != nil {
		return result, fmt.Errorf("scanning %s: %w", archiveDir, err)
	}

	s.log.WithFields(logrus.Fields{
		"archive_dir": archiveDir,
		"files":       result.Files,
		"skipped":     result.Skipped,
		"size":        units.HumanSize(float64(result.Bytes)),
		"duration":    time.Since(start).Round(time.Millisecond),
	}).Info("Archive scanned")

	return result, nil
}
