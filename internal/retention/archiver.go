package retention

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opsgate/opsgate/pkg/models"
)

// LocalArchiver writes expired operations as JSONL files under a local
// directory, one file per retention cycle:
//
//	{basePath}/operations/2026-08-26T15-04-05Z.jsonl[.gz]
type LocalArchiver struct {
	basePath string
	compress bool
}

// NewLocalArchiver creates a file-based archiver rooted at basePath.
func NewLocalArchiver(basePath string, compress bool) *LocalArchiver {
	return &LocalArchiver{basePath: basePath, compress: compress}
}

// ArchiveOperations writes the given operations to a new archive file and
// returns its path. A partial write returns an error and the prune for
// that cycle is skipped by the caller.
func (a *LocalArchiver) ArchiveOperations(ops []models.Operation) (string, error) {
	dir := filepath.Join(a.basePath, "operations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	var gw *gzip.Writer
	enc := json.NewEncoder(f)
	if a.compress {
		gw = gzip.NewWriter(f)
		enc = json.NewEncoder(gw)
	}

	for i := range ops {
		if err := enc.Encode(&ops[i]); err != nil {
			f.Close()
			return "", fmt.Errorf("encode operation %d: %w", ops[i].ID, err)
		}
	}
	// Close errors matter here: a swallowed flush failure would let the
	// caller prune rows that never made it to disk.
	if gw != nil {
		if err := gw.Close(); err != nil {
			f.Close()
			return "", fmt.Errorf("flush archive: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}
	return fpath, nil
}

// HealthCheck verifies the archive directory is writable.
func (a *LocalArchiver) HealthCheck() error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
