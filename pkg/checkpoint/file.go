package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const fileExt = ".checkpoint.json"

// FileStore keeps one JSON file per run in a directory.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: log.With().Str("component", "checkpoint-file").Logger(),
	}, nil
}

// Path returns the file that holds the checkpoint of runID.
func (s *FileStore) Path(runID string) string {
	return filepath.Join(s.dir, runID+fileExt)
}

// Save writes c atomically: a temp file in the same directory is renamed
// over the previous checkpoint, so readers never see a partial file.
func (s *FileStore) Save(ctx context.Context, c *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.RunID == "" {
		return errors.New("checkpoint has no run id")
	}
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		savesTotal.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := writeAtomic(s.dir, s.Path(c.RunID), data); err != nil {
		savesTotal.WithLabelValues("file", "error").Inc()
		return err
	}

	savesTotal.WithLabelValues("file", "ok").Inc()
	checkpointBytes.WithLabelValues("file").Set(float64(len(data)))
	s.logger.Debug().
		Str("run_id", c.RunID).
		Int("completed", len(c.CompletedBatchIDs)).
		Int("failed", len(c.FailedBatches)).
		Msg("Checkpoint saved")
	return nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint of runID.
func (s *FileStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadFile(s.Path(runID))
}

// Latest returns the checkpoint with the newest SavedAt in the directory.
func (s *FileStore) Latest(ctx context.Context) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var latest *Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		c, err := ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("Skipping unreadable checkpoint")
			continue
		}
		if latest == nil || c.SavedAt.After(latest.SavedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// ReadFile loads and validates a checkpoint file.
func ReadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", path, err)
	}
	return &c, nil
}
