package forecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fieldmed/triage/internal/clinical"
	apperrors "github.com/fieldmed/triage/internal/shared/errors"
	"github.com/fieldmed/triage/internal/shared/types"
)

const chartContentType = "image/png"

// ChartStore keeps one chart per run, keyed by run ID.
type ChartStore interface {
	Save(ctx context.Context, id types.RunID, render func(io.Writer) error) (*clinical.ChartRef, error)
	Open(key string) (io.ReadCloser, error)
}

// FileStore writes charts under a directory as <run id>.png. Writes go through a
// temporary file and a rename so a reader never sees a partial chart.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chart dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Save(ctx context.Context, id types.RunID, render func(io.Writer) error) (*clinical.ChartRef, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("chart needs a run id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, ".chart-*")
	if err != nil {
		return nil, fmt.Errorf("create chart file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := render(tmp); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close chart file: %w", err)
	}

	key := id.ChartKey()
	path := filepath.Join(s.dir, key)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("store chart: %w", err)
	}

	return &clinical.ChartRef{Key: key, Path: path, ContentType: chartContentType}, nil
}

// Open returns the chart stored under key. Keys that are not <uuid>.png are rejected
// before touching the filesystem.
func (s *FileStore) Open(key string) (io.ReadCloser, error) {
	id, err := types.ParseRunID(strings.TrimSuffix(key, ".png"))
	if err != nil || id.ChartKey() != key {
		return nil, apperrors.BadRequest("invalid chart key")
	}

	f, err := os.Open(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("chart", key)
	}
	if err != nil {
		return nil, fmt.Errorf("open chart: %w", err)
	}
	return f, nil
}
