package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Checkpointer persists the bookmark document between sync invocations.
type Checkpointer interface {
	// Load returns the last saved state, or nil when nothing has been saved.
	Load(ctx context.Context) (*State, error)

	Save(ctx context.Context, s *State) error

	Delete(ctx context.Context) error
}

type NoopCheckpointer struct{}

func (n *NoopCheckpointer) Load(ctx context.Context) (*State, error) {
	return nil, nil
}
func (n *NoopCheckpointer) Save(ctx context.Context, s *State) error {
	return nil
}
func (n *NoopCheckpointer) Delete(ctx context.Context) error {
	return nil
}

// FilesystemCheckpointer keeps the state document in a single JSON file,
// replaced atomically on every save.
type FilesystemCheckpointer struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewFilesystemCheckpointer(path string, logger *zap.Logger) *FilesystemCheckpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilesystemCheckpointer{
		path:   path,
		logger: logger,
	}
}

func (f *FilesystemCheckpointer) Load(ctx context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.logger.Info("No state found", zap.String("path", f.path))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", f.path, err)
	}

	f.logger.Info("State loaded",
		zap.String("path", f.path),
		zap.String("currently_syncing", s.CurrentlySyncing()),
	)
	return s, nil
}

func (f *FilesystemCheckpointer) Save(ctx context.Context, s *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	if file, err := os.OpenFile(tempPath, os.O_RDWR, 0644); err == nil {
		file.Sync()
		file.Close()
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return err
	}

	f.logger.Debug("State saved", zap.String("path", f.path))
	return nil
}

func (f *FilesystemCheckpointer) Delete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	f.logger.Info("State deleted", zap.String("path", f.path))
	return nil
}

// OpenCheckpointer returns the checkpointer addressed by rawURL:
//
//	""                         no persistence
//	/path/state.json           local file
//	file:///path/state.json    local file
//	s3://bucket/key?region=..&endpoint=..&force_path_style=true
func OpenCheckpointer(rawURL string, logger *zap.Logger) (Checkpointer, error) {
	if rawURL == "" {
		return &NoopCheckpointer{}, nil
	}
	if !strings.Contains(rawURL, "://") {
		return NewFilesystemCheckpointer(rawURL, logger), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint url: %w", err)
	}

	switch u.Scheme {
	case "file":
		return NewFilesystemCheckpointer(u.Path, logger), nil
	case "s3":
		q := u.Query()
		return NewS3Checkpointer(
			S3WithBucket(u.Host),
			S3WithKey(strings.TrimPrefix(u.Path, "/")),
			S3WithRegion(q.Get("region")),
			S3WithEndpoint(q.Get("endpoint")),
			S3WithForcePathStyle(q.Get("force_path_style") == "true"),
			S3WithLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unsupported checkpoint scheme %q", u.Scheme)
	}
}
