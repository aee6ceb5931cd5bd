package filestorage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cms-dev/cms-sub006/internal/rpc"
)

// FileClient fetches and stores files against the file store, keeping a
// local digest-keyed cache so a file is pulled over the network at most
// once. Content under a digest never changes, so cached entries never
// expire.
type FileClient struct {
	remote   *rpc.RemoteService
	cacheDir string
	logger   *slog.Logger
}

// NewFileClient builds a client caching under cacheDir.
func NewFileClient(remote *rpc.RemoteService, cacheDir string, logger *slog.Logger) (*FileClient, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileClient{
		remote:   remote,
		cacheDir: cacheDir,
		logger:   logger.With("component", "fileclient"),
	}, nil
}

// Get returns the content stored under digest, from cache when possible.
// Blocking; must not be called from the service event goroutine.
func (c *FileClient) Get(ctx context.Context, digest string) ([]byte, error) {
	if !digestRe.MatchString(digest) {
		return nil, fmt.Errorf("%w: %q", ErrBadDigest, digest)
	}

	cached := filepath.Join(c.cacheDir, digest)
	if content, err := os.ReadFile(cached); err == nil {
		return content, nil
	}

	data, err := c.remote.CallSync(ctx, "get_file", map[string]any{"digest": digest})
	if err != nil {
		return nil, fmt.Errorf("get_file %s: %w", digest, err)
	}
	content, ok := data.([]byte)
	if !ok {
		return nil, fmt.Errorf("get_file %s: response carries no binary payload", digest)
	}

	// Cache through a temp file; a concurrent Get of the same digest must
	// never observe a partial file.
	tmp := filepath.Join(c.cacheDir, "."+uuid.NewString())
	if err := os.WriteFile(tmp, content, 0o644); err == nil {
		if err := os.Rename(tmp, cached); err != nil {
			os.Remove(tmp)
		}
	}
	return content, nil
}

// Put stores content on the file store and seeds the local cache. Blocking;
// must not be called from the service event goroutine.
func (c *FileClient) Put(ctx context.Context, content []byte, description string) (string, error) {
	data, err := c.remote.CallSync(ctx, "put_file", map[string]any{
		"binary_data": content,
		"description": description,
	})
	if err != nil {
		return "", fmt.Errorf("put_file: %w", err)
	}
	digest, ok := data.(string)
	if !ok {
		return "", fmt.Errorf("put_file: unexpected response %T", data)
	}

	tmp := filepath.Join(c.cacheDir, "."+uuid.NewString())
	if err := os.WriteFile(tmp, content, 0o644); err == nil {
		if err := os.Rename(tmp, filepath.Join(c.cacheDir, digest)); err != nil {
			os.Remove(tmp)
		}
	}
	return digest, nil
}

// Describe returns the description recorded with the object.
func (c *FileClient) Describe(ctx context.Context, digest string) (string, error) {
	data, err := c.remote.CallSync(ctx, "describe", map[string]any{"digest": digest})
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", digest, err)
	}
	desc, _ := data.(string)
	return desc, nil
}
