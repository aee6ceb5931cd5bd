// Package filestorage implements the content-addressed file store and its
// caching client. Files are exchanged over the RPC substrate's binary
// attachments and identified by the SHA-1 digest of their content.
package filestorage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/cms-dev/cms-sub006/internal/config"
	"github.com/cms-dev/cms-sub006/internal/rpc"
)

var (
	// ErrFileNotFound is returned for digests the store has never seen or
	// has deleted.
	ErrFileNotFound = errors.New("file not found")

	// ErrBadDigest rejects digests that are not 40 hex characters before
	// they can reach the filesystem.
	ErrBadDigest = errors.New("malformed digest")
)

var digestRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Service is the file store. Objects live under dir/objects/<digest> with
// their descriptions under dir/descriptions/<digest>; writes go through a
// uniquely named temp file and a rename, so a crash never leaves a partial
// object under its final name.
type Service struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex // serializes writes and deletes per store
}

// New prepares the on-disk layout and registers the RPC methods.
func New(svc *rpc.Service, dir string, logger *slog.Logger) (*Service, error) {
	for _, sub := range []string{"objects", "descriptions", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	s := &Service{
		dir:    dir,
		logger: logger.With("component", "filestorage"),
	}
	svc.Register("put_file", s.handlePut)
	svc.Register("get_file", s.handleGet)
	svc.Register("delete", s.handleDelete)
	svc.Register("describe", s.handleDescribe)
	return s, nil
}

// Put stores content and returns its digest. Storing the same content twice
// is a no-op that refreshes the description.
func (s *Service) Put(content []byte, description string) (string, error) {
	sum := sha1.Sum(content)
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.dir, "tmp", uuid.NewString())
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write temp object: %w", err)
	}
	if err := os.Rename(tmp, s.objectPath(digest)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit object %s: %w", digest, err)
	}
	if err := os.WriteFile(s.descriptionPath(digest), []byte(description), 0o644); err != nil {
		return "", fmt.Errorf("write description %s: %w", digest, err)
	}

	s.logger.Info("file stored", "digest", digest, "bytes", len(content), "description", description)
	return digest, nil
}

// Get returns the content stored under digest.
func (s *Service) Get(digest string) ([]byte, error) {
	if !digestRe.MatchString(digest) {
		return nil, fmt.Errorf("%w: %q", ErrBadDigest, digest)
	}
	content, err := os.ReadFile(s.objectPath(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", digest, err)
	}
	return content, nil
}

// Describe returns the description recorded with the object.
func (s *Service) Describe(digest string) (string, error) {
	if !digestRe.MatchString(digest) {
		return "", fmt.Errorf("%w: %q", ErrBadDigest, digest)
	}
	desc, err := os.ReadFile(s.descriptionPath(digest))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, digest)
	}
	if err != nil {
		return "", fmt.Errorf("read description %s: %w", digest, err)
	}
	return string(desc), nil
}

// Delete removes the object and its description.
func (s *Service) Delete(digest string) error {
	if !digestRe.MatchString(digest) {
		return fmt.Errorf("%w: %q", ErrBadDigest, digest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.objectPath(digest))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, digest)
	}
	if err != nil {
		return fmt.Errorf("delete object %s: %w", digest, err)
	}
	os.Remove(s.descriptionPath(digest))
	s.logger.Info("file deleted", "digest", digest)
	return nil
}

func (s *Service) objectPath(digest string) string {
	return filepath.Join(s.dir, "objects", digest)
}

func (s *Service) descriptionPath(digest string) string {
	return filepath.Join(s.dir, "descriptions", digest)
}

// --- RPC handlers ---

func (s *Service) handlePut(_ context.Context, data map[string]any) (any, error) {
	content, ok := data["binary_data"].([]byte)
	if !ok {
		return nil, errors.New("put_file requires binary_data")
	}
	description, _ := data["description"].(string)
	digest, err := s.Put(content, description)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// handleGet returns the raw bytes, which the substrate ships back as a
// binary attachment.
func (s *Service) handleGet(_ context.Context, data map[string]any) (any, error) {
	digest, _ := data["digest"].(string)
	return s.Get(digest)
}

func (s *Service) handleDelete(_ context.Context, data map[string]any) (any, error) {
	digest, _ := data["digest"].(string)
	if err := s.Delete(digest); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) handleDescribe(_ context.Context, data map[string]any) (any, error) {
	digest, _ := data["digest"].(string)
	return s.Describe(digest)
}

// Coord is the conventional coordinate of the single file store shard.
var Coord = config.ServiceCoord{Name: "FileStorage", Shard: 0}
