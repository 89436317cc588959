// Package archive exports ledger segments to content-addressed object
// storage so the audit history survives loss of the coordinator database.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrSegmentNotFound = errors.New("segment not found")

// Store is content-addressed object storage. Refs have the form
// "sha256:<hex>".
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Provider names a Store implementation.
type Provider string

const (
	ProviderFS  Provider = "fs"
	ProviderS3  Provider = "s3"
	ProviderGCS Provider = "gcs"
)

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Provider Provider
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
	Dir      string // fs only
}

// NewStore builds the configured Store.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Provider {
	case ProviderFS, "":
		return NewFileStore(cfg.Dir)
	case ProviderS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for s3")
		}
		return NewS3Store(ctx, cfg)
	case ProviderGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for gcs")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported provider %q", cfg.Provider)
	}
}

func contentRef(data []byte) (ref, hexHash string) {
	sum := sha256.Sum256(data)
	hexHash = hex.EncodeToString(sum[:])
	return "sha256:" + hexHash, hexHash
}

func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid segment ref: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid segment ref: %s", ref)
	}
	return raw, nil
}

func objectKey(prefix, hexHash string) string {
	return prefix + "segments/" + hexHash + ".jsonl"
}

// FileStore keeps segments on the local filesystem (lite mode).
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		baseDir = filepath.Join("data", "archive")
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "segments"), 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) Put(_ context.Context, data []byte) (string, error) {
	ref, hexHash := contentRef(data)
	path := filepath.Join(f.baseDir, objectKey("", hexHash))
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("write segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit segment: %w", err)
	}
	return ref, nil
}

func (f *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	hexHash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.baseDir, objectKey("", hexHash)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, ref)
	}
	return data, err
}
