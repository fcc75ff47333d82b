package keyvault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kryptonite/crypto"
)

const keysetFileExt = ".json"

// FileResolver reads one keyset JSON file per identifier from a directory:
// <dir>/<prefix><identifier>.json.
type FileResolver struct {
	dir    string
	prefix string
}

var _ Resolver = (*FileResolver)(nil)

// NewFileResolver creates a resolver over dir.
func NewFileResolver(dir, prefix string) (*FileResolver, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: key directory: %w", crypto.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", crypto.ErrConfiguration, dir)
	}
	return &FileResolver{dir: dir, prefix: prefix}, nil
}

// ResolveIdentifiers lists the identifiers of all matching files.
func (r *FileResolver) ResolveIdentifiers(_ context.Context) ([]string, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, r.prefix) || !strings.HasSuffix(name, keysetFileExt) {
			continue
		}
		if id := strings.TrimSuffix(strings.TrimPrefix(name, r.prefix), keysetFileExt); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ResolveKeyset reads the keyset file for identifier.
func (r *FileResolver) ResolveKeyset(_ context.Context, identifier string) (string, error) {
	if identifier == "" || strings.ContainsAny(identifier, `/\`) || strings.Contains(identifier, "..") {
		return "", fmt.Errorf("%w: %q", crypto.ErrKeyNotFound, identifier)
	}
	data, err := os.ReadFile(filepath.Join(r.dir, r.prefix+identifier+keysetFileExt))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", crypto.ErrKeyNotFound, identifier)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Close is a no-op.
func (r *FileResolver) Close() error { return nil }
