// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalStore writes objects to a directory served by the HTTP server
// under /uploads/. Used when no bucket is configured, which is the
// development and single-node deployment path.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed and returns a store over it.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating uploads directory %s: %w", dir, err)
	}
	slog.Info("Using local blob store", "dir", dir)
	return &LocalStore{dir: dir}, nil
}

// Dir returns the directory backing this store, for static file serving.
func (s *LocalStore) Dir() string { return s.dir }

// Put implements ObjectStore.
func (s *LocalStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	object := objectName(name)
	path := filepath.Join(s.dir, object)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return "/uploads/" + object, nil
}
