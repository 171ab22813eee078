// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package blob stores uploaded images and returns publicly reachable
// URLs for them.
package blob

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ObjectStore persists an uploaded object and returns its public URL.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// objectName builds a collision-free object name from the client's file
// name: a random suffix is inserted before the extension so repeated
// uploads of "leaf.jpg" never overwrite each other.
func objectName(original string) string {
	base := filepath.Base(original)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "upload"
	}
	return fmt.Sprintf("%s-%s%s", stem, uuid.NewString()[:8], ext)
}
