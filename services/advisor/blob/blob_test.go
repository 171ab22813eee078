// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName_AddsRandomSuffix(t *testing.T) {
	t.Parallel()

	first := objectName("leaf.jpg")
	second := objectName("leaf.jpg")

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "leaf-"))
	assert.True(t, strings.HasSuffix(first, ".jpg"))
}

func TestObjectName_StripsDirectories(t *testing.T) {
	t.Parallel()

	name := objectName("../../etc/passwd")
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, "..")
}

func TestObjectName_EmptyStem(t *testing.T) {
	t.Parallel()

	name := objectName(".png")
	assert.True(t, strings.HasPrefix(name, "upload-"))
	assert.True(t, strings.HasSuffix(name, ".png"))
}

func TestLocalStore_Put(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "cow.jpg", "image/jpeg", []byte("jpeg bytes"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/uploads/"), url)

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/uploads/")))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)
}

func TestNewLocalStore_CreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "uploads")
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, store.Dir())
	assert.DirExists(t, dir)
}
