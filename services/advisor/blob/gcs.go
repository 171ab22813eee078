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

	"cloud.google.com/go/storage"
)

// GCSStore uploads objects to a Google Cloud Storage bucket and returns
// the public object URL. The bucket is expected to allow public reads;
// access control is a deployment concern.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a store writing into bucket under the "uploads/"
// prefix. Credentials come from the environment (application default
// credentials).
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	slog.Info("Using GCS blob store", "bucket", bucket)
	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: "uploads/",
	}, nil
}

// Put implements ObjectStore.
func (s *GCSStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	object := s.prefix + objectName(name)

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=86400"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("writing object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing writer for %s: %w", object, err)
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, object), nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
