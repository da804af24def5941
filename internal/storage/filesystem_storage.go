// Copyright 2022 the Batch Export Server authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Compile-time check to verify implements interface.
var _ Blobstore = (*FilesystemStorage)(nil)

// FilesystemStorage implements the Blobstore interface and provides the
// ability to write staged export files to the local filesystem. This is
// intended for local development and testing.
type FilesystemStorage struct{}

// NewFilesystemStorage creates a Blobstore compatible storage for the
// filesystem.
func NewFilesystemStorage(_ context.Context) (Blobstore, error) {
	return &FilesystemStorage{}, nil
}

// CreateObject creates a new object on the filesystem or overwrites an
// existing one. The content type is unused.
func (s *FilesystemStorage) CreateObject(_ context.Context, folder, filename string, contents []byte, _ string) error {
	pth := filepath.Join(folder, filename)
	if err := os.WriteFile(pth, contents, 0o644); err != nil {
		return fmt.Errorf("storage.CreateObject: %w", err)
	}
	return nil
}

// DeleteObject deletes an object from the filesystem. It returns nil if the
// object was deleted or if the object no longer exists.
func (s *FilesystemStorage) DeleteObject(_ context.Context, folder, filename string) error {
	pth := filepath.Join(folder, filename)
	if err := os.Remove(pth); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage.DeleteObject: %w", err)
	}
	return nil
}

// GetObject returns the contents for the given object. If the object does not
// exist, it returns ErrNotFound.
func (s *FilesystemStorage) GetObject(_ context.Context, folder, filename string) ([]byte, error) {
	pth := filepath.Join(folder, filename)
	b, err := os.ReadFile(pth)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage.GetObject: %w", err)
	}
	return b, nil
}
