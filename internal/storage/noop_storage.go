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

import "context"

// Compile-time check to verify implements interface.
var _ Blobstore = (*Noop)(nil)

// Noop is a blobstore that does nothing.
type Noop struct{}

// NewNoop creates a blobstore that discards all writes and returns
// ErrNotFound for all reads.
func NewNoop(_ context.Context) (Blobstore, error) {
	return &Noop{}, nil
}

func (s *Noop) CreateObject(_ context.Context, folder, filename string, contents []byte, _ string) error {
	return nil
}

func (s *Noop) DeleteObject(_ context.Context, folder, filename string) error {
	return nil
}

func (s *Noop) GetObject(_ context.Context, folder, filename string) ([]byte, error) {
	return nil, ErrNotFound
}
