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

package observability

import (
	"context"
)

var _ Exporter = (*noopExporter)(nil)

type noopExporter struct{}

// NewNoop creates a new observability exporter that does nothing.
func NewNoop(_ context.Context) (Exporter, error) {
	return &noopExporter{}, nil
}

// StartExporter does nothing.
func (g *noopExporter) StartExporter(_ context.Context) error {
	return nil
}

// Close does nothing.
func (g *noopExporter) Close() error {
	return nil
}
