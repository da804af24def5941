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

package secrets

import (
	"context"
)

func init() {
	RegisterManager("NOOP", NewNoop)
}

// Compile-time check to verify implements interface.
var _ SecretManager = (*Noop)(nil)

// Noop is a secret manager that does nothing, for environments where all
// configuration values are provided directly.
type Noop struct{}

// NewNoop creates a new noop secret manager.
func NewNoop(_ context.Context, _ *Config) (SecretManager, error) {
	return &Noop{}, nil
}

// GetSecretValue returns the name back as the value.
func (sm *Noop) GetSecretValue(_ context.Context, name string) (string, error) {
	return name, nil
}
