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
	"sync/atomic"
	"testing"
	"time"
)

// countingSecretManager counts lookups that reach the backing store.
type countingSecretManager struct {
	lookups int64
	sm      SecretManager
}

func (c *countingSecretManager) GetSecretValue(ctx context.Context, name string) (string, error) {
	atomic.AddInt64(&c.lookups, 1)
	return c.sm.GetSecretValue(ctx, name)
}

func TestCacher_GetSecretValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	backing, err := NewInMemoryFromMap(ctx, map[string]string{
		"warehouse-password": "abcd1234",
	})
	if err != nil {
		t.Fatal(err)
	}
	counting := &countingSecretManager{sm: backing}

	sm, err := WrapCacher(ctx, counting, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		val, err := sm.GetSecretValue(ctx, "warehouse-password")
		if err != nil {
			t.Fatal(err)
		}
		if got, want := val, "abcd1234"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}

	if got, want := atomic.LoadInt64(&counting.lookups), int64(1); got != want {
		t.Errorf("got %d backing lookups, want %d", got, want)
	}

	// Misses are not cached.
	if _, err := sm.GetSecretValue(ctx, "not-a-secret"); err == nil {
		t.Errorf("expected error for unknown secret")
	}
}
