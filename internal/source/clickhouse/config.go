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

package clickhouse

import (
	"time"
)

// Config holds the connection settings for the analytical store.
type Config struct {
	Addrs    []string `env:"CLICKHOUSE_ADDRS, default=127.0.0.1:9000"`
	Database string   `env:"CLICKHOUSE_DATABASE, default=default"`
	Username string   `env:"CLICKHOUSE_USERNAME, default=default"`
	Password string   `env:"CLICKHOUSE_PASSWORD"`
	UseTLS   bool     `env:"CLICKHOUSE_USE_TLS, default=false"`

	DialTimeout  time.Duration `env:"CLICKHOUSE_DIAL_TIMEOUT, default=5s"`
	MaxOpenConns int           `env:"CLICKHOUSE_MAX_OPEN_CONNS, default=4"`
	MaxIdleConns int           `env:"CLICKHOUSE_MAX_IDLE_CONNS, default=2"`

	// BatchRows is the page size of streamed reads: how many rows are
	// gathered into one record batch before it is handed to the queue.
	BatchRows int `env:"CLICKHOUSE_BATCH_ROWS, default=10000"`
}
