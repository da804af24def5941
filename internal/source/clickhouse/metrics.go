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
	"github.com/eventlake/batch-export-server/internal/metrics"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	clickhouseMetricsPrefix = metrics.MetricRoot + "clickhouse/"

	mQueryLatencyMS = stats.Float64(clickhouseMetricsPrefix+"query_latency",
		"Latency of export read queries", stats.UnitMilliseconds)
	mRowsRead = stats.Int64(clickhouseMetricsPrefix+"rows_read",
		"Number of rows read from the store", stats.UnitDimensionless)
	mBatchesEmitted = stats.Int64(clickhouseMetricsPrefix+"batches_emitted",
		"Number of record batches emitted", stats.UnitDimensionless)
)

func init() {
	observability.CollectViews([]*view.View{
		{
			Name:        metrics.MetricRoot + "clickhouse_query_latency",
			Description: "Latency distribution of export read queries",
			Measure:     mQueryLatencyMS,
			Aggregation: ochttp.DefaultLatencyDistribution,
		},
		{
			Name:        metrics.MetricRoot + "clickhouse_rows_read_count",
			Description: "Total count of rows read from the store",
			Measure:     mRowsRead,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "clickhouse_batches_emitted_count",
			Description: "Total count of record batches emitted",
			Measure:     mBatchesEmitted,
			Aggregation: view.Sum(),
		},
	}...)
}
