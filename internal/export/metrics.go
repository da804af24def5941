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

package export

import (
	"github.com/eventlake/batch-export-server/internal/metrics"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"go.opencensus.io/plugin/ochttp"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	exportMetricsPrefix = metrics.MetricRoot + "export/"

	mBatcherLockContention = stats.Int64(exportMetricsPrefix+"batcher_lock_contention",
		"Instances of create-runs lock contention", stats.UnitDimensionless)
	mBatcherFailure = stats.Int64(exportMetricsPrefix+"batcher_failure",
		"Instances of create-runs failures", stats.UnitDimensionless)
	mBatcherNoWork = stats.Int64(exportMetricsPrefix+"batcher_no_work",
		"Instances of configs with no elapsed periods to schedule", stats.UnitDimensionless)
	mRunsCreated = stats.Int64(exportMetricsPrefix+"runs_created",
		"Number of export runs created", stats.UnitDimensionless)

	mWorkerNoWork = stats.Int64(exportMetricsPrefix+"worker_no_work",
		"Instances of the worker finding no leasable run", stats.UnitDimensionless)
	mRunsFinalized = stats.Int64(exportMetricsPrefix+"runs_finalized",
		"Number of export runs finalized, by resulting status", stats.UnitDimensionless)
	mRowsProduced = stats.Int64(exportMetricsPrefix+"rows_produced",
		"Number of rows read from the source for export runs", stats.UnitDimensionless)
	mRowsLoaded = stats.Int64(exportMetricsPrefix+"rows_loaded",
		"Number of rows loaded into destinations", stats.UnitDimensionless)
	mAttemptDuration = stats.Float64(exportMetricsPrefix+"attempt_duration",
		"Duration of export run attempts", stats.UnitMilliseconds)

	ExportConfigIDTagKey = tag.MustNewKey("export_config_id")
	RunStatusTagKey      = tag.MustNewKey("run_status")
)

func init() {
	observability.CollectViews([]*view.View{
		{
			Name:        metrics.MetricRoot + "export_batcher_lock_contention_count",
			Description: "Total count of create-runs lock contention",
			Measure:     mBatcherLockContention,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "export_batcher_failure_count",
			Description: "Total count of create-runs failures",
			Measure:     mBatcherFailure,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "export_batcher_no_work_count",
			Description: "Total count for instances of configs with nothing to schedule",
			Measure:     mBatcherNoWork,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "export_runs_created_count",
			Description: "Total count of export runs created",
			Measure:     mRunsCreated,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "export_worker_no_work_count",
			Description: "Total count for instances of the worker finding no leasable run",
			Measure:     mWorkerNoWork,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "export_runs_finalized_count",
			Description: "Total count of export runs finalized, by config and status",
			Measure:     mRunsFinalized,
			Aggregation: view.Sum(),
			TagKeys:     []tag.Key{ExportConfigIDTagKey, RunStatusTagKey},
		},
		{
			Name:        metrics.MetricRoot + "export_rows_produced_count",
			Description: "Total count of rows read from the source for export runs",
			Measure:     mRowsProduced,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "export_rows_loaded_count",
			Description: "Total count of rows loaded into destinations",
			Measure:     mRowsLoaded,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "export_attempt_duration",
			Description: "Latency distribution of export run attempts",
			Measure:     mAttemptDuration,
			Aggregation: ochttp.DefaultLatencyDistribution,
		},
	}...)
}
