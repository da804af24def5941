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

package pipeline

import (
	"github.com/eventlake/batch-export-server/internal/metrics"
	"github.com/eventlake/batch-export-server/pkg/observability"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	pipelineMetricsPrefix = metrics.MetricRoot + "pipeline/"

	mQueueDepth = stats.Int64(pipelineMetricsPrefix+"queue_depth",
		"Number of record batches waiting in the queue", stats.UnitDimensionless)
	mBatchesProduced = stats.Int64(pipelineMetricsPrefix+"batches_produced",
		"Number of record batches put on the queue", stats.UnitDimensionless)
	mFilesCommitted = stats.Int64(pipelineMetricsPrefix+"files_committed",
		"Number of staged files committed to the destination", stats.UnitDimensionless)
	mStageFailures = stats.Int64(pipelineMetricsPrefix+"stage_failures",
		"Number of failed stage uploads", stats.UnitDimensionless)
	mCommitFailures = stats.Int64(pipelineMetricsPrefix+"commit_failures",
		"Number of failed staged-file commits", stats.UnitDimensionless)
)

func init() {
	observability.CollectViews([]*view.View{
		{
			Name:        metrics.MetricRoot + "pipeline_queue_depth_latest",
			Description: "Latest number of record batches waiting in the queue",
			Measure:     mQueueDepth,
			Aggregation: view.LastValue(),
		},
		{
			Name:        metrics.MetricRoot + "pipeline_batches_produced_count",
			Description: "Total count of record batches put on the queue",
			Measure:     mBatchesProduced,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "pipeline_files_committed_count",
			Description: "Total count of staged files committed to the destination",
			Measure:     mFilesCommitted,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "pipeline_stage_failures_count",
			Description: "Total count of failed stage uploads",
			Measure:     mStageFailures,
			Aggregation: view.Sum(),
		},
		{
			Name:        metrics.MetricRoot + "pipeline_commit_failures_count",
			Description: "Total count of failed staged-file commits",
			Measure:     mCommitFailures,
			Aggregation: view.Sum(),
		},
	}...)
}
