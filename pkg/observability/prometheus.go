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
	"fmt"
	"net/http"
	"time"

	"github.com/eventlake/batch-export-server/pkg/logging"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats/view"
)

var _ Exporter = (*prometheusExporter)(nil)

type prometheusExporter struct {
	exporter *ocprom.Exporter
	server   *http.Server
	config   *PrometheusConfig
}

// NewPrometheus creates a new exporter that serves metrics on a scrape
// endpoint.
func NewPrometheus(_ context.Context, config *PrometheusConfig) (Exporter, error) {
	exporter, err := ocprom.NewExporter(ocprom.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	return &prometheusExporter{
		exporter: exporter,
		config:   config,
	}, nil
}

// StartExporter starts the exporter.
func (e *prometheusExporter) StartExporter(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("prometheus")

	view.RegisterExporter(e.exporter)
	if err := view.Register(AllViews()...); err != nil {
		return fmt.Errorf("failed to register prometheus views: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.exporter)
	e.server = &http.Server{
		Addr:              ":" + e.config.Port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           mux,
	}

	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server exited", "error", err)
		}
	}()

	return nil
}

// Close halts the exporter and stops serving the scrape endpoint.
func (e *prometheusExporter) Close() error {
	view.UnregisterExporter(e.exporter)

	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
	}

	return nil
}
