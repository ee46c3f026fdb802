// Copyright 2026 The Keel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

type Unit string

const (
	Milliseconds Unit = "ms"
	Bytes        Unit = "bytes"
	Count        Unit = "count"
)

var latencyBucketsMillis = []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1_000, 2_000, 5_000, 10_000, 30_000}

var meter api.Meter

func init() {
	exporter, err := prometheus.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Prometheus metrics exporter")
	}

	// Use a specific list of buckets for the latency histograms
	latencyHistogramView := metric.NewView(
		metric.Instrument{
			Kind: metric.InstrumentKindHistogram,
			Unit: string(Milliseconds),
		},
		metric.Stream{
			Aggregation: metric.AggregationExplicitBucketHistogram{
				Boundaries: latencyBucketsMillis,
			},
		},
	)

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithView(latencyHistogramView),
	)
	otel.SetMeterProvider(provider)
	meter = provider.Meter("keel")
}

// PrometheusHandler exposes all the registered instruments in the
// Prometheus text format.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

func LabelsForShard(shard uint16) map[string]any {
	return map[string]any{
		"shard": shard,
	}
}

func getAttrs(labels map[string]any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	return attrs
}

func fatalOnErr(err error, name string) {
	if err != nil {
		log.Fatal().Err(err).
			Str("metric", name).
			Msg("Failed to create metric")
	}
}
