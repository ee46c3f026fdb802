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
	"context"
	"time"

	api "go.opentelemetry.io/otel/metric"
)

type LatencyHistogram interface {
	Timer() Timer
}

type latencyHistogram struct {
	histo api.Float64Histogram
	attrs api.MeasurementOption
}

type Timer struct {
	histo *latencyHistogram
	start time.Time
}

func NewLatencyHistogram(name string, description string, labels map[string]any) LatencyHistogram {
	h, err := meter.Float64Histogram(name,
		api.WithDescription(description),
		api.WithUnit(string(Milliseconds)))
	fatalOnErr(err, name)

	return &latencyHistogram{
		histo: h,
		attrs: api.WithAttributes(getAttrs(labels)...),
	}
}

func (l *latencyHistogram) Timer() Timer {
	return Timer{
		histo: l,
		start: time.Now(),
	}
}

func (t Timer) Done() {
	elapsed := float64(time.Since(t.start)) / float64(time.Millisecond)
	t.histo.histo.Record(context.Background(), elapsed, t.histo.attrs)
}
