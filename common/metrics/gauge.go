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

	api "go.opentelemetry.io/otel/metric"
)

type Gauge interface {
	Unregister()
}

type gauge struct {
	registration api.Registration
}

func NewGauge(name string, description string, unit Unit, labels map[string]any, callback func() int64) Gauge {
	g, err := meter.Int64ObservableGauge(name,
		api.WithDescription(description),
		api.WithUnit(string(unit)))
	fatalOnErr(err, name)

	attrs := api.WithAttributes(getAttrs(labels)...)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer api.Observer) error {
		observer.ObserveInt64(g, callback(), attrs)
		return nil
	}, g)
	fatalOnErr(err, name)

	return &gauge{registration: registration}
}

func (g *gauge) Unregister() {
	_ = g.registration.Unregister()
}
