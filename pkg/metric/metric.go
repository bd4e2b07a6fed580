// Copyright 2026 The gVisor Authors.
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

// Package metric provides the counters and gauges exported by the IPC layer.
//
// Metrics live in a private registry so that several kernels in one process
// (as in tests) share one set of series, and so that nothing is exported
// unless Write is called.
package metric

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "machipc"

var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

var (
	// MessagesSent counts kmsgs enqueued, by destination kind ("port",
	// "kobject").
	MessagesSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages accepted for delivery.",
	}, []string{"dest"})

	// MessagesReceived counts kmsgs dequeued by receivers, by source queue
	// kind ("port", "pset").
	MessagesReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Messages handed to receivers.",
	}, []string{"queue"})

	// Notifications counts notifications generated, by kind.
	Notifications = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications generated.",
	}, []string{"kind"})

	// KObjectDispatches counts kernel RPCs, by subsystem and result.
	KObjectDispatches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kobject_dispatches_total",
		Help:      "Messages dispatched to kernel objects.",
	}, []string{"subsystem", "result"})

	// SpaceGrows counts table growth attempts, by result ("ok",
	// "shortage", "limit").
	SpaceGrows = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "space_grows_total",
		Help:      "Name table growth attempts.",
	}, []string{"result"})

	// ReceiveTimeouts counts timed receives that expired.
	ReceiveTimeouts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "receive_timeouts_total",
		Help:      "Receives that timed out.",
	})

	// PortsLive is the number of allocated ports.
	PortsLive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ports_live",
		Help:      "Ports currently allocated.",
	})

	// SpacesLive is the number of active spaces.
	SpacesLive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "spaces_live",
		Help:      "Spaces currently active.",
	})
)

// Write writes every metric in the Prometheus text format.
func Write(w io.Writer) error {
	mfs, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Value returns the current value of the series with the given name (without
// namespace) and label values, in label order. Series that were never touched
// read as zero.
func Value(name string, labelValues ...string) (float64, error) {
	mfs, err := registry.Gather()
	if err != nil {
		return 0, fmt.Errorf("gathering metrics: %w", err)
	}
	full := namespace + "_" + name
	for _, mf := range mfs {
		if mf.GetName() != full {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labelValues) {
				return sampleValue(mf.GetType(), m), nil
			}
		}
	}
	return 0, nil
}

func matchLabels(m *dto.Metric, values []string) bool {
	lps := m.GetLabel()
	if len(lps) != len(values) {
		return false
	}
	for i, lp := range lps {
		if lp.GetValue() != values[i] {
			return false
		}
	}
	return true
}

func sampleValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	}
	return 0
}
