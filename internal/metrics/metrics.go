// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes vault operation counters for Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "avp"

// Metrics holds the vault collectors. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
}

// New registers the vault collectors on reg. Collectors that reg already
// holds are reused, so several vaults can share a registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Vault operations by action, result and backend.",
		}, []string{"action", "result", "backend"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of vault operations, including presence waits.",
			Buckets:   []float64{.001, .005, .025, .1, .5, 1, 5, 30},
		}, []string{"action"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Retries of transient backend failures.",
		}, []string{"backend"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.operations, err = register(reg, m.operations); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.retries, err = register(reg, m.retries); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("registering metrics: %w", err)
	}
	return c, nil
}

// Observe records a finished operation.
func (m *Metrics) Observe(action, result, backend string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action, result, backend).Inc()
	m.duration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// Retry records a retried backend call.
func (m *Metrics) Retry(backend string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(backend).Inc()
}
