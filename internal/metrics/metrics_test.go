// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Observe("retrieve", "ok", "file", 10*time.Millisecond)
	m.Observe("retrieve", "denied", "file", time.Millisecond)
	m.Retry("hardware")

	require.InDelta(t, 1, testutil.ToFloat64(m.operations.WithLabelValues("retrieve", "ok", "file")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.retries.WithLabelValues("hardware")), 0)

	// Second registration reuses the collectors.
	again, err := New(reg)
	require.NoError(t, err)
	again.Observe("retrieve", "ok", "file", time.Millisecond)
	require.InDelta(t, 2, testutil.ToFloat64(m.operations.WithLabelValues("retrieve", "ok", "file")), 0)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Observe("store", "ok", "file", time.Second)
	m.Retry("file")
}
