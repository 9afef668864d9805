// Copyright 2025 Tom Barlow
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

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters, histograms and gauges for workflow
// execution and task dispatch, served over the status port's metrics
// endpoint. A nil *Metrics is valid everywhere its methods are called —
// every method is a nil-receiver no-op, so callers that don't care about
// metrics (most tests) can simply never construct one.
type Metrics struct {
	registry *prometheus.Registry

	tasksClaimedTotal   *prometheus.CounterVec
	tasksCompletedTotal *prometheus.CounterVec
	tasksFailedTotal    *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec

	workflowResultsTotal *prometheus.CounterVec
	iterationCount       prometheus.Histogram

	activeWorkflows prometheus.Gauge
}

// NewMetrics builds and registers every collector against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		tasksClaimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_runner_tasks_claimed_total",
			Help: "Total number of tasks claimed from the task queue, by facet name.",
		}, []string{"facet"}),
		tasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_runner_tasks_completed_total",
			Help: "Total number of tasks completed successfully, by facet name.",
		}, []string{"facet"}),
		tasksFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_runner_tasks_failed_total",
			Help: "Total number of tasks that failed, by facet name.",
		}, []string{"facet"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentflow_runner_task_duration_seconds",
			Help:    "Task handler execution duration in seconds, by facet name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"facet"}),
		workflowResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_engine_workflow_results_total",
			Help: "Total number of workflow executions, by terminal status.",
		}, []string{"status"}),
		iterationCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentflow_engine_iterations_per_execution",
			Help:    "Number of iterations a single Execute/Resume call ran before returning.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 89},
		}),
		activeWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_engine_active_workflows",
			Help: "Number of workflows currently PAUSED awaiting a task result.",
		}),
	}

	reg.MustRegister(
		m.tasksClaimedTotal,
		m.tasksCompletedTotal,
		m.tasksFailedTotal,
		m.taskDuration,
		m.workflowResultsTotal,
		m.iterationCount,
		m.activeWorkflows,
	)
	return m
}

// Handler serves the registered collectors in the Prometheus exposition
// format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTaskClaimed(facetName string) {
	if m == nil {
		return
	}
	m.tasksClaimedTotal.WithLabelValues(facetName).Inc()
}

func (m *Metrics) RecordTaskCompleted(facetName string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksCompletedTotal.WithLabelValues(facetName).Inc()
	m.taskDuration.WithLabelValues(facetName).Observe(duration.Seconds())
}

func (m *Metrics) RecordTaskFailed(facetName string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksFailedTotal.WithLabelValues(facetName).Inc()
	m.taskDuration.WithLabelValues(facetName).Observe(duration.Seconds())
}

func (m *Metrics) RecordWorkflowResult(status string) {
	if m == nil {
		return
	}
	m.workflowResultsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveIterationCount(n int) {
	if m == nil {
		return
	}
	m.iterationCount.Observe(float64(n))
}

func (m *Metrics) SetActiveWorkflows(n int) {
	if m == nil {
		return
	}
	m.activeWorkflows.Set(float64(n))
}
