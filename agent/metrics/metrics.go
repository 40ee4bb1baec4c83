// Package metrics 部署代理的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "singbox_agent"

// Metrics 代理指标集合，注册在独立的 Registry 上
type Metrics struct {
	registry *prometheus.Registry

	deployments     *prometheus.CounterVec
	deployDuration  prometheus.Histogram
	deployInFlight  prometheus.Gauge
	healthProbes    *prometheus.CounterVec
	backupsRetained prometheus.Gauge
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployment attempts by terminal outcome.",
		}, []string{"outcome"}),
		deployDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of a deployment including verification, restart, health watch and rollback.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		deployInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deploy_in_flight",
			Help:      "1 while a deployment holds the lock.",
		}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Daemon status probes by result.",
		}, []string{"result"}),
		backupsRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backups",
			Help:      "Business configuration snapshots currently retained.",
		}),
	}

	m.registry.MustRegister(
		m.deployments,
		m.deployDuration,
		m.deployInFlight,
		m.healthProbes,
		m.backupsRetained,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDeployment 记录一次部署的终态与耗时
func (m *Metrics) ObserveDeployment(outcome string, took time.Duration) {
	m.deployments.WithLabelValues(outcome).Inc()
	m.deployDuration.Observe(took.Seconds())
}

// SetInFlight 部署锁占用状态
func (m *Metrics) SetInFlight(inFlight bool) {
	if inFlight {
		m.deployInFlight.Set(1)
		return
	}
	m.deployInFlight.Set(0)
}

// ObserveProbe 记录一次健康探测
func (m *Metrics) ObserveProbe(result string) {
	m.healthProbes.WithLabelValues(result).Inc()
}

// SetBackups 当前保留的快照数
func (m *Metrics) SetBackups(n int) {
	m.backupsRetained.Set(float64(n))
}
