// Package telemetry содержит метрики Prometheus конвейера.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ecobin"

// Metrics объединяет счётчики и гистограммы конвейера. Методы безопасны для nil-получателя.
type Metrics struct {
	registry *prometheus.Registry

	jobRuns        *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	pointsCredited prometheus.Counter
	redemptions    *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	insights       prometheus.Counter
}

// New создаёт и регистрирует метрики в собственном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by outcome.",
		}, []string{"job", "status"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skipped_ticks_total",
			Help:      "Ticks skipped because the previous run of the job was still executing.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"job"}),
		pointsCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_points_credited_total",
			Help:      "Reward points credited by accrual passes.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_redemptions_total",
			Help:      "Redemption requests by result.",
		}, []string{"result"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Newly stored anomalies by type and severity.",
		}, []string{"type", "severity"}),
		insights: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insights_generated_total",
			Help:      "Insights generated.",
		}),
	}

	reg.MustRegister(m.jobRuns, m.jobSkipped, m.jobDuration, m.pointsCredited, m.redemptions, m.anomalies, m.insights)

	return m
}

// Handler возвращает HTTP-обработчик для выдачи метрик.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob учитывает завершённый запуск задачи.
func (m *Metrics) ObserveJob(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// JobSkipped учитывает пропущенный тик.
func (m *Metrics) JobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job).Inc()
}

// PointsCredited учитывает начисленные баллы.
func (m *Metrics) PointsCredited(points int64) {
	if m == nil {
		return
	}
	m.pointsCredited.Add(float64(points))
}

// Redemption учитывает результат списания.
func (m *Metrics) Redemption(result string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(result).Inc()
}

// AnomalyStored учитывает новую аномалию.
func (m *Metrics) AnomalyStored(typ, severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(typ, severity).Inc()
}

// InsightGenerated учитывает новую рекомендацию.
func (m *Metrics) InsightGenerated() {
	if m == nil {
		return
	}
	m.insights.Inc()
}
