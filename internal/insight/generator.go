// Package insight формирует текстовые выводы и рекомендации по контейнерам.
package insight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ecobin-pipeline/internal/config"
	"github.com/mmeshcher/ecobin-pipeline/internal/model"
	"github.com/mmeshcher/ecobin-pipeline/internal/telemetry"
)

// Store описывает контракт доступа к данным, используемый генератором.
type Store interface {
	LatestDailyMetrics(ctx context.Context) ([]model.DailyMetric, error)
	ListAnomalies(ctx context.Context, binID string, since time.Time) ([]model.Anomaly, error)
	SeenAnomalies(ctx context.Context) (map[string][]string, error)
	SaveInsight(ctx context.Context, ins model.Insight) error
}

// Generator пересчитывает рекомендации по всем контейнерам с метриками.
type Generator struct {
	store   Store
	rules   config.InsightTable
	workers int
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string
}

// New создаёт генератор.
func New(store Store, rules config.InsightTable, workers int, logger *zap.Logger, metrics *telemetry.Metrics) *Generator {
	if workers <= 0 {
		workers = 1
	}
	return &Generator{
		store:   store,
		rules:   rules,
		workers: workers,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Run формирует новую актуальную рекомендацию для каждого контейнера.
func (g *Generator) Run(ctx context.Context) error {
	latest, err := g.store.LatestDailyMetrics(ctx)
	if err != nil {
		return fmt.Errorf("generate insights: %w", err)
	}
	if len(latest) == 0 {
		return nil
	}

	seen, err := g.store.SeenAnomalies(ctx)
	if err != nil {
		return fmt.Errorf("generate insights: %w", err)
	}

	peers := peerMeans(latest)
	now := g.now().UTC()
	since := now.Add(-g.rules.AnomalyLookback)

	var (
		mu        sync.Mutex
		generated int
		errs      []error
	)

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)

	for _, m := range latest {
		in := Input{
			Metric:   m,
			PeerMean: peers[dayKey(m.Day)],
			Reported: toSet(seen[m.BinID]),
			Rules:    g.rules,
		}

		eg.Go(func() error {
			err := g.generateForBin(egctx, in, since, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("bin %s: %w", in.Metric.BinID, err))
				return nil
			}
			generated++
			return nil
		})
	}
	_ = eg.Wait()

	g.logger.Info("insights generated",
		zap.Int("bins", len(latest)),
		zap.Int("generated", generated),
		zap.Int("failed_bins", len(errs)),
	)

	return errors.Join(errs...)
}

func (g *Generator) generateForBin(ctx context.Context, in Input, since, now time.Time) error {
	anomalies, err := g.store.ListAnomalies(ctx, in.Metric.BinID, since)
	if err != nil {
		return err
	}
	in.Anomalies = anomalies

	insights, recommendations := Build(in)

	ids := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)

	ins := model.Insight{
		ID:              g.newID(),
		BinID:           in.Metric.BinID,
		GeneratedAt:     now,
		SourceDay:       in.Metric.Day,
		Insights:        insights,
		Recommendations: recommendations,
		AnomalyCount:    len(anomalies),
		SeenAnomalies:   ids,
		Current:         true,
	}
	if err := g.store.SaveInsight(ctx, ins); err != nil {
		return err
	}

	g.metrics.InsightGenerated()
	return nil
}

// Input содержит данные для построения рекомендации по одному контейнеру.
type Input struct {
	Metric   model.DailyMetric
	PeerMean float64
	// Anomalies: открытые аномалии контейнера за окно AnomalyLookback.
	Anomalies []model.Anomaly
	// Reported: аномалии, уже учтённые предыдущей рекомендацией.
	Reported map[string]bool
	Rules    config.InsightTable
}

// Build строит выводы и рекомендации. Одинаковые входные данные всегда дают одинаковый результат.
func Build(in Input) (insights, recommendations []string) {
	m := in.Metric
	insights = []string{}
	recommendations = []string{}

	insights = append(insights, fmt.Sprintf(
		"Collected %.1f kg across %d deposits on %s (plastic %d, paper %d, metal %d, glass %d, organic %d).",
		m.WeightKg, m.DepositCount, m.Day.Format(time.DateOnly),
		m.Plastic, m.Paper, m.Metal, m.Glass, m.Organic,
	))

	if m.PeakHourDeposits > 0 {
		insights = append(insights, fmt.Sprintf(
			"Peak usage between %02d:00 and %02d:00 UTC with %d deposits; expect similar demand in this slot.",
			m.PeakHour, (m.PeakHour+1)%24, m.PeakHourDeposits,
		))
	}

	if in.PeerMean > 0 {
		ratio := float64(m.DepositCount) / in.PeerMean
		insights = append(insights, fmt.Sprintf(
			"Usage is %.0f%% of the peer average (%d vs %.1f deposits).",
			ratio*100, m.DepositCount, in.PeerMean,
		))
		if ratio < in.Rules.LowUsageRatio {
			recommendations = append(recommendations,
				"Usage is well below peer bins; consider relocating this bin or promoting it nearby.")
		}
	}

	if m.AvgFillLevel >= in.Rules.HighFillPercent {
		recommendations = append(recommendations, fmt.Sprintf(
			"Average fill level reached %.1f%%; schedule more frequent pickups.", m.AvgFillLevel))
	}

	if share := highValueShare(m); share >= 0.5 {
		insights = append(insights, fmt.Sprintf(
			"High-value materials make up %.0f%% of sorted items.", share*100))
	}

	anomalies := append([]model.Anomaly(nil), in.Anomalies...)
	sort.Slice(anomalies, func(i, j int) bool {
		if !anomalies[i].DetectedAt.Equal(anomalies[j].DetectedAt) {
			return anomalies[i].DetectedAt.Before(anomalies[j].DetectedAt)
		}
		return anomalies[i].ID < anomalies[j].ID
	})

	minor := make(map[model.AnomalyType]int)
	for _, a := range anomalies {
		if a.Severity == model.SeverityHigh {
			recommendations = append(recommendations, maintenanceAlert(a))
			continue
		}
		if !in.Reported[a.ID] {
			minor[a.Type]++
		}
	}

	if len(minor) > 0 {
		types := make([]string, 0, len(minor))
		total := 0
		for t, n := range minor {
			types = append(types, fmt.Sprintf("%s x%d", t, n))
			total += n
		}
		sort.Strings(types)
		insights = append(insights, fmt.Sprintf(
			"%d minor anomalies since the last report: %s.", total, strings.Join(types, ", ")))
	}

	return insights, recommendations
}

func maintenanceAlert(a model.Anomaly) string {
	switch a.Type {
	case model.AnomalyBatteryDrop:
		return "Maintenance: inspect or replace the battery: " + a.Description + "."
	case model.AnomalyFillSpike:
		return "Maintenance: empty the bin and check the fill sensor: " + a.Description + "."
	case model.AnomalyWeightMismatch:
		return "Maintenance: recalibrate the scale and item sensors: " + a.Description + "."
	default:
		return "Maintenance: investigate unusual activity: " + a.Description + "."
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func highValueShare(m model.DailyMetric) float64 {
	total := m.HighValue + m.LowValue + m.OrganicBin
	if total == 0 {
		return 0
	}
	return float64(m.HighValue) / float64(total)
}

// peerMeans возвращает среднее число сдач по контейнерам за каждые сутки.
func peerMeans(metrics []model.DailyMetric) map[string]float64 {
	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, m := range metrics {
		sums[dayKey(m.Day)] += m.DepositCount
		counts[dayKey(m.Day)]++
	}

	res := make(map[string]float64, len(sums))
	for day, sum := range sums {
		res[day] = float64(sum) / float64(counts[day])
	}
	return res
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
