// Package anomaly ищет отклонения в недавних событиях контейнеров.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ecobin-pipeline/internal/config"
	"github.com/mmeshcher/ecobin-pipeline/internal/model"
	"github.com/mmeshcher/ecobin-pipeline/internal/repository"
	"github.com/mmeshcher/ecobin-pipeline/internal/telemetry"
)

// Store описывает контракт доступа к данным, используемый детектором.
type Store interface {
	ListEvents(ctx context.Context, f repository.EventFilter) ([]model.BinEvent, error)
	LatestEventsBefore(ctx context.Context, before time.Time) ([]model.BinEvent, error)
	LatestDailyMetrics(ctx context.Context) ([]model.DailyMetric, error)
	InsertAnomaly(ctx context.Context, a model.Anomaly) (bool, error)
}

// Publisher получает только что сохранённые аномалии высокой серьёзности.
type Publisher interface {
	PublishAnomaly(ctx context.Context, a model.Anomaly) error
}

// Config задаёт правила и окно детектора.
type Config struct {
	Rules   config.AnomalyTable
	Window  time.Duration
	Workers int
}

// Detector периодически проверяет события на отклонения.
type Detector struct {
	store     Store
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
	newID     func() string
}

// New создаёт детектор. publisher может быть nil.
func New(store Store, publisher Publisher, cfg Config, logger *zap.Logger, metrics *telemetry.Metrics) *Detector {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Detector{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// Run проверяет окно [now-Window, now) и сохраняет новые аномалии.
// Ошибка одного контейнера не прерывает проверку остальных.
func (d *Detector) Run(ctx context.Context) error {
	_, err := d.RunWindow(ctx, d.now().UTC())
	return err
}

// RunWindow проверяет окно, заканчивающееся в end, и возвращает число новых аномалий.
func (d *Detector) RunWindow(ctx context.Context, end time.Time) (int, error) {
	start := end.Add(-d.cfg.Window)

	events, err := d.store.ListEvents(ctx, repository.EventFilter{From: start, To: end})
	if err != nil {
		return 0, fmt.Errorf("detect anomalies: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	prior, err := d.store.LatestEventsBefore(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("detect anomalies: %w", err)
	}
	priorByBin := make(map[string]model.BinEvent, len(prior))
	for _, e := range prior {
		priorByBin[e.BinID] = e
	}

	latest, err := d.store.LatestDailyMetrics(ctx)
	if err != nil {
		return 0, fmt.Errorf("detect anomalies: %w", err)
	}
	metricByBin := make(map[string]model.DailyMetric, len(latest))
	for _, m := range latest {
		metricByBin[m.BinID] = m
	}

	byBin := groupByBin(events)

	var (
		mu      sync.Mutex
		created int
		errs    []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	for binID, binEvents := range byBin {
		w := Window{
			BinID:  binID,
			Start:  start,
			End:    end,
			Events: binEvents,
		}
		if p, ok := priorByBin[binID]; ok {
			w.Prior = &p
		}
		if m, ok := metricByBin[binID]; ok {
			w.Metric = &m
		}

		g.Go(func() error {
			n, err := d.processBin(gctx, w)
			mu.Lock()
			defer mu.Unlock()
			created += n
			if err != nil {
				errs = append(errs, fmt.Errorf("bin %s: %w", binID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("anomaly detection finished",
		zap.Time("window_start", start),
		zap.Time("window_end", end),
		zap.Int("bins", len(byBin)),
		zap.Int("created", created),
		zap.Int("failed_bins", len(errs)),
	)

	return created, errors.Join(errs...)
}

func (d *Detector) processBin(ctx context.Context, w Window) (int, error) {
	found := Evaluate(w, d.cfg.Rules)

	created := 0
	for _, a := range found {
		a.ID = d.newID()
		a.DetectedAt = d.now().UTC()

		inserted, err := d.store.InsertAnomaly(ctx, a)
		if err != nil {
			return created, err
		}
		if !inserted {
			d.logger.Debug("anomaly suppressed by cooldown",
				zap.String("bin_id", a.BinID),
				zap.String("type", string(a.Type)),
				zap.Int64("time_bucket", a.TimeBucket),
			)
			continue
		}

		created++
		d.metrics.AnomalyStored(string(a.Type), string(a.Severity))
		d.logger.Info("anomaly detected",
			zap.String("bin_id", a.BinID),
			zap.String("type", string(a.Type)),
			zap.String("severity", string(a.Severity)),
			zap.Float64("observed", a.Observed),
		)

		if a.Severity == model.SeverityHigh && d.publisher != nil {
			if err := d.publisher.PublishAnomaly(ctx, a); err != nil {
				d.logger.Error("failed to publish anomaly", zap.String("anomaly_id", a.ID), zap.Error(err))
			}
		}
	}

	return created, nil
}

// Window содержит события одного контейнера за окно проверки.
type Window struct {
	BinID  string
	Start  time.Time
	End    time.Time
	Events []model.BinEvent
	// Prior: последнее показание до начала окна.
	Prior *model.BinEvent
	// Metric: последняя суточная метрика контейнера.
	Metric *model.DailyMetric
}

// Evaluate применяет правила к окну. Результат детерминирован и не содержит
// двух аномалий одного типа в одном интервале подавления.
func Evaluate(w Window, rules config.AnomalyTable) []model.Anomaly {
	var res []model.Anomaly

	readings := w.Events
	if w.Prior != nil {
		readings = append([]model.BinEvent{*w.Prior}, w.Events...)
	}

	for i := 1; i < len(readings); i++ {
		prev, cur := readings[i-1], readings[i]

		if rise := cur.FillLevelPct - prev.FillLevelPct; rise > rules.FillSpike.Threshold {
			res = append(res, newAnomaly(w, rules, model.AnomalyFillSpike, cur.Timestamp,
				rise, rules.FillSpike.Threshold, rules.FillSpike.SeverityBase(),
				fmt.Sprintf("fill level rose by %.1f points (%.1f%% -> %.1f%%)", rise, prev.FillLevelPct, cur.FillLevelPct),
				prev.ID, cur.ID))
		}

		if drop := prev.BatteryPct - cur.BatteryPct; drop > rules.BatteryDrop.Threshold {
			res = append(res, newAnomaly(w, rules, model.AnomalyBatteryDrop, cur.Timestamp,
				drop, rules.BatteryDrop.Threshold, rules.BatteryDrop.SeverityBase(),
				fmt.Sprintf("battery dropped by %.1f points (%.1f%% -> %.1f%%)", drop, prev.BatteryPct, cur.BatteryPct),
				prev.ID, cur.ID))
		}
	}

	for _, e := range w.Events {
		items := e.ItemCount()
		switch {
		case items == 0 && e.WeightDelta >= rules.WeightMismatch.Threshold:
			res = append(res, newAnomaly(w, rules, model.AnomalyWeightMismatch, e.Timestamp,
				e.WeightDelta, rules.WeightMismatch.Threshold, rules.WeightMismatch.SeverityBase(),
				fmt.Sprintf("weight increased by %.2f kg with no items counted", e.WeightDelta),
				e.ID))
		case items > 0 && e.WeightDelta <= 0:
			res = append(res, newAnomaly(w, rules, model.AnomalyWeightMismatch, e.Timestamp,
				float64(items), 1, rules.WeightMismatch.ItemsBase(),
				fmt.Sprintf("%d items counted with no weight increase", items),
				e.ID))
		}
	}

	if a, ok := depositSurge(w, rules); ok {
		res = append(res, a)
	}

	return dedupe(res)
}

func depositSurge(w Window, rules config.AnomalyTable) (model.Anomaly, bool) {
	if w.Metric == nil || len(w.Events) == 0 {
		return model.Anomaly{}, false
	}

	expected := float64(w.Metric.DepositCount) * w.End.Sub(w.Start).Hours() / 24
	limit := math.Max(expected*rules.DepositSurge.Factor, float64(rules.DepositSurge.MinDeposits))
	count := float64(len(w.Events))
	if count <= limit {
		return model.Anomaly{}, false
	}

	ids := make([]int64, len(w.Events))
	for i, e := range w.Events {
		ids[i] = e.ID
	}
	last := w.Events[len(w.Events)-1]

	return newAnomaly(w, rules, model.AnomalyDepositSurge, last.Timestamp,
		count, limit, limit,
		fmt.Sprintf("%d deposits in window, expected about %.1f", len(w.Events), expected),
		ids...), true
}

func newAnomaly(w Window, rules config.AnomalyTable, typ model.AnomalyType, trigger time.Time,
	observed, threshold, base float64, description string, eventIDs ...int64) model.Anomaly {
	return model.Anomaly{
		BinID:       w.BinID,
		Type:        typ,
		Severity:    Severity(observed, base),
		Description: description,
		Observed:    observed,
		Threshold:   threshold,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		EventIDs:    eventIDs,
		TimeBucket:  TimeBucket(trigger, rules.Cooldown),
	}
}

// Severity возвращает серьёзность по отношению величины отклонения к базе:
// больше 2 даёт high, больше 1.5 даёт medium, иначе low.
func Severity(magnitude, base float64) model.Severity {
	if base <= 0 {
		return model.SeverityHigh
	}
	ratio := magnitude / base
	switch {
	case ratio > 2:
		return model.SeverityHigh
	case ratio > 1.5:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// TimeBucket возвращает номер интервала подавления, в который попадает момент t.
func TimeBucket(t time.Time, cooldown time.Duration) int64 {
	if cooldown <= 0 {
		return t.UnixNano()
	}
	return t.UTC().UnixNano() / int64(cooldown)
}

// dedupe оставляет первую аномалию каждого типа в интервале подавления.
func dedupe(found []model.Anomaly) []model.Anomaly {
	type key struct {
		typ    model.AnomalyType
		bucket int64
	}

	seen := make(map[key]bool, len(found))
	res := make([]model.Anomaly, 0, len(found))
	for _, a := range found {
		k := key{a.Type, a.TimeBucket}
		if seen[k] {
			continue
		}
		seen[k] = true
		res = append(res, a)
	}

	return res
}

func groupByBin(events []model.BinEvent) map[string][]model.BinEvent {
	res := make(map[string][]model.BinEvent)
	for _, e := range events {
		res[e.BinID] = append(res[e.BinID], e)
	}
	for _, list := range res {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	}
	return res
}
