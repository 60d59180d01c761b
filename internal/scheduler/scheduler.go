// Package scheduler запускает задачи конвейера по cron-расписанию в UTC.
//
// Каждая задача выполняется независимо от остальных. Запуски одной задачи
// не пересекаются: тик, пришедший во время предыдущего запуска, пропускается.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/ecobin-pipeline/internal/telemetry"
)

var (
	// ErrAlreadyRunning возвращается, если предыдущий запуск задачи ещё не завершён.
	ErrAlreadyRunning = errors.New("job is already running")
	// ErrUnknownJob возвращается при обращении к незарегистрированной задаче.
	ErrUnknownJob = errors.New("unknown job")
	// ErrInvalidSchedule возвращается при некорректном cron-выражении.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrStopped возвращается при запуске задачи после остановки планировщика.
	ErrStopped = errors.New("scheduler stopped")
)

// JobFunc обрабатывает один тик задачи.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      JobFunc
	running atomic.Bool
}

// Scheduler владеет таймерами всех задач конвейера.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	metrics *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
	wg      sync.WaitGroup
}

// New создаёт планировщик. Расписания интерпретируются в UTC.
func New(logger *zap.Logger, metrics *telemetry.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}
}

// Register регистрирует периодическую задачу. timeout ограничивает длительность одного тика.
func (s *Scheduler) Register(name, spec string, timeout time.Duration, fn JobFunc) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: job %s: timeout must be positive", ErrInvalidSchedule, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, spec: spec, timeout: timeout, fn: fn}
	if _, err := s.cron.AddFunc(spec, func() { s.tick(j) }); err != nil {
		return fmt.Errorf("%w: job %s: %q: %v", ErrInvalidSchedule, name, spec, err)
	}

	s.jobs[name] = j
	return nil
}

// Jobs возвращает имена зарегистрированных задач.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Start запускает таймеры.
func (s *Scheduler) Start() {
	s.mu.Lock()
	for _, j := range s.jobs {
		s.logger.Info("job scheduled", zap.String("job", j.name), zap.String("spec", j.spec), zap.Duration("timeout", j.timeout))
	}
	s.mu.Unlock()

	s.cron.Start()
}

// Stop прекращает выдачу новых тиков и ждёт завершения текущих запусков.
// Если ctx истекает раньше, текущие запуски отменяются.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("aborting in-flight jobs on shutdown")
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// RunNow выполняет задачу вне расписания с теми же гарантиями, что и плановый тик.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	return s.run(ctx, j)
}

func (s *Scheduler) tick(j *job) {
	// Ошибка уже записана в журнал внутри run.
	_ = s.run(s.ctx, j)
}

func (s *Scheduler) run(parent context.Context, j *job) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !j.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in progress, skipping tick", zap.String("job", j.name))
		s.metrics.JobSkipped(j.name)
		return ErrAlreadyRunning
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(parent, j.timeout)
	defer cancel()

	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	start := time.Now()
	err := safeCall(ctx, j.fn)
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.ObserveJob(j.name, "error", elapsed)
		s.logger.Error("job failed",
			zap.String("job", j.name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return err
	}

	s.metrics.ObserveJob(j.name, "ok", elapsed)
	s.logger.Info("job completed", zap.String("job", j.name), zap.Duration("elapsed", elapsed))
	return nil
}

func safeCall(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()

	return fn(ctx)
}
