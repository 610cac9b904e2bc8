// Package reconciler сопоставляет статусы внешнего обработчика с заданиями
// и выполняет единственный терминальный переход каждого задания.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagejobs/internal/events"
	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/provider"
	"github.com/mmeshcher/imagejobs/internal/repository"
	"github.com/mmeshcher/imagejobs/internal/resilient"
)

const meterName = "github.com/mmeshcher/imagejobs/reconciler"

// DefaultStaleAfter задаёт порог, после которого незавершённое задание считается зависшим.
const DefaultStaleAfter = 10 * time.Minute

// StaleReason записывается в error_message заданий, снятых по таймауту.
const StaleReason = "job timed out: no terminal status reported by provider"

// Store описывает операции хранилища, нужные сверке.
type Store interface {
	GetJob(ctx context.Context, owner model.Identity, id string) (*model.Job, error)
	GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error)
	ApplyTransition(ctx context.Context, owner model.Identity, id string, tr model.Transition) error
	FailStaleJobs(ctx context.Context, f repository.StaleFilter) (int64, error)
}

// StatusSource запрашивает статус задания у обработчика.
type StatusSource interface {
	Status(ctx context.Context, jobType model.JobType, externalID string, preset resilient.Options) (*provider.StatusResponse, error)
}

// Outcome описывает результат сверки одного задания.
type Outcome struct {
	// Задание в состоянии, видимом клиенту. Нетерминальный статус обработчика в хранилище не пишется.
	Job *model.Job
	// Тело ответа обработчика, если он опрашивался.
	Raw json.RawMessage
	// Written сообщает, что этот вызов выполнил терминальную запись.
	Written bool
}

// Filter отбирает задания для снятия по таймауту.
type Filter struct {
	Owner     *model.Identity
	JobType   *model.JobType
	Threshold time.Duration
}

// Config задаёт параметры фоновых циклов.
type Config struct {
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	BatchSize         int
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Reconciler выполняет сверку по запросу клиента и в фоне.
type Reconciler struct {
	store     Store
	source    StatusSource
	publisher events.Publisher
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time

	transitions metric.Int64Counter
	swept       metric.Int64Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option настраивает Reconciler.
type Option func(*Reconciler)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMeter задаёт meter для счётчиков вместо глобального.
func WithMeter(m metric.Meter) Option {
	return func(r *Reconciler) { r.initInstruments(m) }
}

// New создаёт Reconciler.
func New(store Store, source StatusSource, publisher events.Publisher, logger *zap.Logger, cfg Config, opts ...Option) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	r := &Reconciler{
		store:     store,
		source:    source,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	r.initInstruments(otel.Meter(meterName))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) initInstruments(m metric.Meter) {
	// При ошибке API возвращает noop-инструменты.
	r.transitions, _ = m.Int64Counter(
		"imagejobs.reconcile.transitions",
		metric.WithDescription("Terminal transitions attempted by reconciliation"),
		metric.WithUnit("{transition}"),
	)
	r.swept, _ = m.Int64Counter(
		"imagejobs.reconcile.stale_failed",
		metric.WithDescription("Jobs failed by the stale sweep"),
		metric.WithUnit("{job}"),
	)
}

// Reconcile сверяет задание owner со статусом обработчика. Ошибка обработчика или
// некорректный ответ возвращаются без изменения задания.
func (r *Reconciler) Reconcile(ctx context.Context, owner model.Identity, jobID string) (Outcome, error) {
	job, err := r.store.GetJob(ctx, owner, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if job.Status.Terminal() {
		return Outcome{Job: job}, nil
	}

	preset := resilient.Standard
	if owner.Anonymous() {
		preset = resilient.Fast
	}

	resp, err := r.source.Status(ctx, job.Type, job.ExternalJobID, preset)
	if err != nil {
		return Outcome{Job: job}, fmt.Errorf("query provider status: %w", err)
	}

	mapping, err := provider.Map(job.Type, resp)
	if err != nil {
		r.logger.Warn("provider status mapping failed",
			zap.String("job_id", job.ID),
			zap.String("provider_status", resp.RawCode),
			zap.Error(err),
		)
		return Outcome{Job: job, Raw: resp.Raw}, err
	}

	if !mapping.Terminal() {
		view := *job
		view.Status = mapping.Status
		return Outcome{Job: &view, Raw: resp.Raw}, nil
	}

	tr := model.Transition{
		Status:       mapping.Status,
		ResultURL:    mapping.ResultURL,
		ErrorMessage: mapping.Message,
	}

	written := true
	err = r.store.ApplyTransition(ctx, owner, job.ID, tr)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrAlreadyTerminal):
		written = false
	default:
		return Outcome{Job: job, Raw: resp.Raw}, fmt.Errorf("apply transition: %w", err)
	}

	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", string(job.Type)),
		attribute.String("status", string(tr.Status)),
		attribute.Bool("written", written),
	))

	updated, err := r.store.GetJob(ctx, owner, job.ID)
	if err != nil {
		return Outcome{Job: job, Raw: resp.Raw, Written: written}, fmt.Errorf("reload job: %w", err)
	}

	if written {
		r.logger.Info("job reached terminal state",
			zap.String("job_id", updated.ID),
			zap.String("external_job_id", updated.ExternalJobID),
			zap.String("status", string(updated.Status)),
		)
		r.publish(ctx, updated)
	}

	return Outcome{Job: updated, Raw: resp.Raw, Written: written}, nil
}

func (r *Reconciler) publish(ctx context.Context, job *model.Job) {
	if err := r.publisher.Publish(context.WithoutCancel(ctx), events.FromJob(job)); err != nil {
		r.logger.Warn("failed to publish job event",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// SweepStale переводит в failed незавершённые задания старше порога и возвращает их число.
func (r *Reconciler) SweepStale(ctx context.Context, f Filter) (int64, error) {
	threshold := f.Threshold
	if threshold <= 0 {
		threshold = r.cfg.StaleAfter
	}

	n, err := r.store.FailStaleJobs(ctx, repository.StaleFilter{
		Owner:   f.Owner,
		JobType: f.JobType,
		Before:  r.now().Add(-threshold),
		Reason:  StaleReason,
	})
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}

	if n > 0 {
		r.swept.Add(ctx, n)
		fields := []zap.Field{zap.Int64("count", n), zap.Duration("threshold", threshold)}
		if f.Owner != nil {
			fields = append(fields, zap.String("owner", f.Owner.Key()))
		}
		r.logger.Info("stale jobs marked failed", fields...)
	}
	return n, nil
}

// Start запускает фоновую сверку открытых заданий и периодическое снятие зависших.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.loop(ctx, r.cfg.ReconcileInterval, r.processBatch)
	go r.loop(ctx, r.cfg.SweepInterval, func(ctx context.Context) {
		if _, err := r.SweepStale(ctx, Filter{}); err != nil && ctx.Err() == nil {
			r.logger.Error("stale sweep failed", zap.Error(err))
		}
	})
}

// Stop останавливает фоновые циклы и дожидается их завершения.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (r *Reconciler) processBatch(ctx context.Context) {
	jobs, err := r.store.GetOpenJobs(ctx, r.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to load open jobs", zap.Error(err))
		}
		return
	}

	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}

		_, err := r.Reconcile(ctx, j.Owner, j.ID)
		if err == nil {
			continue
		}

		var busy *provider.BusyError
		if errors.As(err, &busy) {
			if busy.RetryAfter > 0 {
				timer := time.NewTimer(busy.RetryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		r.logger.Debug("background reconcile failed",
			zap.String("job_id", j.ID),
			zap.Error(err),
		)
	}
}
