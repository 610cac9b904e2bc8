// Package service реализует оркестрацию заданий обработки изображений.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/imagejobs/internal/ledger"
	"github.com/mmeshcher/imagejobs/internal/model"
	"github.com/mmeshcher/imagejobs/internal/reconciler"
	"github.com/mmeshcher/imagejobs/internal/validation"
)

var (
	// ErrInvalidRequest возвращается при некорректных входных данных.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUploadsDisabled возвращается, если хранилище загрузок не настроено.
	ErrUploadsDisabled = errors.New("uploads are not configured")
	// ErrBillingDisabled возвращается, если биллинг не настроен.
	ErrBillingDisabled = errors.New("billing is not configured")
)

// DefaultListLimit ограничивает выдачу списка заданий.
const DefaultListLimit = 50

// Repository описывает контракт доступа к заданиям, используемый сервисом.
type Repository interface {
	Close() error
	CreateJob(ctx context.Context, j *model.Job) error
	GetJobByExternalID(ctx context.Context, owner model.Identity, jobType model.JobType, externalID string) (*model.Job, error)
	ListJobs(ctx context.Context, owner model.Identity, limit int) ([]model.Job, error)
}

// Credits описывает кредитный леджер.
type Credits interface {
	Reserve(ctx context.Context, identity model.Identity, cost int) (ledger.Reservation, error)
	Release(ctx context.Context, res ledger.Reservation) error
	Balance(ctx context.Context, identity model.Identity) (int, error)
}

// Submitter отправляет задания обработчику.
type Submitter interface {
	Submit(ctx context.Context, jobType model.JobType, imageURL string) (string, error)
}

// Reconciler сверяет статусы заданий.
type Reconciler interface {
	Reconcile(ctx context.Context, owner model.Identity, jobID string) (reconciler.Outcome, error)
	SweepStale(ctx context.Context, f reconciler.Filter) (int64, error)
}

// Uploads выдаёт ссылки для загрузки изображений.
type Uploads interface {
	PresignUpload(ctx context.Context, identity model.Identity) (string, string, error)
	ResolveKey(ctx context.Context, identity model.Identity, key string) (string, error)
}

// Checkout открывает страницу оплаты.
type Checkout interface {
	Open(ctx context.Context, identity model.Identity) (string, error)
}

// Deps содержит зависимости сервиса. Uploads и Checkout необязательны.
type Deps struct {
	Repo       Repository
	Credits    Credits
	Provider   Submitter
	Reconciler Reconciler
	Uploads    Uploads
	Checkout   Checkout
	Costs      map[model.JobType]int
	Logger     *zap.Logger
}

// DefaultCosts возвращает стоимость заданий в кредитах.
func DefaultCosts() map[model.JobType]int {
	return map[model.JobType]int{
		model.JobTypeBackgroundRemoval: 1,
		model.JobTypeUpscale:           1,
		model.JobTypeFaceSwap:          1,
	}
}

// Service содержит бизнес-логику приёма и сверки заданий.
type Service struct {
	repo       Repository
	credits    Credits
	provider   Submitter
	reconciler Reconciler
	uploads    Uploads
	checkout   Checkout
	costs      map[model.JobType]int
	logger     *zap.Logger
}

// NewService создаёт новый сервис.
func NewService(d Deps) *Service {
	costs := d.Costs
	if costs == nil {
		costs = DefaultCosts()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       d.Repo,
		credits:    d.Credits,
		provider:   d.Provider,
		reconciler: d.Reconciler,
		uploads:    d.Uploads,
		checkout:   d.Checkout,
		costs:      costs,
		logger:     logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// SubmitRequest содержит входные данные задания: ссылку на изображение или ключ загруженного объекта.
type SubmitRequest struct {
	ImageURL string `json:"image_url,omitempty"`
	ImageKey string `json:"image_key,omitempty"`
}

// SubmitJob резервирует кредиты, отправляет задание обработчику и сохраняет его в статусе pending.
// Отмена запроса клиентом не прерывает отправку.
func (s *Service) SubmitJob(ctx context.Context, identity model.Identity, jobType model.JobType, req SubmitRequest) (*model.Job, error) {
	cost, ok := s.costs[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, jobType)
	}

	ctx = context.WithoutCancel(ctx)

	imageURL, err := s.resolveImage(ctx, identity, req)
	if err != nil {
		return nil, err
	}

	res, err := s.credits.Reserve(ctx, identity, cost)
	if err != nil {
		return nil, err
	}

	externalID, err := s.provider.Submit(ctx, jobType, imageURL)
	if err != nil {
		if relErr := s.credits.Release(ctx, res); relErr != nil {
			s.logger.Error("failed to release reservation",
				zap.String("identity", identity.Key()),
				zap.String("reservation_id", res.ID),
				zap.Error(relErr),
			)
		}
		return nil, fmt.Errorf("submit job: %w", err)
	}

	job := &model.Job{
		ID:            uuid.NewString(),
		ExternalJobID: externalID,
		Type:          jobType,
		Owner:         identity,
		Status:        model.JobStatusPending,
		Cost:          cost,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		s.logger.Error("provider accepted job but it was not persisted",
			zap.String("external_job_id", externalID),
			zap.String("job_type", string(jobType)),
			zap.String("identity", identity.Key()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("persist job: %w", err)
	}

	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("external_job_id", externalID),
		zap.String("job_type", string(jobType)),
		zap.String("identity", identity.Key()),
	)
	return job, nil
}

func (s *Service) resolveImage(ctx context.Context, identity model.Identity, req SubmitRequest) (string, error) {
	switch {
	case req.ImageURL != "" && req.ImageKey != "":
		return "", fmt.Errorf("%w: image_url and image_key are mutually exclusive", ErrInvalidRequest)
	case req.ImageURL != "":
		if !validation.IsValidImageURL(req.ImageURL) {
			return "", fmt.Errorf("%w: image_url must be an absolute http(s) url", ErrInvalidRequest)
		}
		return req.ImageURL, nil
	case req.ImageKey != "":
		if s.uploads == nil {
			return "", ErrUploadsDisabled
		}
		u, err := s.uploads.ResolveKey(ctx, identity, req.ImageKey)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return u, nil
	default:
		return "", fmt.Errorf("%w: image_url or image_key is required", ErrInvalidRequest)
	}
}

// QueryStatus сверяет задание со статусом обработчика и возвращает его состояние.
func (s *Service) QueryStatus(ctx context.Context, identity model.Identity, jobID string) (reconciler.Outcome, error) {
	return s.reconciler.Reconcile(ctx, identity, jobID)
}

// QueryStatusByExternalID находит задание по внешнему идентификатору и сверяет его.
func (s *Service) QueryStatusByExternalID(ctx context.Context, identity model.Identity, jobType model.JobType, externalID string) (reconciler.Outcome, error) {
	job, err := s.repo.GetJobByExternalID(ctx, identity, jobType, externalID)
	if err != nil {
		return reconciler.Outcome{}, err
	}
	return s.reconciler.Reconcile(ctx, identity, job.ID)
}

// ListJobs возвращает последние задания идентичности.
func (s *Service) ListJobs(ctx context.Context, identity model.Identity, limit int) ([]model.Job, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return s.repo.ListJobs(ctx, identity, limit)
}

// Cleanup снимает зависшие задания идентичности и возвращает их число.
func (s *Service) Cleanup(ctx context.Context, identity model.Identity, jobType *model.JobType, threshold time.Duration) (int64, error) {
	if threshold < 0 {
		return 0, fmt.Errorf("%w: threshold must not be negative", ErrInvalidRequest)
	}
	return s.reconciler.SweepStale(ctx, reconciler.Filter{
		Owner:     &identity,
		JobType:   jobType,
		Threshold: threshold,
	})
}

// Balance возвращает кредитный баланс идентичности.
func (s *Service) Balance(ctx context.Context, identity model.Identity) (*model.Balance, error) {
	credits, err := s.credits.Balance(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Credits: credits}, nil
}

// CreateUpload выдаёт ключ и подписанную ссылку для загрузки изображения.
func (s *Service) CreateUpload(ctx context.Context, identity model.Identity) (string, string, error) {
	if s.uploads == nil {
		return "", "", ErrUploadsDisabled
	}
	return s.uploads.PresignUpload(ctx, identity)
}

// OpenCheckout возвращает ссылку на страницу оплаты.
func (s *Service) OpenCheckout(ctx context.Context, identity model.Identity) (string, error) {
	if s.checkout == nil {
		return "", ErrBillingDisabled
	}
	return s.checkout.Open(ctx, identity)
}
