// Package repository содержит хранилище заданий и кредитов в PostgreSQL и SQLite.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/imagejobs/internal/model"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

var (
	// ErrJobNotFound возвращается, если задание не найдено или принадлежит другой идентичности.
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyTerminal возвращается, если условное обновление не применено: задание уже в терминальном статусе.
	ErrAlreadyTerminal = errors.New("job already in terminal state")
	// ErrInsufficientCredit возвращается, если баланса не хватает на списание.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrIdentityNotFound возвращается, если для идентичности нет кредитного счёта.
	ErrIdentityNotFound = errors.New("credit account not found")
	// ErrJobExists возвращается при повторной записи задания с тем же внешним идентификатором.
	ErrJobExists = errors.New("job already exists")
)

// Типы записей кредитного журнала.
const (
	EntryDebit   = "debit"
	EntryRelease = "release"
)

// StaleFilter отбирает зависшие задания для принудительного перевода в failed.
type StaleFilter struct {
	Owner   *model.Identity
	JobType *model.JobType
	// Задания, созданные раньше Before, считаются зависшими.
	Before time.Time
	Reason string
}

// Store объединяет операции над заданиями и кредитами, общие для всех хранилищ.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, owner model.Identity, id string) (*model.Job, error)
	GetJobByExternalID(ctx context.Context, owner model.Identity, jobType model.JobType, externalID string) (*model.Job, error)
	ListJobs(ctx context.Context, owner model.Identity, limit int) ([]model.Job, error)
	GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error)
	ApplyTransition(ctx context.Context, owner model.Identity, id string, tr model.Transition) error
	FailStaleJobs(ctx context.Context, f StaleFilter) (int64, error)

	EnsureCredits(ctx context.Context, owner model.Identity, initial int) (bool, error)
	GetCredits(ctx context.Context, owner model.Identity) (int, error)
	DebitCredits(ctx context.Context, owner model.Identity, amount int, reservationID string) error
	ReleaseCredits(ctx context.Context, owner model.Identity, reservationID string) (bool, error)

	Close() error
}

// Open выбирает хранилище по DSN: "sqlite:<path>" открывает SQLite, остальное считается строкой подключения PostgreSQL.
func Open(dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "sqlite:") {
		return NewSQLiteRepository(dsn)
	}
	return NewPostgresRepository(dsn)
}

const jobColumns = `id, external_job_id, job_type, owner_kind, owner_id, status, result_url, error_message, cost, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j         model.Job
		jobType   string
		ownerKind string
		status    string
	)
	err := row.Scan(
		&j.ID,
		&j.ExternalJobID,
		&jobType,
		&ownerKind,
		&j.Owner.ID,
		&status,
		&j.ResultURL,
		&j.ErrorMessage,
		&j.Cost,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = model.JobType(jobType)
	j.Owner.Kind = model.IdentityKind(ownerKind)
	j.Status = model.JobStatus(status)
	return &j, nil
}

func validateTransition(tr model.Transition) error {
	switch tr.Status {
	case model.JobStatusCompleted:
		if tr.ResultURL == nil || *tr.ResultURL == "" {
			return errors.New("completed transition requires result url")
		}
	case model.JobStatusFailed:
		if tr.ResultURL != nil {
			return errors.New("failed transition must not carry result url")
		}
	default:
		return fmt.Errorf("status %q is not terminal", tr.Status)
	}
	return nil
}
