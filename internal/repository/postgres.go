package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/imagejobs/internal/model"
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	fsys, err := fs.Sub(migrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сериализационных конфликтах, дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateJob сохраняет новое задание.
func (r *PostgresRepository) CreateJob(ctx context.Context, j *model.Job) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, external_job_id, job_type, owner_kind, owner_id, status, cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		j.ID, j.ExternalJobID, string(j.Type), string(j.Owner.Kind), j.Owner.ID, string(j.Status), j.Cost,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s/%s", ErrJobExists, j.Type, j.ExternalJobID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob возвращает задание, принадлежащее owner.
func (r *PostgresRepository) GetJob(ctx context.Context, owner model.Identity, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_kind = $2 AND owner_id = $3`,
		id, string(owner.Kind), owner.ID,
	)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobByExternalID возвращает задание owner по внешнему идентификатору.
func (r *PostgresRepository) GetJobByExternalID(ctx context.Context, owner model.Identity, jobType model.JobType, externalID string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_type = $1 AND external_job_id = $2 AND owner_kind = $3 AND owner_id = $4`,
		string(jobType), externalID, string(owner.Kind), owner.ID,
	)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by external id: %w", err)
	}
	return j, nil
}

// ListJobs возвращает последние задания owner.
func (r *PostgresRepository) ListJobs(ctx context.Context, owner model.Identity, limit int) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner_kind = $1 AND owner_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		string(owner.Kind), owner.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetOpenJobs возвращает нетерминальные задания для фоновой сверки, начиная с самых старых.
func (r *PostgresRepository) GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ($1, $2)
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.JobStatusPending), string(model.JobStatusProcessing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select open jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]model.Job, error) {
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return jobs, nil
}

// ApplyTransition переводит задание в терминальный статус одним условным UPDATE.
// Если задание уже терминально, возвращается ErrAlreadyTerminal и запись не меняется.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, owner model.Identity, id string, tr model.Transition) error {
	if err := validateTransition(tr); err != nil {
		return err
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE jobs
			 SET status = $1, result_url = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
			 WHERE id = $4 AND owner_kind = $5 AND owner_id = $6 AND status IN ($7, $8)`,
			string(tr.Status), tr.ResultURL, tr.ErrorMessage,
			id, string(owner.Kind), owner.ID,
			string(model.JobStatusPending), string(model.JobStatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var status string
		err = r.pool.QueryRow(ctx,
			`SELECT status FROM jobs WHERE id = $1 AND owner_kind = $2 AND owner_id = $3`,
			id, string(owner.Kind), owner.ID,
		).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("select job status: %w", err)
		}
		return ErrAlreadyTerminal
	})
}

// FailStaleJobs переводит в failed нетерминальные задания, созданные до f.Before.
func (r *PostgresRepository) FailStaleJobs(ctx context.Context, f StaleFilter) (int64, error) {
	query := `UPDATE jobs
		SET status = $1, error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE status IN ($3, $4) AND created_at < $5`
	args := []any{
		string(model.JobStatusFailed), f.Reason,
		string(model.JobStatusPending), string(model.JobStatusProcessing),
		f.Before,
	}

	if f.Owner != nil {
		args = append(args, string(f.Owner.Kind), f.Owner.ID)
		query += fmt.Sprintf(" AND owner_kind = $%d AND owner_id = $%d", len(args)-1, len(args))
	}
	if f.JobType != nil {
		args = append(args, string(*f.JobType))
		query += fmt.Sprintf(" AND job_type = $%d", len(args))
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnsureCredits создаёт кредитный счёт с начальным балансом, если его ещё нет.
func (r *PostgresRepository) EnsureCredits(ctx context.Context, owner model.Identity, initial int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO credits (owner_kind, owner_id, balance) VALUES ($1, $2, $3)
		 ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
		string(owner.Kind), owner.ID, initial,
	)
	if err != nil {
		return false, fmt.Errorf("insert credits: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetCredits возвращает текущий баланс.
func (r *PostgresRepository) GetCredits(ctx context.Context, owner model.Identity) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM credits WHERE owner_kind = $1 AND owner_id = $2`,
		string(owner.Kind), owner.ID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrIdentityNotFound
		}
		return 0, fmt.Errorf("get credits: %w", err)
	}
	return balance, nil
}

// DebitCredits списывает amount, только если баланс его покрывает. Частичного списания не бывает.
func (r *PostgresRepository) DebitCredits(ctx context.Context, owner model.Identity, amount int, reservationID string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE credits SET balance = balance - $3, updated_at = NOW()
			 WHERE owner_kind = $1 AND owner_id = $2 AND balance >= $3`,
			string(owner.Kind), owner.ID, amount,
		)
		if err != nil {
			return fmt.Errorf("debit credits: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var exists int
			err = tx.QueryRow(ctx,
				`SELECT 1 FROM credits WHERE owner_kind = $1 AND owner_id = $2`,
				string(owner.Kind), owner.ID,
			).Scan(&exists)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrIdentityNotFound
			}
			if err != nil {
				return fmt.Errorf("select credits: %w", err)
			}
			return ErrInsufficientCredit
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO credit_entries (owner_kind, owner_id, reservation_id, kind, amount)
			 VALUES ($1, $2, $3, $4, $5)`,
			string(owner.Kind), owner.ID, reservationID, EntryDebit, amount,
		)
		if err != nil {
			return fmt.Errorf("insert debit entry: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ReleaseCredits возвращает сумму списания reservationID ровно один раз.
// Возвращает false, если списания не было или оно уже возвращено.
func (r *PostgresRepository) ReleaseCredits(ctx context.Context, owner model.Identity, reservationID string) (bool, error) {
	var released bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		released = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var amount int
		err = tx.QueryRow(ctx,
			`SELECT amount FROM credit_entries
			 WHERE reservation_id = $1 AND kind = $2 AND owner_kind = $3 AND owner_id = $4`,
			reservationID, EntryDebit, string(owner.Kind), owner.ID,
		).Scan(&amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select debit entry: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_entries (owner_kind, owner_id, reservation_id, kind, amount)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (reservation_id, kind) DO NOTHING`,
			string(owner.Kind), owner.ID, reservationID, EntryRelease, amount,
		)
		if err != nil {
			return fmt.Errorf("insert release entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE credits SET balance = balance + $3, updated_at = NOW()
			 WHERE owner_kind = $1 AND owner_id = $2`,
			string(owner.Kind), owner.ID, amount,
		)
		if err != nil {
			return fmt.Errorf("release credits: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}
