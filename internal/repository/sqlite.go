package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/mmeshcher/imagejobs/internal/model"
)

// SQLiteRepository хранит задания и балансы во встраиваемой базе для локального запуска и тестов.
// Все соединения сериализованы, поэтому условные обновления атомарны так же, как в PostgreSQL.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository открывает базу по пути (":memory:" для памяти) и применяет миграции.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")
	if path == "" {
		path = ":memory:"
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	r := &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}

	if err := r.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

func (r *SQLiteRepository) runMigrations(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, r.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close закрывает базу.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateJob сохраняет новое задание.
func (r *SQLiteRepository) CreateJob(ctx context.Context, j *model.Job) error {
	now := r.now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, external_job_id, job_type, owner_kind, owner_id, status, cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ExternalJobID, string(j.Type), string(j.Owner.Kind), j.Owner.ID, string(j.Status), j.Cost, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", ErrJobExists, j.Type, j.ExternalJobID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

// GetJob возвращает задание, принадлежащее owner.
func (r *SQLiteRepository) GetJob(ctx context.Context, owner model.Identity, id string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND owner_kind = ? AND owner_id = ?`,
		id, string(owner.Kind), owner.ID,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobByExternalID возвращает задание owner по внешнему идентификатору.
func (r *SQLiteRepository) GetJobByExternalID(ctx context.Context, owner model.Identity, jobType model.JobType, externalID string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_type = ? AND external_job_id = ? AND owner_kind = ? AND owner_id = ?`,
		string(jobType), externalID, string(owner.Kind), owner.ID,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by external id: %w", err)
	}
	return j, nil
}

// ListJobs возвращает последние задания owner.
func (r *SQLiteRepository) ListJobs(ctx context.Context, owner model.Identity, limit int) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE owner_kind = ? AND owner_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		string(owner.Kind), owner.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	return collectSQLJobs(rows)
}

// GetOpenJobs возвращает нетерминальные задания, начиная с самых старых.
func (r *SQLiteRepository) GetOpenJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?)
		 ORDER BY created_at
		 LIMIT ?`,
		string(model.JobStatusPending), string(model.JobStatusProcessing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select open jobs: %w", err)
	}
	defer rows.Close()

	return collectSQLJobs(rows)
}

func collectSQLJobs(rows *sql.Rows) ([]model.Job, error) {
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
func (r *SQLiteRepository) ApplyTransition(ctx context.Context, owner model.Identity, id string, tr model.Transition) error {
	if err := validateTransition(tr); err != nil {
		return err
	}

	now := r.now()
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, result_url = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND owner_kind = ? AND owner_id = ? AND status IN (?, ?)`,
		string(tr.Status), tr.ResultURL, tr.ErrorMessage, now, now,
		id, string(owner.Kind), owner.ID,
		string(model.JobStatusPending), string(model.JobStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = ? AND owner_kind = ? AND owner_id = ?`,
		id, string(owner.Kind), owner.ID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("select job status: %w", err)
	}
	return ErrAlreadyTerminal
}

// FailStaleJobs переводит в failed нетерминальные задания, созданные до f.Before.
func (r *SQLiteRepository) FailStaleJobs(ctx context.Context, f StaleFilter) (int64, error) {
	now := r.now()
	query := `UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE status IN (?, ?) AND created_at < ?`
	args := []any{
		string(model.JobStatusFailed), f.Reason, now, now,
		string(model.JobStatusPending), string(model.JobStatusProcessing),
		f.Before.UTC(),
	}

	if f.Owner != nil {
		query += " AND owner_kind = ? AND owner_id = ?"
		args = append(args, string(f.Owner.Kind), f.Owner.ID)
	}
	if f.JobType != nil {
		query += " AND job_type = ?"
		args = append(args, string(*f.JobType))
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// EnsureCredits создаёт кредитный счёт с начальным балансом, если его ещё нет.
func (r *SQLiteRepository) EnsureCredits(ctx context.Context, owner model.Identity, initial int) (bool, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO credits (owner_kind, owner_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
		string(owner.Kind), owner.ID, initial, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetCredits возвращает текущий баланс.
func (r *SQLiteRepository) GetCredits(ctx context.Context, owner model.Identity) (int, error) {
	var balance int
	err := r.db.QueryRowContext(ctx,
		`SELECT balance FROM credits WHERE owner_kind = ? AND owner_id = ?`,
		string(owner.Kind), owner.ID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrIdentityNotFound
		}
		return 0, fmt.Errorf("get credits: %w", err)
	}
	return balance, nil
}

// DebitCredits списывает amount, только если баланс его покрывает.
func (r *SQLiteRepository) DebitCredits(ctx context.Context, owner model.Identity, amount int, reservationID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE credits SET balance = balance - ?, updated_at = ?
		 WHERE owner_kind = ? AND owner_id = ? AND balance >= ?`,
		amount, now, string(owner.Kind), owner.ID, amount,
	)
	if err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if n == 0 {
		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM credits WHERE owner_kind = ? AND owner_id = ?`,
			string(owner.Kind), owner.ID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrIdentityNotFound
		}
		if err != nil {
			return fmt.Errorf("select credits: %w", err)
		}
		return ErrInsufficientCredit
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_entries (owner_kind, owner_id, reservation_id, kind, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(owner.Kind), owner.ID, reservationID, EntryDebit, amount, now,
	)
	if err != nil {
		return fmt.Errorf("insert debit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ReleaseCredits возвращает сумму списания reservationID ровно один раз.
func (r *SQLiteRepository) ReleaseCredits(ctx context.Context, owner model.Identity, reservationID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var amount int
	err = tx.QueryRowContext(ctx,
		`SELECT amount FROM credit_entries
		 WHERE reservation_id = ? AND kind = ? AND owner_kind = ? AND owner_id = ?`,
		reservationID, EntryDebit, string(owner.Kind), owner.ID,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select debit entry: %w", err)
	}

	now := r.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO credit_entries (owner_kind, owner_id, reservation_id, kind, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (reservation_id, kind) DO NOTHING`,
		string(owner.Kind), owner.ID, reservationID, EntryRelease, amount, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert release entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE credits SET balance = balance + ?, updated_at = ? WHERE owner_kind = ? AND owner_id = ?`,
		amount, now, string(owner.Kind), owner.ID,
	)
	if err != nil {
		return false, fmt.Errorf("release credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}
