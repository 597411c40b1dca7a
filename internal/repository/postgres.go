// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAdjustment возвращается, если корректировка увела бы баланс в минус.
	ErrInvalidAdjustment = errors.New("adjustment would drive balance negative")
	// ErrNoSeatsAvailable возвращается при попытке занять место в заполненном пуле.
	ErrNoSeatsAvailable = errors.New("no seats available")
	// ErrAlreadySeated возвращается, если участник уже занимает место.
	ErrAlreadySeated = errors.New("member already occupies a seat")
	// ErrNotSeated возвращается, если участник не занимает место в этой организации.
	ErrNotSeated = errors.New("member does not occupy a seat in this organisation")
	// ErrBelowUsedSeats возвращается, если новый размер пула меньше числа занятых мест.
	ErrBelowUsedSeats = errors.New("new total is below used seats")
	// ErrInvalidTransition возвращается для команды, недопустимой в текущем состоянии подписки.
	ErrInvalidTransition = errors.New("invalid subscription transition")
	// ErrNotInOrganisation возвращается, если участник не состоит в указанной организации.
	ErrNotInOrganisation = errors.New("member does not belong to organisation")
	// ErrMemberNotFound возвращается, если проекция участника отсутствует.
	ErrMemberNotFound = errors.New("member not found")
	// ErrOrganisationNotFound возвращается, если проекция организации отсутствует.
	ErrOrganisationNotFound = errors.New("organisation not found")
	// ErrServiceUnavailable возвращается после исчерпания ретраев временной ошибки хранилища.
	ErrServiceUnavailable = errors.New("storage temporarily unavailable")
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

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при временных ошибках хранилища (serialization failure,
// deadlock, обрыв соединения). Бизнес-ошибки не ретраятся: ретраи безопасны,
// потому что каждая операция выполняется в одной транзакции с теми же ключами
// идемпотентности. После исчерпания попыток наружу уходит ErrServiceUnavailable.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err == nil {
		return nil
	}

	if isTransient(err) {
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, err)
	}

	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
			return true
		}
		return pgerrcode.IsConnectionException(pgErr.Code)
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// inTx выполняет fn в одной транзакции: обе записи мульти-записных операций
// фиксируются вместе или не фиксируются вовсе.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
