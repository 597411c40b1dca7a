package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/membership-system/internal/model"
)

// ensureAccount создаёт счёт кредитов при первой операции участника.
// Счёт никогда не удаляется: журнал — требование аудита.
func ensureAccount(ctx context.Context, tx pgx.Tx, memberID int64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (member_id) VALUES ($1) ON CONFLICT (member_id) DO NOTHING`,
		memberID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return fmt.Errorf("%w: %d", ErrMemberNotFound, memberID)
		}
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func appendTransaction(ctx context.Context, tx pgx.Tx, memberID int64, txType model.TransactionType, amountCent, balanceAfter int64, reason string, relatedEntity *string, operationKey *uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (member_id, type, amount, balance_after, reason, related_entity, operation_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		memberID, string(txType), amountCent, balanceAfter, reason, relatedEntity, operationKey,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GrantWelcomeBonus однократно начисляет приветственный бонус участнику.
// Повторный вызов — no-op: флаг выставляется условным UPDATE, а не чтением
// с последующей записью, поэтому параллельные дубли безопасны.
func (r *PostgresRepository) GrantWelcomeBonus(ctx context.Context, memberID int64, amountCent int64) (int64, error) {
	var balance int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if err := ensureAccount(ctx, tx, memberID); err != nil {
				return err
			}

			err := tx.QueryRow(ctx,
				`UPDATE credit_accounts
				 SET welcome_bonus_granted = TRUE, balance = balance + $2
				 WHERE member_id = $1 AND NOT welcome_bonus_granted
				 RETURNING balance`,
				memberID, amountCent,
			).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				// Бонус уже выдан — возвращаем текущий баланс без новой записи.
				return tx.QueryRow(ctx,
					`SELECT balance FROM credit_accounts WHERE member_id = $1`,
					memberID,
				).Scan(&balance)
			}
			if err != nil {
				return fmt.Errorf("grant welcome bonus: %w", err)
			}

			return appendTransaction(ctx, tx, memberID, model.TransactionAllocation, amountCent, balance, "welcome bonus", nil, nil)
		})
	})
	return balance, err
}

// AllocateMonthly начисляет кредиты за расчётный период не более одного раза.
// Маркер периода двигается только вперёд, поэтому и повторы планировщика,
// и опоздавшие вызовы за прошлые периоды остаются no-op.
func (r *PostgresRepository) AllocateMonthly(ctx context.Context, memberID int64, period string, amountCent int64) (int64, error) {
	var balance int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if err := ensureAccount(ctx, tx, memberID); err != nil {
				return err
			}

			err := tx.QueryRow(ctx,
				`UPDATE credit_accounts
				 SET last_allocation_period = $2, balance = balance + $3
				 WHERE member_id = $1
				   AND (last_allocation_period IS NULL OR last_allocation_period < $2)
				 RETURNING balance`,
				memberID, period, amountCent,
			).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				return tx.QueryRow(ctx,
					`SELECT balance FROM credit_accounts WHERE member_id = $1`,
					memberID,
				).Scan(&balance)
			}
			if err != nil {
				return fmt.Errorf("allocate monthly: %w", err)
			}

			return appendTransaction(ctx, tx, memberID, model.TransactionAllocation, amountCent, balance, "monthly allocation "+period, nil, nil)
		})
	})
	return balance, err
}

// Consume списывает кредиты участника. Проверка баланса и запись выполняются
// под блокировкой строки счёта, так что овердрафт невозможен и при
// параллельных списаниях. Повтор с тем же ключом операции — no-op.
func (r *PostgresRepository) Consume(ctx context.Context, memberID int64, amountCent int64, reason string, relatedEntity *string, operationKey *uuid.UUID) (int64, error) {
	var balance int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if err := ensureAccount(ctx, tx, memberID); err != nil {
				return err
			}

			err := tx.QueryRow(ctx,
				`SELECT balance FROM credit_accounts WHERE member_id = $1 FOR UPDATE`,
				memberID,
			).Scan(&balance)
			if err != nil {
				return fmt.Errorf("lock account: %w", err)
			}

			if operationKey != nil {
				// Строка счёта уже заблокирована, поэтому проверка ключа
				// и вставка ниже не гонятся между собой.
				var done bool
				err := tx.QueryRow(ctx,
					`SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE operation_key = $1)`,
					operationKey,
				).Scan(&done)
				if err != nil {
					return fmt.Errorf("check operation key: %w", err)
				}
				if done {
					return nil
				}
			}

			if amountCent > balance {
				return ErrInsufficientBalance
			}

			err = tx.QueryRow(ctx,
				`UPDATE credit_accounts SET balance = balance - $2 WHERE member_id = $1 RETURNING balance`,
				memberID, amountCent,
			).Scan(&balance)
			if err != nil {
				return fmt.Errorf("consume: %w", err)
			}

			return appendTransaction(ctx, tx, memberID, model.TransactionConsumption, -amountCent, balance, reason, relatedEntity, operationKey)
		})
	})
	return balance, err
}

// Adjust применяет административную корректировку со знаком.
func (r *PostgresRepository) Adjust(ctx context.Context, memberID int64, amountCent int64, reason string) (int64, error) {
	var balance int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if err := ensureAccount(ctx, tx, memberID); err != nil {
				return err
			}

			err := tx.QueryRow(ctx,
				`SELECT balance FROM credit_accounts WHERE member_id = $1 FOR UPDATE`,
				memberID,
			).Scan(&balance)
			if err != nil {
				return fmt.Errorf("lock account: %w", err)
			}

			if balance+amountCent < 0 {
				return ErrInvalidAdjustment
			}

			err = tx.QueryRow(ctx,
				`UPDATE credit_accounts SET balance = balance + $2 WHERE member_id = $1 RETURNING balance`,
				memberID, amountCent,
			).Scan(&balance)
			if err != nil {
				return fmt.Errorf("adjust: %w", err)
			}

			return appendTransaction(ctx, tx, memberID, model.TransactionAdjustment, amountCent, balance, reason, nil, nil)
		})
	})
	return balance, err
}

// GetBalance возвращает текущий баланс участника в сотых долях часа.
// Участник без счёта имеет нулевой баланс.
func (r *PostgresRepository) GetBalance(ctx context.Context, memberID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(a.balance, 0)
		 FROM members m
		 LEFT JOIN credit_accounts a ON a.member_id = m.id
		 WHERE m.id = $1`,
		memberID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %d", ErrMemberNotFound, memberID)
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// GetLedger возвращает журнал операций участника в порядке добавления.
func (r *PostgresRepository) GetLedger(ctx context.Context, memberID int64) ([]model.CreditTransaction, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE id = $1)`,
		memberID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check member: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrMemberNotFound, memberID)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, type, amount, balance_after, reason, related_entity, created_at
		 FROM credit_transactions
		 WHERE member_id = $1
		 ORDER BY created_at, id`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.CreditTransaction
	for rows.Next() {
		t := model.CreditTransaction{MemberID: memberID}
		var txType string
		if err := rows.Scan(&t.ID, &txType, &t.AmountCent, &t.BalanceAfter, &t.Reason, &t.RelatedEntity, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(txType)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// BalanceMismatch описывает счёт, бегущий итог которого разошёлся с суммой журнала.
type BalanceMismatch struct {
	MemberID  int64
	Balance   int64
	LedgerSum int64
}

// ListBalanceMismatches находит счета, нарушающие инвариант суммы журнала.
// Восстановление — ручная корректировка: журнал append-only.
func (r *PostgresRepository) ListBalanceMismatches(ctx context.Context, limit int) ([]BalanceMismatch, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.member_id, a.balance, COALESCE(SUM(t.amount), 0)
		 FROM credit_accounts a
		 LEFT JOIN credit_transactions t ON t.member_id = a.member_id
		 GROUP BY a.member_id, a.balance
		 HAVING a.balance <> COALESCE(SUM(t.amount), 0)
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select mismatches: %w", err)
	}
	defer rows.Close()

	var res []BalanceMismatch
	for rows.Next() {
		var m BalanceMismatch
		if err := rows.Scan(&m.MemberID, &m.Balance, &m.LedgerSum); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
