package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/membership-system/internal/model"
)

func setSubscription(ctx context.Context, tx pgx.Tx, orgID int64, q string, args ...any) error {
	if _, err := tx.Exec(ctx, q, append([]any{orgID}, args...)...); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// Activate переводит подписку unregistered → active и задаёт размер пула.
func (r *PostgresRepository) Activate(ctx context.Context, orgID int64, seatCount int, startDate time.Time) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if org.Status != model.SubscriptionUnregistered {
				return ErrInvalidTransition
			}

			return setSubscription(ctx, tx, orgID,
				`UPDATE organisations
				 SET subscription_status = 'ACTIVE', total_seats = $2,
				     subscription_start_date = $3, updated_at = now()
				 WHERE id = $1`,
				seatCount, startDate,
			)
		})
	})
}

// MarkPastDue переводит подписку active → past_due. Места не меняются:
// доступ сохраняется на время льготного периода.
func (r *PostgresRepository) MarkPastDue(ctx context.Context, orgID int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if org.Status != model.SubscriptionActive {
				return ErrInvalidTransition
			}

			return setSubscription(ctx, tx, orgID,
				`UPDATE organisations SET subscription_status = 'PAST_DUE', updated_at = now() WHERE id = $1`,
			)
		})
	})
}

// RecoverPayment переводит подписку past_due → active после успешной оплаты.
func (r *PostgresRepository) RecoverPayment(ctx context.Context, orgID int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if org.Status != model.SubscriptionPastDue {
				return ErrInvalidTransition
			}

			return setSubscription(ctx, tx, orgID,
				`UPDATE organisations SET subscription_status = 'ACTIVE', updated_at = now() WHERE id = $1`,
			)
		})
	})
}

// RequestCancel переводит подписку active|past_due → cancel_pending.
// Места остаются занятыми до границы оплаченного периода.
func (r *PostgresRepository) RequestCancel(ctx context.Context, orgID int64, endDate time.Time) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if org.Status != model.SubscriptionActive && org.Status != model.SubscriptionPastDue {
				return ErrInvalidTransition
			}

			return setSubscription(ctx, tx, orgID,
				`UPDATE organisations
				 SET subscription_status = 'CANCEL_PENDING', subscription_end_date = $2, updated_at = now()
				 WHERE id = $1`,
				endDate,
			)
		})
	})
}

// Reactivate возвращает подписку cancel_pending → active, пока не наступила
// дата окончания, и очищает её.
func (r *PostgresRepository) Reactivate(ctx context.Context, orgID int64, now time.Time) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if org.Status != model.SubscriptionCancelPending || org.EndDate == nil || !now.Before(*org.EndDate) {
				return ErrInvalidTransition
			}

			return setSubscription(ctx, tx, orgID,
				`UPDATE organisations
				 SET subscription_status = 'ACTIVE', subscription_end_date = NULL, updated_at = now()
				 WHERE id = $1`,
			)
		})
	})
}

// FinalizeCancellation переводит подписку cancel_pending → canceled по
// достижении даты окончания: все посаженные участники организации
// освобождают места в той же транзакции, так что инвариант занятости
// выполняется и в терминальном состоянии. Возвращает идентификаторы
// участников, потерявших места.
func (r *PostgresRepository) FinalizeCancellation(ctx context.Context, orgID int64, now time.Time) ([]int64, error) {
	var unseated []int64
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}
			if org.Status != model.SubscriptionCancelPending || org.EndDate == nil || now.Before(*org.EndDate) {
				return ErrInvalidTransition
			}

			rows, err := tx.Query(ctx,
				`UPDATE members
				 SET membership_type = $2, seated = FALSE, updated_at = now()
				 WHERE organisation_id = $1 AND seated
				 RETURNING id`,
				orgID, string(model.MembershipAssociate),
			)
			if err != nil {
				return fmt.Errorf("unseat members: %w", err)
			}

			unseated = unseated[:0]
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return fmt.Errorf("scan member: %w", err)
				}
				unseated = append(unseated, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("rows error: %w", err)
			}

			return setSubscription(ctx, tx, orgID,
				`UPDATE organisations
				 SET subscription_status = 'CANCELED', used_seats = 0, updated_at = now()
				 WHERE id = $1`,
			)
		})
	})
	if err != nil {
		return nil, err
	}
	return unseated, nil
}
