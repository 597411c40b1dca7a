package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/membership-system/internal/model"
)

// Порядок блокировок во всех мульти-записных операциях фиксированный:
// сначала строка организации, затем строка участника.

func lockOrganisation(ctx context.Context, tx pgx.Tx, orgID int64) (*model.Organisation, error) {
	var o model.Organisation
	var status string
	err := tx.QueryRow(ctx,
		`SELECT id, subscription_status, total_seats, used_seats,
		        subscription_start_date, subscription_end_date, price_per_seat
		 FROM organisations
		 WHERE id = $1
		 FOR UPDATE`,
		orgID,
	).Scan(&o.ID, &status, &o.TotalSeats, &o.UsedSeats, &o.StartDate, &o.EndDate, &o.PricePerSeatCent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrOrganisationNotFound, orgID)
		}
		return nil, fmt.Errorf("lock organisation: %w", err)
	}
	o.Status = model.SubscriptionStatus(status)
	return &o, nil
}

func lockMember(ctx context.Context, tx pgx.Tx, memberID int64) (*model.Member, error) {
	var m model.Member
	var mType, mStatus string
	err := tx.QueryRow(ctx,
		`SELECT id, organisation_id, membership_type, membership_status, seated, updated_at
		 FROM members
		 WHERE id = $1
		 FOR UPDATE`,
		memberID,
	).Scan(&m.ID, &m.OrganisationID, &mType, &mStatus, &m.Seated, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrMemberNotFound, memberID)
		}
		return nil, fmt.Errorf("lock member: %w", err)
	}
	m.Type = model.MembershipType(mType)
	m.Status = model.MembershipStatus(mStatus)
	return &m, nil
}

// PutMember сохраняет проекцию участника из внешнего каталога. Сервис не
// владеет записью целиком: каталог меняет принадлежность организации, а
// поля мест остаются за этим сервисом. Перенос участника, занимающего
// место, запрещён — сначала место должно быть освобождено.
func (r *PostgresRepository) PutMember(ctx context.Context, memberID int64, orgID *int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			m, err := lockMember(ctx, tx, memberID)
			if err != nil && !errors.Is(err, ErrMemberNotFound) {
				return err
			}

			if m != nil && m.Seated {
				same := orgID != nil && m.OrganisationID != nil && *orgID == *m.OrganisationID
				if !same {
					return ErrAlreadySeated
				}
				return nil
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO members (id, organisation_id) VALUES ($1, $2)
				 ON CONFLICT (id) DO UPDATE SET organisation_id = EXCLUDED.organisation_id, updated_at = now()`,
				memberID, orgID,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
					return ErrOrganisationNotFound
				}
				return fmt.Errorf("upsert member: %w", err)
			}
			return nil
		})
	})
}

// PutOrganisation сохраняет проекцию организации из внешнего каталога.
func (r *PostgresRepository) PutOrganisation(ctx context.Context, orgID int64, pricePerSeatCent int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO organisations (id, price_per_seat) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET price_per_seat = EXCLUDED.price_per_seat, updated_at = now()`,
			orgID, pricePerSeatCent,
		)
		if err != nil {
			return fmt.Errorf("upsert organisation: %w", err)
		}
		return nil
	})
}

// GetMember возвращает проекцию участника.
func (r *PostgresRepository) GetMember(ctx context.Context, memberID int64) (*model.Member, error) {
	var m model.Member
	var mType, mStatus string
	err := r.pool.QueryRow(ctx,
		`SELECT id, organisation_id, membership_type, membership_status, seated, updated_at
		 FROM members WHERE id = $1`,
		memberID,
	).Scan(&m.ID, &m.OrganisationID, &mType, &mStatus, &m.Seated, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrMemberNotFound, memberID)
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	m.Type = model.MembershipType(mType)
	m.Status = model.MembershipStatus(mStatus)
	return &m, nil
}

// GetOrganisation возвращает организацию вместе с состоянием подписки.
func (r *PostgresRepository) GetOrganisation(ctx context.Context, orgID int64) (*model.Organisation, error) {
	var o model.Organisation
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT id, subscription_status, total_seats, used_seats,
		        subscription_start_date, subscription_end_date, price_per_seat
		 FROM organisations WHERE id = $1`,
		orgID,
	).Scan(&o.ID, &status, &o.TotalSeats, &o.UsedSeats, &o.StartDate, &o.EndDate, &o.PricePerSeatCent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrOrganisationNotFound, orgID)
		}
		return nil, fmt.Errorf("get organisation: %w", err)
	}
	o.Status = model.SubscriptionStatus(status)
	return &o, nil
}

// AssignSeat сажает участника на место организации: счётчик занятых мест и
// флаги участника меняются в одной транзакции, либо не меняются вовсе.
func (r *PostgresRepository) AssignSeat(ctx context.Context, orgID, memberID int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}

			if org.Status == model.SubscriptionCancelPending || org.Status == model.SubscriptionCanceled {
				return ErrInvalidTransition
			}
			if org.AvailableSeats() <= 0 {
				return ErrNoSeatsAvailable
			}

			m, err := lockMember(ctx, tx, memberID)
			if err != nil {
				return err
			}
			if m.Seated {
				return ErrAlreadySeated
			}
			if m.OrganisationID == nil || *m.OrganisationID != orgID {
				return ErrNotInOrganisation
			}

			if _, err := tx.Exec(ctx,
				`UPDATE organisations SET used_seats = used_seats + 1, updated_at = now() WHERE id = $1`,
				orgID,
			); err != nil {
				return fmt.Errorf("increment used seats: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE members
				 SET membership_type = $2, membership_status = $3, seated = TRUE, updated_at = now()
				 WHERE id = $1`,
				memberID, string(model.MembershipFull), string(model.MembershipStatusActive),
			); err != nil {
				return fmt.Errorf("mark member seated: %w", err)
			}

			return nil
		})
	})
}

// RemoveSeat освобождает место участника. Снимается только оплаченное
// организацией повышение: собственный статус участника не трогаем.
func (r *PostgresRepository) RemoveSeat(ctx context.Context, orgID, memberID int64) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := lockOrganisation(ctx, tx, orgID); err != nil {
				return err
			}
			return removeSeatLocked(ctx, tx, orgID, memberID)
		})
	})
}

func removeSeatLocked(ctx context.Context, tx pgx.Tx, orgID, memberID int64) error {
	m, err := lockMember(ctx, tx, memberID)
	if err != nil {
		return err
	}
	if !m.Seated || m.OrganisationID == nil || *m.OrganisationID != orgID {
		return ErrNotSeated
	}

	if _, err := tx.Exec(ctx,
		`UPDATE organisations SET used_seats = used_seats - 1, updated_at = now() WHERE id = $1`,
		orgID,
	); err != nil {
		return fmt.Errorf("decrement used seats: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE members SET membership_type = $2, seated = FALSE, updated_at = now() WHERE id = $1`,
		memberID, string(model.MembershipAssociate),
	); err != nil {
		return fmt.Errorf("unseat member: %w", err)
	}

	return nil
}

// RemoveMemberFromOrganisation отвязывает участника от организации,
// предварительно освобождая его место, если оно занято. Возвращает признак
// того, что место было занято.
func (r *PostgresRepository) RemoveMemberFromOrganisation(ctx context.Context, orgID, memberID int64) (bool, error) {
	var hadSeat bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := lockOrganisation(ctx, tx, orgID); err != nil {
				return err
			}

			m, err := lockMember(ctx, tx, memberID)
			if err != nil {
				return err
			}
			if m.OrganisationID == nil || *m.OrganisationID != orgID {
				return ErrNotInOrganisation
			}

			hadSeat = m.Seated
			if m.Seated {
				if err := removeSeatLocked(ctx, tx, orgID, memberID); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(ctx,
				`UPDATE members SET organisation_id = NULL, updated_at = now() WHERE id = $1`,
				memberID,
			); err != nil {
				return fmt.Errorf("detach member: %w", err)
			}

			return nil
		})
	})
	return hadSeat, err
}

// ChangeSeatQuantity меняет размер пула мест. Сжатие ниже занятых мест
// запрещено всегда, расширение — во время и после отмены подписки.
func (r *PostgresRepository) ChangeSeatQuantity(ctx context.Context, orgID int64, newTotal int) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			org, err := lockOrganisation(ctx, tx, orgID)
			if err != nil {
				return err
			}

			if newTotal < org.UsedSeats {
				return ErrBelowUsedSeats
			}
			if newTotal > org.TotalSeats &&
				(org.Status == model.SubscriptionCancelPending || org.Status == model.SubscriptionCanceled) {
				return ErrInvalidTransition
			}

			if _, err := tx.Exec(ctx,
				`UPDATE organisations SET total_seats = $2, updated_at = now() WHERE id = $1`,
				orgID, newTotal,
			); err != nil {
				return fmt.Errorf("change seat quantity: %w", err)
			}

			return nil
		})
	})
}

// SeatRepair описывает исправленный дрейф счётчика занятых мест.
type SeatRepair struct {
	OrgID     int64
	UsedSeats int
}

// RepairSeatCounts сверяет счётчики занятых мест с фактическим числом
// посаженных участников и чинит расхождения.
func (r *PostgresRepository) RepairSeatCounts(ctx context.Context) ([]SeatRepair, error) {
	var res []SeatRepair
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`UPDATE organisations o
			 SET used_seats = c.actual, updated_at = now()
			 FROM (
			     SELECT o2.id, COUNT(m.id) AS actual
			     FROM organisations o2
			     LEFT JOIN members m ON m.organisation_id = o2.id AND m.seated
			     GROUP BY o2.id
			 ) c
			 WHERE c.id = o.id AND o.used_seats <> c.actual
			 RETURNING o.id, o.used_seats`,
		)
		if err != nil {
			return fmt.Errorf("repair seat counts: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var rep SeatRepair
			if err := rows.Scan(&rep.OrgID, &rep.UsedSeats); err != nil {
				return fmt.Errorf("scan repair: %w", err)
			}
			res = append(res, rep)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
