// Package service реализует бизнес-логику сервиса членства: журнал кредитов,
// пул мест организаций и жизненный цикл подписки.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/membership-system/internal/model"
	"github.com/mmeshcher/membership-system/internal/notify"
	"github.com/mmeshcher/membership-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисами.
type Repository interface {
	Close() error

	GrantWelcomeBonus(ctx context.Context, memberID int64, amountCent int64) (int64, error)
	AllocateMonthly(ctx context.Context, memberID int64, period string, amountCent int64) (int64, error)
	Consume(ctx context.Context, memberID int64, amountCent int64, reason string, relatedEntity *string, operationKey *uuid.UUID) (int64, error)
	Adjust(ctx context.Context, memberID int64, amountCent int64, reason string) (int64, error)
	GetBalance(ctx context.Context, memberID int64) (int64, error)
	GetLedger(ctx context.Context, memberID int64) ([]model.CreditTransaction, error)
	ListBalanceMismatches(ctx context.Context, limit int) ([]repository.BalanceMismatch, error)

	PutMember(ctx context.Context, memberID int64, orgID *int64) error
	PutOrganisation(ctx context.Context, orgID int64, pricePerSeatCent int64) error
	GetMember(ctx context.Context, memberID int64) (*model.Member, error)
	GetOrganisation(ctx context.Context, orgID int64) (*model.Organisation, error)
	AssignSeat(ctx context.Context, orgID, memberID int64) error
	RemoveSeat(ctx context.Context, orgID, memberID int64) error
	RemoveMemberFromOrganisation(ctx context.Context, orgID, memberID int64) (bool, error)
	ChangeSeatQuantity(ctx context.Context, orgID int64, newTotal int) error
	RepairSeatCounts(ctx context.Context) ([]repository.SeatRepair, error)

	Activate(ctx context.Context, orgID int64, seatCount int, startDate time.Time) error
	MarkPastDue(ctx context.Context, orgID int64) error
	RecoverPayment(ctx context.Context, orgID int64) error
	RequestCancel(ctx context.Context, orgID int64, endDate time.Time) error
	Reactivate(ctx context.Context, orgID int64, now time.Time) error
	FinalizeCancellation(ctx context.Context, orgID int64, now time.Time) ([]int64, error)
}

// Notifier описывает контракт очереди уведомлений. Постановка в очередь не
// блокирует и не возвращает ошибок: доставка — отдельная забота.
type Notifier interface {
	Enqueue(event notify.Event, orgID int64, memberID *int64)
}

type nopNotifier struct{}

func (nopNotifier) Enqueue(event notify.Event, orgID int64, memberID *int64) {}
