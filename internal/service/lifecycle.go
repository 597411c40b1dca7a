package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/membership-system/internal/model"
	"github.com/mmeshcher/membership-system/internal/notify"
	"github.com/mmeshcher/membership-system/internal/repository"
)

// Lifecycle реализует машину состояний подписки организации.
type Lifecycle struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger

	// подменяется в тестах
	now func() time.Time
}

// NewLifecycle создаёт контроллер жизненного цикла подписки.
func NewLifecycle(repo Repository, notifier Notifier, logger *zap.Logger) *Lifecycle {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Lifecycle{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Activate регистрирует подписку организации с указанным числом мест.
func (l *Lifecycle) Activate(ctx context.Context, orgID int64, seatCount int, startDate time.Time) error {
	if seatCount < 0 {
		return errors.New("seat count must not be negative")
	}
	return l.repo.Activate(ctx, orgID, seatCount, startDate)
}

// MarkPastDue помечает подписку как просроченную по оплате.
func (l *Lifecycle) MarkPastDue(ctx context.Context, orgID int64) error {
	return l.repo.MarkPastDue(ctx, orgID)
}

// RecoverPayment возвращает просроченную подписку в активное состояние.
func (l *Lifecycle) RecoverPayment(ctx context.Context, orgID int64) error {
	return l.repo.RecoverPayment(ctx, orgID)
}

// RequestCancel запрашивает отмену подписки с указанной датой окончания.
// Места остаются занятыми: финализацию по границе периода выполняет
// внешний планировщик через FinalizeCancellation.
func (l *Lifecycle) RequestCancel(ctx context.Context, orgID int64, endDate time.Time) error {
	if err := l.repo.RequestCancel(ctx, orgID, endDate); err != nil {
		return err
	}
	l.notifier.Enqueue(notify.EventCancelRequested, orgID, nil)
	return nil
}

// Reactivate возвращает подписку из cancel_pending в active до наступления
// даты окончания.
func (l *Lifecycle) Reactivate(ctx context.Context, orgID int64) error {
	if err := l.repo.Reactivate(ctx, orgID, l.now()); err != nil {
		return err
	}
	l.notifier.Enqueue(notify.EventReactivated, orgID, nil)
	return nil
}

// FinalizeCancellation переводит подписку в терминальное состояние и
// освобождает все места организации.
func (l *Lifecycle) FinalizeCancellation(ctx context.Context, orgID int64) error {
	unseated, err := l.repo.FinalizeCancellation(ctx, orgID, l.now())
	if err != nil {
		return err
	}

	l.notifier.Enqueue(notify.EventCancellationFinalized, orgID, nil)
	for _, memberID := range unseated {
		id := memberID
		l.notifier.Enqueue(notify.EventSeatRemoved, orgID, &id)
	}
	return nil
}

// GetSubscriptionState возвращает текущее состояние подписки организации.
func (l *Lifecycle) GetSubscriptionState(ctx context.Context, orgID int64) (*model.Organisation, error) {
	return l.repo.GetOrganisation(ctx, orgID)
}

// ApplyBillingEvent применяет абстрактное событие платёжного процессора.
// Событие, неприменимое к текущему состоянию, логируется и игнорируется:
// процессор повторяет доставку, и повтор не должен превращаться в ошибку.
func (l *Lifecycle) ApplyBillingEvent(ctx context.Context, ev model.BillingEvent) error {
	var err error
	switch ev.Type {
	case model.BillingPaymentSucceeded:
		err = l.repo.RecoverPayment(ctx, ev.OrgID)
	case model.BillingPaymentFailed:
		err = l.repo.MarkPastDue(ctx, ev.OrgID)
	case model.BillingSubscriptionCanceled:
		err = l.RequestCancel(ctx, ev.OrgID, ev.Timestamp)
	default:
		return fmt.Errorf("unknown billing event type %q", ev.Type)
	}

	if errors.Is(err, repository.ErrInvalidTransition) {
		l.logger.Info("billing event ignored in current state",
			zap.String("type", string(ev.Type)),
			zap.Int64("orgID", ev.OrgID),
		)
		return nil
	}

	return err
}
