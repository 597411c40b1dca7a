package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/membership-system/internal/model"
	"github.com/mmeshcher/membership-system/internal/validation"
)

const (
	auditInterval  = time.Minute
	auditBatchSize = 100
)

// Ledger реализует операции над журналом кредитов участников.
type Ledger struct {
	repo             Repository
	logger           *zap.Logger
	welcomeBonusCent int64
}

// NewLedger создаёт сервис журнала кредитов с указанным размером
// приветственного бонуса в часах.
func NewLedger(repo Repository, logger *zap.Logger, welcomeBonusHours float64) *Ledger {
	return &Ledger{
		repo:             repo,
		logger:           logger,
		welcomeBonusCent: validation.ToCentihours(welcomeBonusHours),
	}
}

// GrantWelcomeBonus однократно начисляет приветственный бонус.
// Повторные вызовы возвращают текущий баланс без изменений.
func (l *Ledger) GrantWelcomeBonus(ctx context.Context, memberID int64) (*model.Balance, error) {
	balance, err := l.repo.GrantWelcomeBonus(ctx, memberID, l.welcomeBonusCent)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: validation.FromCentihours(balance)}, nil
}

// AllocateMonthly начисляет кредиты за расчётный период, не более одного
// раза за период независимо от числа вызовов планировщика.
func (l *Ledger) AllocateMonthly(ctx context.Context, memberID int64, period string, hours float64) (*model.Balance, error) {
	if !validation.IsValidPeriod(period) {
		return nil, fmt.Errorf("invalid period %q", period)
	}
	if hours <= 0 {
		return nil, errors.New("allocation amount must be positive")
	}

	balance, err := l.repo.AllocateMonthly(ctx, memberID, period, validation.ToCentihours(hours))
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: validation.FromCentihours(balance)}, nil
}

// Consume списывает кредиты участника. Необязательный ключ операции делает
// повтор после таймаута безопасным.
func (l *Ledger) Consume(ctx context.Context, memberID int64, hours float64, reason string, relatedEntity, operationKey string) (*model.Balance, error) {
	if hours <= 0 {
		return nil, errors.New("consume amount must be positive")
	}
	if reason == "" {
		return nil, errors.New("reason must not be empty")
	}

	var related *string
	if relatedEntity != "" {
		related = &relatedEntity
	}

	var key *uuid.UUID
	if operationKey != "" {
		parsed, err := uuid.Parse(operationKey)
		if err != nil {
			return nil, fmt.Errorf("invalid operation key: %w", err)
		}
		key = &parsed
	}

	balance, err := l.repo.Consume(ctx, memberID, validation.ToCentihours(hours), reason, related, key)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: validation.FromCentihours(balance)}, nil
}

// Adjust применяет административную корректировку со знаком.
func (l *Ledger) Adjust(ctx context.Context, memberID int64, hours float64, reason string) (*model.Balance, error) {
	if hours == 0 {
		return nil, errors.New("adjustment amount must not be zero")
	}
	if reason == "" {
		return nil, errors.New("reason must not be empty")
	}

	balance, err := l.repo.Adjust(ctx, memberID, validation.ToCentihours(hours), reason)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: validation.FromCentihours(balance)}, nil
}

// GetBalance возвращает текущий баланс участника в часах.
func (l *Ledger) GetBalance(ctx context.Context, memberID int64) (*model.Balance, error) {
	balance, err := l.repo.GetBalance(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: validation.FromCentihours(balance)}, nil
}

// GetLedger возвращает журнал операций участника для отображения и аудита.
func (l *Ledger) GetLedger(ctx context.Context, memberID int64) ([]model.CreditTransaction, error) {
	return l.repo.GetLedger(ctx, memberID)
}

// RunAudit периодически сверяет бегущие итоги счетов с суммами журналов
// до отмены контекста. Расхождение — сигнал о баге, чинится ручной
// корректировкой, поэтому здесь только лог.
func (l *Ledger) RunAudit(ctx context.Context) {
	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mismatches, err := l.repo.ListBalanceMismatches(ctx, auditBatchSize)
			if err != nil {
				l.logger.Warn("ledger audit failed", zap.Error(err))
				continue
			}
			for _, m := range mismatches {
				l.logger.Error("ledger sum mismatch",
					zap.Int64("memberID", m.MemberID),
					zap.Int64("balance", m.Balance),
					zap.Int64("ledgerSum", m.LedgerSum),
				)
			}
		}
	}
}
