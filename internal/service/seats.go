package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/membership-system/internal/model"
	"github.com/mmeshcher/membership-system/internal/notify"
)

const sweepInterval = time.Minute

// SeatPool реализует операции над пулом оплаченных мест организации.
type SeatPool struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
}

// NewSeatPool создаёт сервис пула мест. Нулевой notifier допустим.
func NewSeatPool(repo Repository, notifier Notifier, logger *zap.Logger) *SeatPool {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &SeatPool{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// AssignSeat сажает участника на свободное место организации и повышает его
// до полного членства.
func (s *SeatPool) AssignSeat(ctx context.Context, orgID, memberID int64) error {
	if err := s.repo.AssignSeat(ctx, orgID, memberID); err != nil {
		return err
	}
	s.notifier.Enqueue(notify.EventSeatAssigned, orgID, &memberID)
	return nil
}

// RemoveSeat освобождает место участника и снимает оплаченное организацией
// повышение.
func (s *SeatPool) RemoveSeat(ctx context.Context, orgID, memberID int64) error {
	if err := s.repo.RemoveSeat(ctx, orgID, memberID); err != nil {
		return err
	}
	s.notifier.Enqueue(notify.EventSeatRemoved, orgID, &memberID)
	return nil
}

// RemoveMemberFromOrganisation отвязывает участника от организации, при
// необходимости освобождая его место.
func (s *SeatPool) RemoveMemberFromOrganisation(ctx context.Context, orgID, memberID int64) error {
	hadSeat, err := s.repo.RemoveMemberFromOrganisation(ctx, orgID, memberID)
	if err != nil {
		return err
	}
	if hadSeat {
		s.notifier.Enqueue(notify.EventSeatRemoved, orgID, &memberID)
	}
	return nil
}

// ChangeSeatQuantity меняет размер пула мест организации.
func (s *SeatPool) ChangeSeatQuantity(ctx context.Context, orgID int64, newTotal int) error {
	if newTotal < 0 {
		return errors.New("seat quantity must not be negative")
	}
	return s.repo.ChangeSeatQuantity(ctx, orgID, newTotal)
}

// GetSeatSummary возвращает сводку по местам организации.
func (s *SeatPool) GetSeatSummary(ctx context.Context, orgID int64) (*model.SeatSummary, error) {
	org, err := s.repo.GetOrganisation(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &model.SeatSummary{
		TotalSeats:     org.TotalSeats,
		UsedSeats:      org.UsedSeats,
		AvailableSeats: org.AvailableSeats(),
	}, nil
}

// PutMember сохраняет проекцию участника из внешнего каталога.
func (s *SeatPool) PutMember(ctx context.Context, memberID int64, orgID *int64) error {
	return s.repo.PutMember(ctx, memberID, orgID)
}

// PutOrganisation сохраняет проекцию организации из внешнего каталога.
func (s *SeatPool) PutOrganisation(ctx context.Context, orgID int64, pricePerSeatCent int64) error {
	return s.repo.PutOrganisation(ctx, orgID, pricePerSeatCent)
}

// RunOccupancySweep периодически чинит дрейф счётчиков занятых мест до
// отмены контекста. Каждое исправление логируется: в нормальной работе их
// быть не должно.
func (s *SeatPool) RunOccupancySweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repairs, err := s.repo.RepairSeatCounts(ctx)
			if err != nil {
				s.logger.Warn("occupancy sweep failed", zap.Error(err))
				continue
			}
			for _, rep := range repairs {
				s.logger.Warn("used seats counter repaired",
					zap.Int64("orgID", rep.OrgID),
					zap.Int("usedSeats", rep.UsedSeats),
				)
			}
		}
	}
}
