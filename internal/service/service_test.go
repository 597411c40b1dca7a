package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/membership-system/internal/model"
	"github.com/mmeshcher/membership-system/internal/notify"
	"github.com/mmeshcher/membership-system/internal/repository"
)

// memRepo — эталонная реализация Repository в памяти. Один мьютекс играет
// роль блокировок строк: операции сериализуются так же, как транзакции
// с FOR UPDATE в PostgreSQL.
type memRepo struct {
	mu       sync.Mutex
	members  map[int64]*model.Member
	orgs     map[int64]*model.Organisation
	accounts map[int64]*model.CreditAccount
	ledgers  map[int64][]model.CreditTransaction
	opKeys   map[uuid.UUID]bool
	nextTxID int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		members:  make(map[int64]*model.Member),
		orgs:     make(map[int64]*model.Organisation),
		accounts: make(map[int64]*model.CreditAccount),
		ledgers:  make(map[int64][]model.CreditTransaction),
		opKeys:   make(map[uuid.UUID]bool),
	}
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) account(memberID int64) (*model.CreditAccount, error) {
	if _, ok := r.members[memberID]; !ok {
		return nil, repository.ErrMemberNotFound
	}
	a, ok := r.accounts[memberID]
	if !ok {
		a = &model.CreditAccount{MemberID: memberID}
		r.accounts[memberID] = a
	}
	return a, nil
}

func (r *memRepo) appendTx(memberID int64, txType model.TransactionType, amount, after int64, reason string, related *string) {
	r.nextTxID++
	r.ledgers[memberID] = append(r.ledgers[memberID], model.CreditTransaction{
		ID:            r.nextTxID,
		MemberID:      memberID,
		Type:          txType,
		AmountCent:    amount,
		BalanceAfter:  after,
		Reason:        reason,
		RelatedEntity: related,
		CreatedAt:     time.Now(),
	})
}

func (r *memRepo) GrantWelcomeBonus(ctx context.Context, memberID int64, amountCent int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.account(memberID)
	if err != nil {
		return 0, err
	}
	if a.WelcomeBonusGranted {
		return a.BalanceCent, nil
	}

	a.WelcomeBonusGranted = true
	a.BalanceCent += amountCent
	r.appendTx(memberID, model.TransactionAllocation, amountCent, a.BalanceCent, "welcome bonus", nil)
	return a.BalanceCent, nil
}

func (r *memRepo) AllocateMonthly(ctx context.Context, memberID int64, period string, amountCent int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.account(memberID)
	if err != nil {
		return 0, err
	}
	if a.LastAllocationPeriod != nil && *a.LastAllocationPeriod >= period {
		return a.BalanceCent, nil
	}

	p := period
	a.LastAllocationPeriod = &p
	a.BalanceCent += amountCent
	r.appendTx(memberID, model.TransactionAllocation, amountCent, a.BalanceCent, "monthly allocation "+period, nil)
	return a.BalanceCent, nil
}

func (r *memRepo) Consume(ctx context.Context, memberID int64, amountCent int64, reason string, relatedEntity *string, operationKey *uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.account(memberID)
	if err != nil {
		return 0, err
	}
	if operationKey != nil && r.opKeys[*operationKey] {
		return a.BalanceCent, nil
	}
	if amountCent > a.BalanceCent {
		return 0, repository.ErrInsufficientBalance
	}

	a.BalanceCent -= amountCent
	if operationKey != nil {
		r.opKeys[*operationKey] = true
	}
	r.appendTx(memberID, model.TransactionConsumption, -amountCent, a.BalanceCent, reason, relatedEntity)
	return a.BalanceCent, nil
}

func (r *memRepo) Adjust(ctx context.Context, memberID int64, amountCent int64, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.account(memberID)
	if err != nil {
		return 0, err
	}
	if a.BalanceCent+amountCent < 0 {
		return 0, repository.ErrInvalidAdjustment
	}

	a.BalanceCent += amountCent
	r.appendTx(memberID, model.TransactionAdjustment, amountCent, a.BalanceCent, reason, nil)
	return a.BalanceCent, nil
}

func (r *memRepo) GetBalance(ctx context.Context, memberID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[memberID]; !ok {
		return 0, repository.ErrMemberNotFound
	}
	if a, ok := r.accounts[memberID]; ok {
		return a.BalanceCent, nil
	}
	return 0, nil
}

func (r *memRepo) GetLedger(ctx context.Context, memberID int64) ([]model.CreditTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[memberID]; !ok {
		return nil, repository.ErrMemberNotFound
	}
	res := make([]model.CreditTransaction, len(r.ledgers[memberID]))
	copy(res, r.ledgers[memberID])
	return res, nil
}

func (r *memRepo) ListBalanceMismatches(ctx context.Context, limit int) ([]repository.BalanceMismatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []repository.BalanceMismatch
	for id, a := range r.accounts {
		var sum int64
		for _, t := range r.ledgers[id] {
			sum += t.AmountCent
		}
		if sum != a.BalanceCent {
			res = append(res, repository.BalanceMismatch{MemberID: id, Balance: a.BalanceCent, LedgerSum: sum})
		}
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (r *memRepo) PutMember(ctx context.Context, memberID int64, orgID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if orgID != nil {
		if _, ok := r.orgs[*orgID]; !ok {
			return repository.ErrOrganisationNotFound
		}
	}

	m, ok := r.members[memberID]
	if !ok {
		r.members[memberID] = &model.Member{
			ID:             memberID,
			OrganisationID: orgID,
			Type:           model.MembershipAssociate,
			Status:         model.MembershipStatusPending,
		}
		return nil
	}

	if m.Seated {
		same := orgID != nil && m.OrganisationID != nil && *orgID == *m.OrganisationID
		if !same {
			return repository.ErrAlreadySeated
		}
		return nil
	}

	m.OrganisationID = orgID
	return nil
}

func (r *memRepo) PutOrganisation(ctx context.Context, orgID int64, pricePerSeatCent int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.orgs[orgID]; ok {
		o.PricePerSeatCent = pricePerSeatCent
		return nil
	}
	r.orgs[orgID] = &model.Organisation{
		ID:               orgID,
		Status:           model.SubscriptionUnregistered,
		PricePerSeatCent: pricePerSeatCent,
	}
	return nil
}

func (r *memRepo) GetMember(ctx context.Context, memberID int64) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[memberID]
	if !ok {
		return nil, repository.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memRepo) GetOrganisation(ctx context.Context, orgID int64) (*model.Organisation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return nil, repository.ErrOrganisationNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) AssignSeat(ctx context.Context, orgID, memberID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	if o.Status == model.SubscriptionCancelPending || o.Status == model.SubscriptionCanceled {
		return repository.ErrInvalidTransition
	}
	if o.AvailableSeats() <= 0 {
		return repository.ErrNoSeatsAvailable
	}

	m, ok := r.members[memberID]
	if !ok {
		return repository.ErrMemberNotFound
	}
	if m.Seated {
		return repository.ErrAlreadySeated
	}
	if m.OrganisationID == nil || *m.OrganisationID != orgID {
		return repository.ErrNotInOrganisation
	}

	o.UsedSeats++
	m.Type = model.MembershipFull
	m.Status = model.MembershipStatusActive
	m.Seated = true
	return nil
}

func (r *memRepo) removeSeatLocked(orgID, memberID int64) error {
	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	m, ok := r.members[memberID]
	if !ok {
		return repository.ErrMemberNotFound
	}
	if !m.Seated || m.OrganisationID == nil || *m.OrganisationID != orgID {
		return repository.ErrNotSeated
	}

	o.UsedSeats--
	m.Type = model.MembershipAssociate
	m.Seated = false
	return nil
}

func (r *memRepo) RemoveSeat(ctx context.Context, orgID, memberID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeSeatLocked(orgID, memberID)
}

func (r *memRepo) RemoveMemberFromOrganisation(ctx context.Context, orgID, memberID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orgs[orgID]; !ok {
		return false, repository.ErrOrganisationNotFound
	}
	m, ok := r.members[memberID]
	if !ok {
		return false, repository.ErrMemberNotFound
	}
	if m.OrganisationID == nil || *m.OrganisationID != orgID {
		return false, repository.ErrNotInOrganisation
	}

	hadSeat := m.Seated
	if m.Seated {
		if err := r.removeSeatLocked(orgID, memberID); err != nil {
			return false, err
		}
	}
	m.OrganisationID = nil
	return hadSeat, nil
}

func (r *memRepo) ChangeSeatQuantity(ctx context.Context, orgID int64, newTotal int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	if newTotal < o.UsedSeats {
		return repository.ErrBelowUsedSeats
	}
	if newTotal > o.TotalSeats &&
		(o.Status == model.SubscriptionCancelPending || o.Status == model.SubscriptionCanceled) {
		return repository.ErrInvalidTransition
	}

	o.TotalSeats = newTotal
	return nil
}

func (r *memRepo) RepairSeatCounts(ctx context.Context) ([]repository.SeatRepair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []repository.SeatRepair
	for id, o := range r.orgs {
		actual := 0
		for _, m := range r.members {
			if m.Seated && m.OrganisationID != nil && *m.OrganisationID == id {
				actual++
			}
		}
		if actual != o.UsedSeats {
			o.UsedSeats = actual
			res = append(res, repository.SeatRepair{OrgID: id, UsedSeats: actual})
		}
	}
	return res, nil
}

func (r *memRepo) Activate(ctx context.Context, orgID int64, seatCount int, startDate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	if o.Status != model.SubscriptionUnregistered {
		return repository.ErrInvalidTransition
	}

	o.Status = model.SubscriptionActive
	o.TotalSeats = seatCount
	o.StartDate = &startDate
	return nil
}

func (r *memRepo) MarkPastDue(ctx context.Context, orgID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	if o.Status != model.SubscriptionActive {
		return repository.ErrInvalidTransition
	}
	o.Status = model.SubscriptionPastDue
	return nil
}

func (r *memRepo) RecoverPayment(ctx context.Context, orgID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	if o.Status != model.SubscriptionPastDue {
		return repository.ErrInvalidTransition
	}
	o.Status = model.SubscriptionActive
	return nil
}

func (r *memRepo) RequestCancel(ctx context.Context, orgID int64, endDate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	if o.Status != model.SubscriptionActive && o.Status != model.SubscriptionPastDue {
		return repository.ErrInvalidTransition
	}
	o.Status = model.SubscriptionCancelPending
	o.EndDate = &endDate
	return nil
}

func (r *memRepo) Reactivate(ctx context.Context, orgID int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return repository.ErrOrganisationNotFound
	}
	if o.Status != model.SubscriptionCancelPending || o.EndDate == nil || !now.Before(*o.EndDate) {
		return repository.ErrInvalidTransition
	}
	o.Status = model.SubscriptionActive
	o.EndDate = nil
	return nil
}

func (r *memRepo) FinalizeCancellation(ctx context.Context, orgID int64, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orgs[orgID]
	if !ok {
		return nil, repository.ErrOrganisationNotFound
	}
	if o.Status != model.SubscriptionCancelPending || o.EndDate == nil || now.Before(*o.EndDate) {
		return nil, repository.ErrInvalidTransition
	}

	var unseated []int64
	for id, m := range r.members {
		if m.Seated && m.OrganisationID != nil && *m.OrganisationID == orgID {
			m.Seated = false
			m.Type = model.MembershipAssociate
			unseated = append(unseated, id)
		}
	}
	o.Status = model.SubscriptionCanceled
	o.UsedSeats = 0
	return unseated, nil
}

// recordingNotifier запоминает поставленные в очередь намерения.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Enqueue(event notify.Event, orgID int64, memberID *int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count(event notify.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

// seedOrgWithMembers создаёт активную организацию с пулом мест и участников в ней.
func seedOrgWithMembers(r *memRepo, orgID int64, seats int, memberIDs ...int64) error {
	ctx := context.Background()
	if err := r.PutOrganisation(ctx, orgID, 1000); err != nil {
		return err
	}
	if err := r.Activate(ctx, orgID, seats, time.Now()); err != nil {
		return err
	}
	for _, id := range memberIDs {
		org := orgID
		if err := r.PutMember(ctx, id, &org); err != nil {
			return fmt.Errorf("put member %d: %w", id, err)
		}
	}
	return nil
}
