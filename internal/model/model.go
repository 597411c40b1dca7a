// Package model содержит доменные сущности сервиса членства.
package model

import "time"

// MembershipType описывает уровень членства участника.
type MembershipType string

const (
	MembershipAssociate MembershipType = "ASSOCIATE"
	MembershipFull      MembershipType = "FULL"
)

// MembershipStatus описывает статус членства участника.
type MembershipStatus string

const (
	MembershipStatusPending   MembershipStatus = "PENDING"
	MembershipStatusActive    MembershipStatus = "ACTIVE"
	MembershipStatusSuspended MembershipStatus = "SUSPENDED"
)

// Member представляет проекцию записи участника из внешнего каталога.
// Сервис изменяет только поля, связанные с местами и уровнем членства.
type Member struct {
	ID             int64
	OrganisationID *int64
	Type           MembershipType
	Status         MembershipStatus
	Seated         bool
	UpdatedAt      time.Time
}

// SubscriptionStatus описывает состояние подписки организации.
type SubscriptionStatus string

const (
	SubscriptionUnregistered  SubscriptionStatus = "UNREGISTERED"
	SubscriptionActive        SubscriptionStatus = "ACTIVE"
	SubscriptionPastDue       SubscriptionStatus = "PAST_DUE"
	SubscriptionCancelPending SubscriptionStatus = "CANCEL_PENDING"
	SubscriptionCanceled      SubscriptionStatus = "CANCELED"
)

// Organisation представляет организацию и её пул оплаченных мест.
// Число свободных мест не хранится и всегда вычисляется как разность.
type Organisation struct {
	ID               int64
	Status           SubscriptionStatus
	TotalSeats       int
	UsedSeats        int
	StartDate        *time.Time
	EndDate          *time.Time
	PricePerSeatCent int64
}

// AvailableSeats возвращает число свободных мест организации.
func (o *Organisation) AvailableSeats() int {
	return o.TotalSeats - o.UsedSeats
}

// TransactionType описывает тип операции по счёту кредитов.
type TransactionType string

const (
	TransactionAllocation  TransactionType = "ALLOCATION"
	TransactionConsumption TransactionType = "CONSUMPTION"
	TransactionAdjustment  TransactionType = "ADJUSTMENT"
)

// CreditTransaction описывает одну запись в журнале кредитов участника.
// Суммы хранятся в сотых долях часа. Записи не редактируются задним числом:
// исправление — это новая корректирующая запись.
type CreditTransaction struct {
	ID            int64
	MemberID      int64
	Type          TransactionType
	AmountCent    int64
	BalanceAfter  int64
	Reason        string
	RelatedEntity *string
	CreatedAt     time.Time
}

// CreditAccount описывает счёт кредитов участника. Баланс поддерживается
// как бегущий итог и обязан совпадать с суммой всех записей журнала.
type CreditAccount struct {
	MemberID             int64
	BalanceCent          int64
	WelcomeBonusGranted  bool
	LastAllocationPeriod *string
}

// Balance содержит баланс кредитов участника в часах для выдачи наружу.
type Balance struct {
	Current float64 `json:"current"`
}

// SeatSummary содержит сводку по местам организации для выдачи наружу.
type SeatSummary struct {
	TotalSeats     int `json:"total_seats"`
	UsedSeats      int `json:"used_seats"`
	AvailableSeats int `json:"available_seats"`
}

// BillingEventType описывает тип события от внешнего платёжного процессора.
type BillingEventType string

const (
	BillingPaymentSucceeded     BillingEventType = "payment_succeeded"
	BillingPaymentFailed        BillingEventType = "payment_failed"
	BillingSubscriptionCanceled BillingEventType = "subscription_canceled"
)

// BillingEvent описывает абстрактное событие биллинга. Разбор формата
// конкретного процессора выполняет внешний коллаборатор.
type BillingEvent struct {
	Type      BillingEventType
	OrgID     int64
	Timestamp time.Time
}
