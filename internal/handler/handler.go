// Package handler содержит HTTP-обработчики API сервиса членства.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/membership-system/internal/middleware"
	"github.com/mmeshcher/membership-system/internal/model"
	"github.com/mmeshcher/membership-system/internal/repository"
	"github.com/mmeshcher/membership-system/internal/validation"
)

// LedgerService определяет контракт журнала кредитов, используемый обработчиками.
type LedgerService interface {
	GrantWelcomeBonus(ctx context.Context, memberID int64) (*model.Balance, error)
	AllocateMonthly(ctx context.Context, memberID int64, period string, hours float64) (*model.Balance, error)
	Consume(ctx context.Context, memberID int64, hours float64, reason string, relatedEntity, operationKey string) (*model.Balance, error)
	Adjust(ctx context.Context, memberID int64, hours float64, reason string) (*model.Balance, error)
	GetBalance(ctx context.Context, memberID int64) (*model.Balance, error)
	GetLedger(ctx context.Context, memberID int64) ([]model.CreditTransaction, error)
}

// SeatService определяет контракт пула мест, используемый обработчиками.
type SeatService interface {
	AssignSeat(ctx context.Context, orgID, memberID int64) error
	RemoveSeat(ctx context.Context, orgID, memberID int64) error
	RemoveMemberFromOrganisation(ctx context.Context, orgID, memberID int64) error
	ChangeSeatQuantity(ctx context.Context, orgID int64, newTotal int) error
	GetSeatSummary(ctx context.Context, orgID int64) (*model.SeatSummary, error)
	PutMember(ctx context.Context, memberID int64, orgID *int64) error
	PutOrganisation(ctx context.Context, orgID int64, pricePerSeatCent int64) error
}

// LifecycleService определяет контракт машины состояний подписки.
type LifecycleService interface {
	Activate(ctx context.Context, orgID int64, seatCount int, startDate time.Time) error
	RequestCancel(ctx context.Context, orgID int64, endDate time.Time) error
	Reactivate(ctx context.Context, orgID int64) error
	FinalizeCancellation(ctx context.Context, orgID int64) error
	GetSubscriptionState(ctx context.Context, orgID int64) (*model.Organisation, error)
	ApplyBillingEvent(ctx context.Context, ev model.BillingEvent) error
}

// Handler реализует HTTP-обработчики API сервиса членства.
type Handler struct {
	ledger         LedgerService
	seats          SeatService
	lifecycle      LifecycleService
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(ledger LedgerService, seats SeatService, lifecycle LifecycleService, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		ledger:         ledger,
		seats:          seats,
		lifecycle:      lifecycle,
		logger:         logger,
		authMiddleware: auth,
	}
}

func urlID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeServiceError переводит ошибки доменного слоя в HTTP-статусы.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, repository.ErrMemberNotFound),
		errors.Is(err, repository.ErrOrganisationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrInvalidAdjustment):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrNoSeatsAvailable),
		errors.Is(err, repository.ErrAlreadySeated),
		errors.Is(err, repository.ErrNotSeated),
		errors.Is(err, repository.ErrBelowUsedSeats),
		errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, repository.ErrNotInOrganisation):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrServiceUnavailable):
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GrantWelcomeBonus однократно начисляет приветственный бонус участнику.
func (h *Handler) GrantWelcomeBonus(w http.ResponseWriter, r *http.Request) {
	memberID, ok := urlID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.ledger.GrantWelcomeBonus(r.Context(), memberID)
	if err != nil {
		h.writeServiceError(w, err, "grant welcome bonus")
		return
	}

	h.writeJSON(w, balance)
}

type allocateRequest struct {
	Period string  `json:"period"`
	Amount float64 `json:"amount"`
}

// AllocateMonthly начисляет участнику кредиты за расчётный период.
func (h *Handler) AllocateMonthly(w http.ResponseWriter, r *http.Request) {
	memberID, ok := urlID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidPeriod(req.Period) {
		http.Error(w, "invalid period", http.StatusUnprocessableEntity)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	balance, err := h.ledger.AllocateMonthly(r.Context(), memberID, req.Period, req.Amount)
	if err != nil {
		h.writeServiceError(w, err, "allocate monthly")
		return
	}

	h.writeJSON(w, balance)
}

type consumeRequest struct {
	Amount        float64 `json:"amount"`
	Reason        string  `json:"reason"`
	RelatedEntity string  `json:"related_entity,omitempty"`
	OperationKey  string  `json:"operation_key,omitempty"`
}

// Consume списывает кредиты участника.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	memberID, ok := urlID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 || req.Reason == "" {
		http.Error(w, "amount must be positive and reason non-empty", http.StatusBadRequest)
		return
	}

	balance, err := h.ledger.Consume(r.Context(), memberID, req.Amount, req.Reason, req.RelatedEntity, req.OperationKey)
	if err != nil {
		h.writeServiceError(w, err, "consume")
		return
	}

	h.writeJSON(w, balance)
}

type adjustRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// Adjust применяет административную корректировку баланса.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	memberID, ok := urlID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount == 0 || req.Reason == "" {
		http.Error(w, "amount must be non-zero and reason non-empty", http.StatusBadRequest)
		return
	}

	balance, err := h.ledger.Adjust(r.Context(), memberID, req.Amount, req.Reason)
	if err != nil {
		h.writeServiceError(w, err, "adjust")
		return
	}

	h.writeJSON(w, balance)
}

// GetBalance возвращает текущий баланс участника.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := urlID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), memberID)
	if err != nil {
		h.writeServiceError(w, err, "get balance")
		return
	}

	h.writeJSON(w, balance)
}

type transactionResponse struct {
	ID            int64   `json:"id"`
	Type          string  `json:"type"`
	Amount        float64 `json:"amount"`
	BalanceAfter  float64 `json:"balance_after"`
	Reason        string  `json:"reason"`
	RelatedEntity *string `json:"related_entity,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// GetLedger возвращает журнал операций участника.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	memberID, ok := urlID(r, "memberID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txs, err := h.ledger.GetLedger(r.Context(), memberID)
	if err != nil {
		h.writeServiceError(w, err, "get ledger")
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, transactionResponse{
			ID:            tx.ID,
			Type:          string(tx.Type),
			Amount:        validation.FromCentihours(tx.AmountCent),
			BalanceAfter:  validation.FromCentihours(tx.BalanceAfter),
			Reason:        tx.Reason,
			RelatedEntity: tx.RelatedEntity,
			CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}

// GetSeatSummary возвращает сводку по местам организации.
func (h *Handler) GetSeatSummary(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.seats.GetSeatSummary(r.Context(), orgID)
	if err != nil {
		h.writeServiceError(w, err, "get seat summary")
		return
	}

	h.writeJSON(w, summary)
}

type seatQuantityRequest struct {
	TotalSeats int `json:"total_seats"`
}

// ChangeSeatQuantity меняет размер пула мест организации.
func (h *Handler) ChangeSeatQuantity(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req seatQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TotalSeats < 0 {
		http.Error(w, "total seats must not be negative", http.StatusBadRequest)
		return
	}

	if err := h.seats.ChangeSeatQuantity(r.Context(), orgID, req.TotalSeats); err != nil {
		h.writeServiceError(w, err, "change seat quantity")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type seatMemberRequest struct {
	MemberID int64 `json:"member_id"`
}

// AssignSeat сажает участника на свободное место организации.
func (h *Handler) AssignSeat(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req seatMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MemberID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.seats.AssignSeat(r.Context(), orgID, req.MemberID); err != nil {
		h.writeServiceError(w, err, "assign seat")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemoveSeat освобождает место участника.
func (h *Handler) RemoveSeat(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req seatMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MemberID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.seats.RemoveSeat(r.Context(), orgID, req.MemberID); err != nil {
		h.writeServiceError(w, err, "remove seat")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemoveMember отвязывает участника от организации.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID, okOrg := urlID(r, "orgID")
	memberID, okMember := urlID(r, "memberID")
	if !okOrg || !okMember {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.seats.RemoveMemberFromOrganisation(r.Context(), orgID, memberID); err != nil {
		h.writeServiceError(w, err, "remove member")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type subscriptionResponse struct {
	Status         string  `json:"status"`
	TotalSeats     int     `json:"total_seats"`
	UsedSeats      int     `json:"used_seats"`
	AvailableSeats int     `json:"available_seats"`
	StartDate      *string `json:"start_date,omitempty"`
	EndDate        *string `json:"end_date,omitempty"`
}

// GetSubscription возвращает состояние подписки организации.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	org, err := h.lifecycle.GetSubscriptionState(r.Context(), orgID)
	if err != nil {
		h.writeServiceError(w, err, "get subscription")
		return
	}

	resp := subscriptionResponse{
		Status:         string(org.Status),
		TotalSeats:     org.TotalSeats,
		UsedSeats:      org.UsedSeats,
		AvailableSeats: org.AvailableSeats(),
	}
	if org.StartDate != nil {
		s := org.StartDate.Format(time.RFC3339)
		resp.StartDate = &s
	}
	if org.EndDate != nil {
		s := org.EndDate.Format(time.RFC3339)
		resp.EndDate = &s
	}

	h.writeJSON(w, resp)
}

type activateRequest struct {
	Seats     int    `json:"seats"`
	StartDate string `json:"start_date"`
}

// Activate регистрирует подписку организации.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	startDate, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil || req.Seats < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.lifecycle.Activate(r.Context(), orgID, req.Seats, startDate); err != nil {
		h.writeServiceError(w, err, "activate")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type cancelRequest struct {
	EndDate string `json:"end_date"`
}

// RequestCancel запрашивает отмену подписки организации.
func (h *Handler) RequestCancel(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	endDate, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.lifecycle.RequestCancel(r.Context(), orgID, endDate); err != nil {
		h.writeServiceError(w, err, "request cancel")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Reactivate возвращает подписку из ожидания отмены в активное состояние.
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.lifecycle.Reactivate(r.Context(), orgID); err != nil {
		h.writeServiceError(w, err, "reactivate")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// FinalizeCancellation переводит подписку в терминальное состояние.
// Вызывается внешним планировщиком по границе оплаченного периода.
func (h *Handler) FinalizeCancellation(w http.ResponseWriter, r *http.Request) {
	orgID, ok := urlID(r, "orgID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.lifecycle.FinalizeCancellation(r.Context(), orgID); err != nil {
		h.writeServiceError(w, err, "finalize cancellation")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type billingEventRequest struct {
	Type      string `json:"type"`
	OrgID     int64  `json:"org_id"`
	Timestamp string `json:"timestamp"`
}

// BillingEvent принимает абстрактное событие платёжного процессора.
func (h *Handler) BillingEvent(w http.ResponseWriter, r *http.Request) {
	var req billingEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrgID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	evType := model.BillingEventType(req.Type)
	switch evType {
	case model.BillingPaymentSucceeded, model.BillingPaymentFailed, model.BillingSubscriptionCanceled:
	default:
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev := model.BillingEvent{Type: evType, OrgID: req.OrgID, Timestamp: ts}
	if err := h.lifecycle.ApplyBillingEvent(r.Context(), ev); err != nil {
		h.writeServiceError(w, err, "billing event")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type putMemberRequest struct {
	ID             int64  `json:"id"`
	OrganisationID *int64 `json:"organisation_id,omitempty"`
}

// PutMember сохраняет проекцию участника из внешнего каталога.
func (h *Handler) PutMember(w http.ResponseWriter, r *http.Request) {
	var req putMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.seats.PutMember(r.Context(), req.ID, req.OrganisationID); err != nil {
		h.writeServiceError(w, err, "put member")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type putOrganisationRequest struct {
	ID           int64   `json:"id"`
	PricePerSeat float64 `json:"price_per_seat,omitempty"`
}

// PutOrganisation сохраняет проекцию организации из внешнего каталога.
func (h *Handler) PutOrganisation(w http.ResponseWriter, r *http.Request) {
	var req putOrganisationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	priceCents := int64(req.PricePerSeat * 100)
	if err := h.seats.PutOrganisation(r.Context(), req.ID, priceCents); err != nil {
		h.writeServiceError(w, err, "put organisation")
		return
	}

	w.WriteHeader(http.StatusOK)
}
