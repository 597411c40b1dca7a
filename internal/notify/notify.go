// Package notify отправляет намерения уведомлений внешнему диспетчеру.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Event описывает тип уведомляемого события.
type Event string

const (
	EventSeatAssigned          Event = "seat_assigned"
	EventSeatRemoved           Event = "seat_removed"
	EventCancelRequested       Event = "cancel_requested"
	EventReactivated           Event = "reactivated"
	EventCancellationFinalized Event = "cancellation_finalized"
)

// Intent описывает намерение отправить уведомление. Доставка — забота
// внешнего диспетчера: её провал логируется и никогда не откатывает
// состояние, породившее намерение.
type Intent struct {
	ID        uuid.UUID `json:"id"`
	Event     Event     `json:"event"`
	OrgID     int64     `json:"org_id"`
	MemberID  *int64    `json:"member_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher ставит намерения в очередь и доставляет их фоновым воркером.
type Dispatcher struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *zap.Logger
	queue   chan Intent
}

// NewDispatcher создаёт диспетчер уведомлений. Пустой адрес допустим:
// намерения тогда просто логируются и отбрасываются.
func NewDispatcher(baseURL string, logger *zap.Logger) *Dispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Dispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
		queue:   make(chan Intent, 256),
	}
}

// Enqueue ставит намерение в очередь, не блокируя вызывающего.
// Переполненная очередь — потеря уведомления, а не отказ операции.
func (d *Dispatcher) Enqueue(event Event, orgID int64, memberID *int64) {
	intent := Intent{
		ID:        uuid.New(),
		Event:     event,
		OrgID:     orgID,
		MemberID:  memberID,
		Timestamp: time.Now(),
	}

	select {
	case d.queue <- intent:
	default:
		d.logger.Warn("notification queue full, intent dropped",
			zap.String("event", string(event)),
			zap.Int64("orgID", orgID),
		)
	}
}

// Run доставляет намерения до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-d.queue:
			if err := d.send(ctx, intent); err != nil {
				d.logger.Error("notification delivery failed",
					zap.Error(err),
					zap.String("event", string(intent.Event)),
					zap.Int64("orgID", intent.OrgID),
				)
			}
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, intent Intent) error {
	if d.baseURL == "" {
		d.logger.Debug("notifier not configured, intent dropped",
			zap.String("event", string(intent.Event)),
		)
		return nil
	}

	base := d.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
