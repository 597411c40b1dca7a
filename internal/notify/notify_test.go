package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDispatcher_DeliversIntent(t *testing.T) {
	var delivered atomic.Int64
	var got Intent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notifications" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode intent: %v", err)
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	memberID := int64(7)
	d.Enqueue(EventSeatAssigned, 1, &memberID)

	deadline := time.After(3 * time.Second)
	for delivered.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("intent was not delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got.Event != EventSeatAssigned {
		t.Fatalf("event = %q, want %q", got.Event, EventSeatAssigned)
	}
	if got.OrgID != 1 {
		t.Fatalf("orgID = %d, want 1", got.OrgID)
	}
	if got.MemberID == nil || *got.MemberID != 7 {
		t.Fatalf("memberID = %v, want 7", got.MemberID)
	}
}

func TestDispatcher_WithoutAddressDropsIntent(t *testing.T) {
	d := NewDispatcher("", zap.NewNop())

	if err := d.send(context.Background(), Intent{Event: EventSeatRemoved, OrgID: 1}); err != nil {
		t.Fatalf("send without address must be a no-op, got %v", err)
	}
}

func TestDispatcher_FullQueueDoesNotBlock(t *testing.T) {
	d := NewDispatcher("", zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Enqueue(EventSeatAssigned, int64(i), nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Enqueue blocked on full queue")
	}
}
