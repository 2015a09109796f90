package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mucyo/paylock/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventFundsHeld, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventFundsHeld, EventReleased},
	}}

	heldEvent := &Event{Type: EventFundsHeld}
	releasedEvent := &Event{Type: EventReleased}
	disputeEvent := &Event{Type: EventDisputed}

	if !h.shouldSend(client, heldEvent) {
		t.Error("Should receive funds_held events")
	}
	if !h.shouldSend(client, releasedEvent) {
		t.Error("Should receive released events")
	}
	if h.shouldSend(client, disputeEvent) {
		t.Error("Should NOT receive disputed events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"guest-1"},
	}}

	matchingPayer := &Event{
		Type: EventFundsHeld,
		Data: map[string]interface{}{"payerId": "guest-1", "payeeId": "host-9"},
	}
	notMatching := &Event{
		Type: EventFundsHeld,
		Data: map[string]interface{}{"payerId": "guest-2", "payeeId": "host-9"},
	}
	matchingPayee := &Event{
		Type: EventReleased,
		Data: map[string]interface{}{"payerId": "guest-3", "payeeId": "guest-1"},
	}

	if !h.shouldSend(client, matchingPayer) {
		t.Error("Should match on payer ID")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated users")
	}
	if !h.shouldSend(client, matchingPayee) {
		t.Error("Should match on payee ID")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: 1000,
	}}

	large := &Event{
		Type: EventFundsHeld,
		Data: map[string]interface{}{"amount": 5000.0},
	}
	small := &Event{
		Type: EventFundsHeld,
		Data: map[string]interface{}{"amount": 500.0},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large transaction")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small transaction")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventFundsHeld}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		UserIDs: []string{"guest-1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventRefundRequested,
		Data: "string data not a map",
	}

	// User filter skips non-map data (can't extract IDs), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when user filter can't extract IDs")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventFundsHeld, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FundsHeldNotification(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventFundsHeld}, UserIDs: []string{"host-1"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.FundsHeld(ctx, &escrow.Transaction{
		ID:       "txn_abc",
		PayerID:  "guest-1",
		PayeeID:  "host-1",
		Amount:   5000,
		Currency: "RWF",
		Status:   escrow.StatusHeld,
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for funds_held event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants refund requests
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventRefundRequested}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a funds_held event (should be filtered out)
	h.Broadcast(&Event{Type: EventFundsHeld, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive funds_held event")
	default:
		// Good - filtered out
	}

	// Send a refund_requested event (should be received)
	h.Broadcast(&Event{Type: EventRefundRequested, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive refund_requested event")
	}
}
