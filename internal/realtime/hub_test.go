package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func analysisEvent(data map[string]any) *Event {
	return &Event{Type: EventAnalysis, Timestamp: time.Now(), Data: data}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, analysisEvent(nil)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDenylist},
	}}

	denylist := &Event{Type: EventDenylist}
	analysis := &Event{Type: EventAnalysis}

	if !h.shouldSend(client, denylist) {
		t.Error("Should receive denylist events")
	}
	if h.shouldSend(client, analysis) {
		t.Error("Should NOT receive analysis events")
	}
}

func TestShouldSend_NetworkFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Networks: []string{"mainnet"},
	}}

	mainnet := analysisEvent(map[string]any{"network": "mainnet", "rating": "high"})
	testnet := analysisEvent(map[string]any{"network": "testnet", "rating": "high"})

	if !h.shouldSend(client, mainnet) {
		t.Error("Should receive mainnet events")
	}
	if h.shouldSend(client, testnet) {
		t.Error("Should NOT receive testnet events")
	}
}

func TestShouldSend_SenderFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Senders: []string{"0xa11ce"},
	}}

	matching := analysisEvent(map[string]any{"sender": "0xa11ce"})
	other := analysisEvent(map[string]any{"sender": "0xb0b"})

	if !h.shouldSend(client, matching) {
		t.Error("Should match on sender address")
	}
	if h.shouldSend(client, other) {
		t.Error("Should NOT match unrelated senders")
	}
}

func TestShouldSend_MinRatingFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinRating: "high",
	}}

	critical := analysisEvent(map[string]any{"rating": "critical"})
	low := analysisEvent(map[string]any{"rating": "low"})
	denylist := &Event{Type: EventDenylist, Data: map[string]any{"rating": "low"}}

	if !h.shouldSend(client, critical) {
		t.Error("Should receive critical analyses")
	}
	if h.shouldSend(client, low) {
		t.Error("Should NOT receive low analyses")
	}
	if !h.shouldSend(client, denylist) {
		t.Error("MinRating filter should only apply to analysis events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, analysisEvent(nil)) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Senders: []string{"0xa11ce"},
	}}

	event := &Event{
		Type: EventAnalysis,
		Data: "string data not a map",
	}

	// Sender filter cannot extract an address from non-map data, so the
	// event passes through.
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when sender filter can't extract addresses")
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

	h.BroadcastAnalysis(map[string]any{"shareId": "scan_1", "rating": "high"})
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
	// Peak holds after disconnect
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
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

	h.BroadcastAnalysis(map[string]any{
		"shareId": "scan_1", "network": "mainnet", "rating": "critical",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
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

	// Client only wants critical analyses
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{MinRating: "critical"},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Low-rated analysis is filtered out
	h.BroadcastAnalysis(map[string]any{"shareId": "scan_1", "rating": "low"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive low-rated analysis")
	default:
	}

	// Critical analysis comes through
	h.BroadcastAnalysis(map[string]any{"shareId": "scan_2", "rating": "critical"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive critical analysis")
	}
}
