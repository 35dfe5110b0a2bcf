package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/paper-engine/internal/model"
)

func TestHub_BroadcastsTransitions(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; publish until the client sees a message.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hub.Publish(model.TransitionEvent{
					PositionID: "pos-1",
					Symbol:     "BTCUSDT",
					From:       model.StatusOpen,
					To:         model.StatusClosed,
					Reason:     model.ReasonForceClose,
					Price:      d(101),
				})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "transition" || msg.Event == nil {
		t.Fatalf("msg = %+v, want a transition", msg)
	}
	if msg.Event.PositionID != "pos-1" || msg.Event.To != model.StatusClosed {
		t.Errorf("event = %+v", msg.Event)
	}
	if !msg.Event.Price.Equal(d(101)) {
		t.Errorf("price = %s, want 101", msg.Event.Price)
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub() // Run not started: nothing drains the buffer

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(model.TransitionEvent{PositionID: "p"})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full buffer")
	}
}
