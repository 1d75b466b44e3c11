package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestFeedURL(t *testing.T) {
	f := NewFeed("https://chat.example.com/", &FeedConfig{Token: "a b"})
	if got, want := f.URL(), "wss://chat.example.com/v1/events?token=a+b"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if got := NewFeed("http://localhost:8080", nil).URL(); got != "ws://localhost:8080/v1/events" {
		t.Errorf("unexpected url %s", got)
	}
}

func TestReconnectorDelays(t *testing.T) {
	r := newReconnector(&FeedConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: 300 * time.Millisecond, MaxReconnectAttempts: 3})
	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	if len(delays) != 3 {
		t.Fatalf("expected 3 delays, got %d", len(delays))
	}
	if delays[0] < 100*time.Millisecond || delays[0] > 150*time.Millisecond {
		t.Errorf("first delay out of range: %v", delays[0])
	}
	if delays[2] != 300*time.Millisecond {
		t.Errorf("expected delay capped at max, got %v", delays[2])
	}
}

func TestFeedDeliversEventsAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" || r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)

		env, _ := NewEnvelope(Event{
			Type:            EventTypingStarted,
			ConversationSid: "CH1",
			ParticipantSid:  "MB1",
		})
		data, _ := json.Marshal(env)
		c.Write(r.Context(), websocket.MessageText, []byte(`not json`))
		c.Write(r.Context(), websocket.MessageText, data)

		if n == 1 {
			c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		<-r.Context().Done()
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := NewFeed(srv.URL, &FeedConfig{Token: "tok", ReconnectBaseDelay: 10 * time.Millisecond, MaxReconnectAttempts: 5})
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	var got []EventType
	for len(got) < 4 {
		select {
		case ev := <-f.Events():
			got = append(got, ev.Type)
			if ev.Type == EventTypingStarted && (ev.ConversationSid != "CH1" || ev.ParticipantSid != "MB1") {
				t.Errorf("unexpected typing event %+v", ev)
			}
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	want := []EventType{EventConnected, EventTypingStarted, EventConnected, EventTypingStarted}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if f.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", f.State())
	}
}

func TestFeedGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewFeed(srv.URL, &FeedConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: 2 * time.Millisecond, MaxReconnectAttempts: 2})
	err := f.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	if _, ok := <-f.Events(); ok {
		t.Error("expected events channel to be closed")
	}
}
