package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vapor/market-engine/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	name   string
	err    error
	events []model.Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Send(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNotifier_FailingSinkDoesNotStopOthers(t *testing.T) {
	bad := &recorder{name: "bad", err: errors.New("down")}
	good := &recorder{name: "good"}
	n := NewNotifier(discard(), bad, good)

	n.Publish(context.Background(), model.Event{Type: model.EventMarketCreated, Market: "m1"})

	if len(bad.events) != 1 || len(good.events) != 1 {
		t.Fatalf("deliveries = %d, %d; want 1, 1", len(bad.events), len(good.events))
	}
	if good.events[0].Market != "m1" {
		t.Errorf("market = %q, want m1", good.events[0].Market)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	side := model.SideNo

	if err := sink.Send(context.Background(), model.Event{
		Type: model.EventSharesBought, Market: "m1", User: "alice", Side: &side, Amount: 10, Shares: 9,
	}); err != nil {
		t.Fatal(err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["type"] != "SharesBought" || line["side"] != "NO" || line["user"] != "alice" {
		t.Errorf("unexpected log line: %v", line)
	}
	if _, ok := line["payout"]; ok {
		t.Error("zero payout should be omitted")
	}
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	winner := model.SideYes
	if err := hub.Send(ctx, model.Event{Type: model.EventMarketResolved, Market: "m1", Winner: &winner}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != model.EventMarketResolved || ev.Winner == nil || *ev.Winner != model.SideYes {
		t.Errorf("got %+v", ev)
	}
}

func TestWSHub_SendNeverBlocks(t *testing.T) {
	hub := NewWSHub() // not running: nothing drains the buffer
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Send(context.Background(), model.Event{Type: model.EventSharesSold})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a full buffer")
	}
}
