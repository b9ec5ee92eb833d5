package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("session:a")

	hub.Register(client)
	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("session:a") != 1 {
		t.Fatalf("expected 1 client, got %d/%d", hub.ClientCount(), hub.TopicCount("session:a"))
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("session:a") != 0 {
		t.Fatalf("expected 0 clients, got %d/%d", hub.ClientCount(), hub.TopicCount("session:a"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := NewClient("session:a")
	other := NewClient("session:b")
	hub.Register(subscriber)
	hub.Register(other)

	hub.Broadcast("session:a", Event{Type: "SIGNED_IN", Topic: "session:a"})

	select {
	case msg := <-subscriber.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != "SIGNED_IN" {
			t.Errorf("expected SIGNED_IN, got %s", ev.Type)
		}
	default:
		t.Fatal("subscriber should have received the event")
	}

	select {
	case <-other.Send:
		t.Fatal("client of another topic should not receive the event")
	default:
	}
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topic: "t", Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast("t", Event{Type: "one"})
	hub.Broadcast("t", Event{Type: "two"})

	if len(client.Send) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(client.Send))
	}
}

func TestHub_CloseTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a1, a2, b := NewClient("a"), NewClient("a"), NewClient("b")
	hub.Register(a1)
	hub.Register(a2)
	hub.Register(b)

	hub.CloseTopic("a")

	if hub.ClientCount() != 1 || hub.TopicCount("a") != 0 {
		t.Fatalf("expected only b left, got %d clients", hub.ClientCount())
	}
	if _, ok := <-a1.Send; ok {
		t.Error("expected a1 closed")
	}
	hub.Unregister(a2)
	if hub.ClientCount() != 1 {
		t.Errorf("unregistering a closed client should be a no-op")
	}
}

func TestHub_PublishStampsTime(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("session:x")
	hub.Register(client)

	if err := hub.Publish(context.Background(), Event{Type: "SIGNED_OUT", Topic: "session:x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(<-client.Send, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	const n = 100

	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = NewClient("concurrent")
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			hub.Register(clients[idx])
			hub.Broadcast("concurrent", Event{Type: "ping"})
			hub.Unregister(clients[idx])
		}(i)
	}
	wg.Wait()

	if count := hub.ClientCount(); count != 0 {
		t.Fatalf("expected 0 clients, got %d", count)
	}
}

func TestHandler_TopicErrorIsUnauthorized(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, func(c echo.Context) (string, error) {
		return "", errors.New("no workspace")
	}, nil)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/session/events", nil), httptest.NewRecorder())

	err := handler.Connect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_RequiresWebSocket(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, func(c echo.Context) (string, error) { return "t", nil }, nil)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/session/events", nil), rec)

	if err := handler.Connect(c); err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
	if hub.ClientCount() != 0 {
		t.Error("no client should be registered")
	}
}

func dial(t *testing.T, server *httptest.Server, header http.Header) (*gorillawebsocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	return gorillawebsocket.DefaultDialer.Dial(wsURL, header)
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, func(c echo.Context) (string, error) {
		return "session:" + c.QueryParam("ws"), nil
	}, []string{"https://clinic.example.com"})

	e := echo.New()
	e.GET("/events", handler.Connect)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events?ws=abc"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("session:abc") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast("session:abc", Event{Type: "SIGNED_OUT", Topic: "session:abc", Timestamp: time.Now()})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "SIGNED_OUT" || received.Topic != "session:abc" {
		t.Fatalf("unexpected event %+v", received)
	}

	hub.CloseTopic("session:abc")
	if _, _, err := conn.ReadMessage(); !gorillawebsocket.IsCloseError(err, gorillawebsocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewHandler(hub, func(c echo.Context) (string, error) { return "t", nil }, []string{"https://clinic.example.com/"})

	e := echo.New()
	e.GET("/events", handler.Connect)
	server := httptest.NewServer(e)
	defer server.Close()

	conn, _, err := dial(t, server, http.Header{"Origin": {"https://clinic.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()

	_, resp, err := dial(t, server, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}
