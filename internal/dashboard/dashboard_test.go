package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/mschirtzinger/pulse/internal/events"
)

func startServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	server := NewServer(&Config{Port: 0, Status: status, Logger: logger})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcomeIsStatus(t *testing.T) {
	server := startServer(t, func(context.Context) any {
		return map[string]string{"state": "ready"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var body map[string]string
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		t.Fatalf("bad status payload: %v", err)
	}
	if body["state"] != "ready" {
		t.Errorf("state = %q", body["state"])
	}
	if n := server.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

func TestHandlerBroadcastsBusEvents(t *testing.T) {
	server := startServer(t, nil)
	logger, _ := logtest.NewNullLogger()
	handler := NewHandler(server, logger)

	bus := events.NewBus()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	for _, c := range conns {
		readMessage(t, ctx, c)
	}

	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	go func() {
		for e := range ch {
			handler.Emit(e)
		}
	}()
	bus.Emit(events.New(events.PersistSkipped, "permission denied", map[string]any{"folder": "backup"}))

	for i, c := range conns {
		msg := readMessage(t, ctx, c)
		if msg.Type != MessageTypeEvent {
			t.Fatalf("client %d: type = %s", i, msg.Type)
		}
		var e events.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			t.Fatalf("client %d: bad event: %v", i, err)
		}
		if e.Kind != events.PersistSkipped || e.Fields["folder"] != "backup" {
			t.Errorf("client %d: event = %+v", i, e)
		}
	}

	stats := handler.Stats()
	if stats.Counts[events.PersistSkipped] != 1 || stats.Last == nil {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	server := startServer(t, func(context.Context) any {
		return map[string]int{"schemaVersion": 5}
	})

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	_ = resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get("http://" + server.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	_ = resp.Body.Close()
	if status["schemaVersion"] != 5 {
		t.Errorf("status = %v", status)
	}

	resp, err = http.Get("http://" + server.Addr() + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d", resp.StatusCode)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	readMessage(t, ctx, conn)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.ClientCount(); n != 0 {
		t.Errorf("ClientCount() after close = %d", n)
	}
}
