package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/rental-calendar-sync/backend/internal/api/middleware"
	ws "github.com/rental-calendar-sync/backend/internal/websocket"
)

func dial(t *testing.T, srv *httptest.Server, orgID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?organizationId=" + orgID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ws.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *ws.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketPingAndScopedEvents(t *testing.T) {
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(middleware.RequireOrganization(WebSocketUpgrade(hub, NewUpgrader(nil))))
	defer srv.Close()

	a := dial(t, srv, "org-a")
	b := dial(t, srv, "org-b")
	waitForClients(t, hub, 2)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if msg := readMessage(t, a); msg.Type != ws.TypePong {
		t.Errorf("reply = %+v", msg)
	}

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if msg := readMessage(t, a); msg.Type != ws.TypeError {
		t.Errorf("reply = %+v", msg)
	}

	ws.NewEventBroadcaster(hub).BroadcastNotification("org-b", "info", "Sync", "done")
	if msg := readMessage(t, b); msg.Type != ws.TypeNotification || msg.OrganizationID != "org-b" {
		t.Errorf("org-b got %+v", msg)
	}
}

func TestUpgraderOrigins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"any when unset", nil, "https://evil.test", true},
		{"wildcard", []string{"*"}, "https://evil.test", true},
		{"listed", []string{"https://app.test"}, "https://app.test", true},
		{"unlisted", []string{"https://app.test"}, "https://evil.test", false},
		{"no origin header", []string{"https://app.test"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := NewUpgrader(tt.allowed).CheckOrigin(r); got != tt.want {
				t.Errorf("CheckOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}
