package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/auth"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"github.com/dottedmag/must"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type tokenFunc func(token string) (*auth.Principal, error)

func (f tokenFunc) ValidateToken(_ context.Context, token string) (*auth.Principal, error) {
	return f(token)
}

var acceptGood = tokenFunc(func(token string) (*auth.Principal, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &auth.Principal{Username: "tester", Role: auth.RoleViewer, Permissions: auth.RolePermissions(auth.RoleViewer)}, nil
})

type received struct {
	Type MessageType    `json:"type"`
	Data map[string]any `json:"data"`
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zap.NewNop(), acceptGood)
	return hub, serveHub(t, hub)
}

func serveHub(t *testing.T, hub *Hub) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.done
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func login(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	must.OK(conn.WriteJSON(map[string]string{"type": "auth", "token": "good"}))
	if msg := read(t, conn); msg.Type != MessageTypeAuthSuccess {
		t.Fatalf("got %s, want auth_success", msg.Type)
	}
}

func TestBroadcastAfterAuth(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	login(t, conn)

	hub.ScheduleChanged(schedule.Event{
		Type:       schedule.EventScheduleAdded,
		ScheduleID: "ab12",
		Schedule:   &schedule.Schedule{ID: "ab12", Name: "Morning", Trigger: schedule.Trigger{Days: 31, Minutes: 420}},
	})

	msg := read(t, conn)
	if msg.Type != MessageTypeScheduleAdded {
		t.Fatalf("type = %s", msg.Type)
	}
	if msg.Data["display_key"] != "ab12.Morning.31.420.false" {
		t.Fatalf("display_key = %v", msg.Data["display_key"])
	}
	if hub.GetClientCount() != 1 {
		t.Fatalf("clients = %d", hub.GetClientCount())
	}
}

func TestRejectsBadToken(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	must.OK(conn.WriteJSON(map[string]string{"type": "auth", "token": "nope"}))
	msg := read(t, conn)
	if msg.Type != MessageTypeAuthFailed {
		t.Fatalf("type = %s", msg.Type)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}
	if hub.GetClientCount() != 0 {
		t.Fatalf("clients = %d", hub.GetClientCount())
	}
}

func TestRejectsNonAuthFirstMessage(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	must.OK(conn.WriteJSON(map[string]string{"type": "subscribe"}))
	if msg := read(t, conn); msg.Type != MessageTypeAuthFailed {
		t.Fatalf("type = %s", msg.Type)
	}
}

func TestSubscribeFiltersSchedules(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	login(t, conn)

	must.OK(conn.WriteJSON(map[string]any{"type": "subscribe", "schedule_ids": []string{"ab12"}}))
	if msg := read(t, conn); msg.Type != MessageTypeSubscribed {
		t.Fatalf("type = %s", msg.Type)
	}

	hub.ScheduleChanged(schedule.Event{Type: schedule.EventScheduleRemoved, ScheduleID: "zz99"})
	hub.ScheduleChanged(schedule.Event{Type: schedule.EventScheduleToggled, ScheduleID: "ab12"})

	msg := read(t, conn)
	if msg.Type != MessageTypeScheduleToggled || msg.Data["schedule_id"] != "ab12" {
		t.Fatalf("got %s for %v", msg.Type, msg.Data["schedule_id"])
	}
}

func TestStatusFollowsAuthSuccess(t *testing.T) {
	hub := NewHub(zap.NewNop(), acceptGood)
	hub.SetStatusProvider(StatusFunc(func() any { return map[string]any{"state": "RUNNING"} }))
	conn := dial(t, serveHub(t, hub))
	login(t, conn)

	msg := read(t, conn)
	if msg.Type != MessageTypeSystemStatus || msg.Data["state"] != "RUNNING" {
		t.Fatalf("got %s %v, want system_status", msg.Type, msg.Data)
	}
}

func TestAddAfterStopIsRefused(t *testing.T) {
	hub := NewHub(zap.NewNop(), acceptGood)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.done

	c := &Client{hub: hub, send: make(chan []byte, 1), principal: &auth.Principal{Username: "late"}}
	if hub.add(c) {
		t.Fatal("add succeeded on a stopped hub")
	}
	if hub.GetClientCount() != 0 {
		t.Fatalf("clients = %d", hub.GetClientCount())
	}
}
