package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/dottedmag/must"
	"github.com/dottedmag/tj"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
)

func nodeFixture(id string, connected bool) tj.O {
	return tj.O{
		"id": id,
		"config": tj.O{
			"node_id": id,
			"info":    tj.O{"name": "Switch " + id, "type": "Switch", "fw_version": "1.0"},
			"devices": []any{
				tj.O{
					"name": "Light",
					"type": "esp.device.lightbulb",
					"params": []any{
						tj.O{"name": "Name", "type": "esp.param.name", "data_type": "string", "properties": []any{"read", "write"}},
						tj.O{"name": "Power", "type": "esp.param.power", "data_type": "bool", "properties": []any{"read", "write"}},
					},
				},
			},
			"services": []any{
				tj.O{
					"name": "Schedule",
					"type": "esp.service.schedule",
					"params": []any{
						tj.O{"name": "Schedules", "type": "esp.param.schedules", "data_type": "array", "properties": []any{"read", "write"}, "bounds": tj.O{"max": 5}},
					},
				},
			},
		},
		"status": tj.O{"connectivity": tj.O{"connected": connected}},
		"params": tj.O{
			"Light": tj.O{"Name": "Kitchen", "Power": true},
			"Schedule": tj.O{"Schedules": []any{
				tj.O{"id": "ab12", "name": "Morning", "enabled": 1, "triggers": []any{tj.O{"d": 31, "m": 420}}, "action": tj.O{"Light": tj.O{"Power": true}}},
			}},
		},
	}
}

func TestParseNodes(t *testing.T) {
	data := must.OK1(json.Marshal(tj.O{
		"node_details": []any{nodeFixture("n1", true), nodeFixture("n2", false)},
		"next_id":      "n3",
		"total":        3,
	}))

	nodes, next, err := ParseNodes(data)
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	if next != "n3" || len(nodes) != 2 {
		t.Fatalf("next=%q len=%d", next, len(nodes))
	}

	n := nodes[0]
	if !n.SchedulingSupported || n.MaxSchedulesCount != 5 || n.CurrentSchedulesCount != 1 {
		t.Fatalf("schedule capability = %+v", n)
	}
	if n.Devices[0].DisplayName != "Kitchen" || n.Devices[0].NodeID != "n1" {
		t.Fatalf("device = %+v", n.Devices[0])
	}
	if n.Devices[0].Params[1].Value != true {
		t.Fatalf("power value = %v", n.Devices[0].Params[1].Value)
	}
	if nodes[1].Connected {
		t.Fatal("n2 should be disconnected")
	}

	if _, _, err := ParseNodes([]byte(`{"node_details": "nope"}`)); err == nil {
		t.Fatal("expected parsing error")
	} else {
		var pe *ParsingError
		if !errors.As(err, &pe) {
			t.Fatalf("error type %T", err)
		}
	}
}

func TestParseNodeWithoutScheduling(t *testing.T) {
	fixture := nodeFixture("n1", true)
	fixture["config"].(tj.O)["services"] = []any{}
	data := must.OK1(json.Marshal(tj.O{"node_details": []any{fixture}}))

	nodes, _, err := ParseNodes(data)
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	if nodes[0].SchedulingSupported || nodes[0].Schedules != nil {
		t.Fatalf("node = %+v", nodes[0])
	}
	if nodes[0].MaxSchedulesCount != -1 {
		t.Fatalf("max = %d", nodes[0].MaxSchedulesCount)
	}
}

func TestParseScheduleServiceWithoutParam(t *testing.T) {
	fixture := nodeFixture("n1", true)
	fixture["config"].(tj.O)["services"] = []any{
		tj.O{"name": "Schedule", "type": "esp.service.schedule", "params": []any{}},
	}
	data := must.OK1(json.Marshal(tj.O{"node_details": []any{fixture}}))

	nodes, _, err := ParseNodes(data)
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	if nodes[0].SchedulingSupported || nodes[0].Schedules != nil || nodes[0].CurrentSchedulesCount != 0 {
		t.Fatalf("node = %+v", nodes[0])
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	return must.OK1(token.SignedString([]byte("cloud-signing-key")))
}

func TestTokenStore(t *testing.T) {
	ctx := context.Background()

	empty := NewTokenStore("")
	if _, err := empty.AccessToken(ctx); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("empty token: %v", err)
	}

	valid := signedToken(t, time.Now().Add(time.Hour))
	store := NewTokenStore(valid)
	got, err := store.AccessToken(ctx)
	if err != nil || got != valid {
		t.Fatalf("AccessToken = %q, %v", got, err)
	}

	expired := NewTokenStore(signedToken(t, time.Now().Add(10*time.Second)))
	if _, err := expired.AccessToken(ctx); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("token inside leeway: %v", err)
	}

	if err := store.Set("not-a-jwt"); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("Set garbage: %v", err)
	}
}

type fixedToken string

func (f fixedToken) AccessToken(context.Context) (string, error) { return string(f), nil }

func TestClientGetNodesPaginates(t *testing.T) {
	var starts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("node_details") != "true" || q.Get("num_records") != "1" {
			t.Errorf("query = %v", q)
		}
		start := q.Get("start_id")
		starts = append(starts, start)

		page := tj.O{"node_details": []any{nodeFixture("n1", true)}, "next_id": "n2"}
		if start == "n2" {
			page = tj.O{"node_details": []any{nodeFixture("n2", true)}}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	client := NewClient(config.CloudConfig{BaseURL: srv.URL, PageSize: 1}, fixedToken("tok"), zaptest.NewLogger(t))
	nodes, err := client.GetNodes(context.Background())
	if err != nil {
		t.Fatalf("GetNodes: %v", err)
	}
	if len(nodes) != 2 || nodes[1].ID != "n2" {
		t.Fatalf("nodes = %+v", nodes)
	}
	if len(starts) != 2 || starts[0] != "" || starts[1] != "n2" {
		t.Fatalf("start ids = %v", starts)
	}

	bad := NewClient(config.CloudConfig{BaseURL: srv.URL, PageSize: 1}, fixedToken("wrong"), zaptest.NewLogger(t))
	if _, err := bad.GetNodes(context.Background()); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("unauthorized: %v", err)
	}
}

func TestClientSetNodeParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Query().Get("nodeid") {
		case "ok":
			var payload tj.O
			if err := json.Unmarshal(body, &payload); err != nil || payload["Schedule"] == nil {
				t.Errorf("payload = %s", body)
			}
			_ = json.NewEncoder(w).Encode(tj.O{"status": "success"})
		case "refused":
			_ = json.NewEncoder(w).Encode(tj.O{"status": "failure", "description": "Node is offline"})
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("<html>"))
		default:
			_, _ = w.Write([]byte("{not json"))
		}
	}))
	defer srv.Close()

	client := NewClient(config.CloudConfig{BaseURL: srv.URL}, fixedToken("tok"), zaptest.NewLogger(t))
	ctx := context.Background()
	payload := tj.O{"Schedule": tj.O{"Schedules": []any{tj.O{"id": "ab12", "operation": "remove"}}}}

	if err := client.SetNodeParams(ctx, "ok", payload); err != nil {
		t.Fatalf("ok: %v", err)
	}

	var serverErr *ServerError
	if err := client.SetNodeParams(ctx, "refused", payload); !errors.As(err, &serverErr) || Describe(err) != "Node is offline" {
		t.Fatalf("refused: %v", err)
	}
	if err := client.SetNodeParams(ctx, "broken", payload); !errors.As(err, &serverErr) || serverErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("broken: %v", err)
	}
	var parseErr *ParsingError
	if err := client.SetNodeParams(ctx, "garbled", payload); !errors.As(err, &parseErr) {
		t.Fatalf("garbled: %v", err)
	}
}

func TestClientNoNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(config.CloudConfig{BaseURL: url, RequestTimeout: time.Second}, fixedToken("tok"), zaptest.NewLogger(t))
	if err := client.SetNodeParams(context.Background(), "n1", tj.O{}); !errors.Is(err, ErrNoNetwork) {
		t.Fatalf("err = %v", err)
	}
}
