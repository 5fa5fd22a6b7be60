package schedule

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"github.com/dottedmag/must"
	"github.com/dottedmag/tj"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return NewStore(v, zaptest.NewLogger(t))
}

func entryJSON(id, name string, days, minutes int, enabled int, device string, params tj.O) tj.O {
	return tj.O{
		"id":       id,
		"name":     name,
		"enabled":  enabled,
		"triggers": []any{tj.O{"d": days, "m": minutes}},
		"action":   tj.O{device: params},
	}
}

func rawList(entries ...tj.O) json.RawMessage {
	items := make([]any, len(entries))
	for i, e := range entries {
		items[i] = e
	}
	return must.OK1(json.Marshal(items))
}

func TestRebuildFromNodeParamsIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	raw := rawList(
		entryJSON("ab12", "Morning", 31, 420, 1, "Light", tj.O{"Power": true}),
		entryJSON("cd34", "Night", 96, 1320, 0, "Light", tj.O{"Power": false}),
	)

	if err := store.RebuildFromNodeParams("node1", raw); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first := store.Keys()

	if err := store.RebuildFromNodeParams("node1", raw); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second := store.Keys()

	if !slices.Equal(first, second) {
		t.Fatalf("keys drifted: %v vs %v", first, second)
	}
	want := []string{"ab12.Morning.31.420.true", "cd34.Night.96.1320.false"}
	if !slices.Equal(second, want) {
		t.Fatalf("keys = %v, want %v", second, want)
	}
}

func TestRebuildMergesNodesByID(t *testing.T) {
	store := newTestStore(t)
	must.OK(store.RebuildFromNodeParams("node1", rawList(entryJSON("ab12", "Morning", 31, 420, 1, "Light", tj.O{"Power": true}))))
	must.OK(store.RebuildFromNodeParams("node2", rawList(entryJSON("ab12", "Morning", 31, 420, 1, "Fan", tj.O{"Speed": 3}))))

	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}
	sch, ok := store.Get("ab12")
	if !ok {
		t.Fatal("ab12 missing")
	}
	if got := sch.NodeIDs(); !slices.Equal(got, []string{"node1", "node2"}) {
		t.Fatalf("NodeIDs = %v", got)
	}

	// node2 stops reporting the schedule
	must.OK(store.RebuildFromNodeParams("node2", rawList()))
	sch, _ = store.Get("ab12")
	if got := sch.NodeIDs(); !slices.Equal(got, []string{"node1"}) {
		t.Fatalf("NodeIDs after node2 dropped it = %v", got)
	}

	must.OK(store.RebuildFromNodeParams("node1", nil))
	if store.Len() != 0 {
		t.Fatalf("schedule without nodes still stored")
	}
}

func TestRebuildFlagsDivergedNodes(t *testing.T) {
	morning := func(minutes int) json.RawMessage {
		return rawList(entryJSON("ab12", "Morning", 31, minutes, 1, "Light", tj.O{"Power": true}))
	}
	nodes := []types.Node{
		{ID: "nodeB", SchedulingSupported: true, Schedules: morning(480)},
		{ID: "nodeA", SchedulingSupported: true, Schedules: morning(420)},
	}

	for _, order := range [][]types.Node{nodes, {nodes[1], nodes[0]}} {
		store := newTestStore(t)
		must.OK(store.RebuildFromNodes(order))
		sch, _ := store.Get("ab12")
		if !sch.Diverged {
			t.Fatal("expected Diverged")
		}
		if sch.Trigger.Minutes != 420 {
			t.Fatalf("minutes = %d, want the lowest node's 420", sch.Trigger.Minutes)
		}
	}

	// The majority wins over the lowest node id.
	store := newTestStore(t)
	must.OK(store.RebuildFromNodeParams("nodeA", morning(420)))
	must.OK(store.RebuildFromNodeParams("nodeB", morning(480)))
	must.OK(store.RebuildFromNodeParams("nodeC", morning(480)))
	if got := store.Keys(); !slices.Equal(got, []string{"ab12.Morning.31.480.true"}) {
		t.Fatalf("keys = %v", got)
	}

	// nodeA catches up and the flag clears.
	must.OK(store.RebuildFromNodeParams("nodeA", morning(480)))
	sch, _ := store.Get("ab12")
	if sch.Diverged {
		t.Fatal("still Diverged after nodes agree")
	}
}

func TestRebuildSkipsInvalidEntries(t *testing.T) {
	store := newTestStore(t)
	raw := rawList(
		tj.O{"name": "no id"},
		entryJSON("ab12", "Morning", 31, 420, 1, "Light", tj.O{"Power": true}),
		entryJSON("zz99", "Broken", 200, 420, 1, "Light", tj.O{"Power": true}),
	)
	must.OK(store.RebuildFromNodeParams("node1", raw))

	if got := store.Keys(); !slices.Equal(got, []string{"ab12.Morning.31.420.true"}) {
		t.Fatalf("keys = %v", got)
	}
}

func TestRebuildFromNodes(t *testing.T) {
	store := newTestStore(t)
	must.OK(store.RebuildFromNodeParams("gone", rawList(entryJSON("old1", "Old", 1, 10, 1, "Light", tj.O{"Power": true}))))

	nodes := []types.Node{
		{ID: "node1", SchedulingSupported: true, Schedules: rawList(entryJSON("ab12", "Morning", 31, 420, 1, "Light", tj.O{"Power": true}))},
		{ID: "node2", SchedulingSupported: false, Schedules: rawList(entryJSON("xx11", "Ignored", 1, 1, 1, "Light", tj.O{"Power": true}))},
		{ID: "node3", SchedulingSupported: true, Schedules: json.RawMessage(`{"not":"a list"}`)},
	}
	err := store.RebuildFromNodes(nodes)
	if err == nil {
		t.Fatal("expected error for node3")
	}
	if got := store.Keys(); !slices.Equal(got, []string{"ab12.Morning.31.420.true"}) {
		t.Fatalf("keys = %v", got)
	}
}

func TestListOrderedByMinutes(t *testing.T) {
	store := newTestStore(t)
	must.OK(store.RebuildFromNodeParams("node1", rawList(
		entryJSON("c", "Late", 1, 900, 1, "Light", tj.O{"Power": true}),
		entryJSON("b", "Early", 1, 60, 1, "Light", tj.O{"Power": true}),
		entryJSON("a", "Also early", 1, 60, 1, "Light", tj.O{"Power": true}),
	)))

	var ids []string
	for _, s := range store.List() {
		ids = append(ids, s.ID)
	}
	if !slices.Equal(ids, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", ids)
	}
}

func TestStoreTransitions(t *testing.T) {
	store := newTestStore(t)

	if err := store.BeginSave("ab12"); err != nil {
		t.Fatalf("BeginSave: %v", err)
	}
	if got := store.State("ab12"); got != StateSaving {
		t.Fatalf("state = %s", got)
	}
	if err := store.BeginSave("ab12"); err == nil {
		t.Fatal("second BeginSave should be refused")
	}
	if err := store.Transition("ab12", StateDeleting); err == nil {
		t.Fatal("delete during save should be refused")
	}
	must.OK(store.Transition("ab12", StateClean))
	if got := store.State("ab12"); got != StateClean {
		t.Fatalf("state = %s", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := newTestStore(t)
	must.OK(store.RebuildFromNodeParams("node1", rawList(entryJSON("ab12", "Morning", 31, 420, 1, "Light", tj.O{"Power": true}))))

	sch, _ := store.Get("ab12")
	sch.Name = "Changed"
	sch.Actions["node1"]["Light"]["Power"] = false

	again, _ := store.Get("ab12")
	if again.Name != "Morning" || again.Actions["node1"]["Light"]["Power"] != true {
		t.Fatalf("store mutated through copy: %+v", again)
	}
}
