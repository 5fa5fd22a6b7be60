package main

import (
	"strings"
	"testing"

	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"gopkg.in/yaml.v3"
)

func TestExportDoc(t *testing.T) {
	list := []*schedule.Schedule{{
		ID:      "ab12",
		Name:    "Morning",
		Trigger: schedule.Trigger{Days: 31, Minutes: 420},
		Enabled: true,
		Actions: map[string]schedule.DeviceActions{
			"node-b": {"Light": {"Power": true}},
			"node-a": {"Fan": {"Speed": 3}},
		},
	}}

	out, err := yaml.Marshal(exportDoc(list))
	if err != nil {
		t.Fatal(err)
	}
	text := string(out)

	for _, want := range []string{"id: ab12", "days: Weekdays", "time: 7:00 AM", "enabled: true"} {
		if !strings.Contains(text, want) {
			t.Errorf("export missing %q:\n%s", want, text)
		}
	}

	var back struct {
		Schedules []struct {
			Nodes []string `yaml:"nodes"`
		} `yaml:"schedules"`
	}
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if len(back.Schedules) != 1 || strings.Join(back.Schedules[0].Nodes, ",") != "node-a,node-b" {
		t.Fatalf("nodes = %+v", back.Schedules)
	}
}
