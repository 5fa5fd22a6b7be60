package schedule

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

func countNodeCall(op Operation, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`osc_node_calls_total{operation=%q,result=%q}`, op, result)).Inc()
}

func observeFanOut(op Operation, start time.Time) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`osc_fanout_duration_seconds{operation=%q}`, op)).UpdateDuration(start)
}

func countOutcome(op Operation, outcome string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`osc_schedule_operations_total{operation=%q,outcome=%q}`, op, outcome)).Inc()
}
