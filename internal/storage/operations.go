package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
)

// RecordOperation appends a fan-out to the operations log.
func (p *PostgresClient) RecordOperation(ctx context.Context, rec schedule.OperationRecord) error {
	failures, err := json.Marshal(rec.Failed)
	if err != nil {
		return fmt.Errorf("failed to marshal failures: %w", err)
	}

	nodes := rec.Nodes
	if nodes == nil {
		nodes = []string{}
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO schedule_operations (schedule_id, name, operation, nodes, failures, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ScheduleID, rec.Name, string(rec.Operation), nodes, failures, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert schedule operation: %w", err)
	}
	return nil
}

// ListOperations returns the latest operations, newest first. An empty
// scheduleID lists all schedules.
func (p *PostgresClient) ListOperations(ctx context.Context, scheduleID string, limit int) ([]ScheduleOperation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, schedule_id, name, operation, nodes, failures, duration_ms, created_at
		FROM schedule_operations
		WHERE $1 = '' OR schedule_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule operations: %w", err)
	}
	defer rows.Close()

	ops := make([]ScheduleOperation, 0)
	for rows.Next() {
		var op ScheduleOperation
		var failures []byte
		if err := rows.Scan(&op.ID, &op.ScheduleID, &op.Name, &op.Operation, &op.Nodes, &failures, &op.DurationMS, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule operation: %w", err)
		}
		if err := json.Unmarshal(failures, &op.Failures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failures: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
