package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"github.com/jackc/pgx/v5"
)

// SaveNodes replaces the cached node snapshots with nodes.
func (p *PostgresClient) SaveNodes(ctx context.Context, nodes []types.Node) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(nodes))
	batch := &pgx.Batch{}
	for _, node := range nodes {
		snapshot, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("failed to marshal node %s: %w", node.ID, err)
		}
		ids = append(ids, node.ID)
		batch.Queue(`
			INSERT INTO node_snapshots (node_id, name, snapshot, fetched_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (node_id)
			DO UPDATE SET
				name = EXCLUDED.name,
				snapshot = EXCLUDED.snapshot,
				fetched_at = EXCLUDED.fetched_at
		`, node.ID, node.Name, snapshot)
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert node snapshots: %w", err)
		}
	}

	// Nodes removed from the account
	if _, err := tx.Exec(ctx, `
		DELETE FROM node_snapshots WHERE NOT (node_id = ANY($1))
	`, ids); err != nil {
		return fmt.Errorf("failed to prune node snapshots: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveNode updates a single cached snapshot.
func (p *PostgresClient) SaveNode(ctx context.Context, node types.Node) error {
	snapshot, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node %s: %w", node.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO node_snapshots (node_id, name, snapshot, fetched_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (node_id)
		DO UPDATE SET name = EXCLUDED.name, snapshot = EXCLUDED.snapshot, fetched_at = EXCLUDED.fetched_at
	`, node.ID, node.Name, snapshot)
	if err != nil {
		return fmt.Errorf("failed to save node snapshot: %w", err)
	}
	return nil
}

// LoadNodes returns the cached snapshots and the time of the oldest one.
func (p *PostgresClient) LoadNodes(ctx context.Context) ([]types.Node, time.Time, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT snapshot, fetched_at
		FROM node_snapshots
		ORDER BY node_id
	`)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query node snapshots: %w", err)
	}
	defer rows.Close()

	var (
		nodes  []types.Node
		oldest time.Time
	)
	for rows.Next() {
		var raw []byte
		var fetchedAt time.Time
		if err := rows.Scan(&raw, &fetchedAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan node snapshot: %w", err)
		}

		var node types.Node
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to unmarshal node snapshot: %w", err)
		}
		// Cached state says nothing about current connectivity.
		node.Connected = false
		node.LocalNetwork = false
		nodes = append(nodes, node)

		if oldest.IsZero() || fetchedAt.Before(oldest) {
			oldest = fetchedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read node snapshots: %w", err)
	}
	return nodes, oldest, nil
}
