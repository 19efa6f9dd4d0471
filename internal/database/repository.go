package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

// RecordCost stores a cost record. It satisfies ledger.Sink.
func (db *DB) RecordCost(ctx context.Context, r ledger.Record) error {
	if !db.Enabled() {
		return nil
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO cost_records (
			seq, user_id, endpoint, model, tokens_input, tokens_output,
			cost_usd, complexity, cached, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, int64(r.Seq), r.UserID, r.Endpoint, r.Model, r.TokensInput, r.TokensOutput,
		r.Cost, string(r.Complexity), r.Cached, r.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting cost record: %w", err)
	}
	return nil
}

// PruneCostRecords deletes cost records older than cutoff and reports how many went.
func (db *DB) PruneCostRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	if !db.Enabled() {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `DELETE FROM cost_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning cost records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// messageRow flattens a message into column values.
func messageRow(m blackboard.Message) ([]any, error) {
	md, err := json.Marshal(m.Content.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	var parent *string
	if m.ParentID != "" {
		p := m.ParentID
		parent = &p
	}
	return []any{
		m.ID, string(m.Type), string(m.Agent), parent,
		string(m.Status), m.Content.Text, md, m.Timestamp,
	}, nil
}

// ArchiveMessage upserts a blackboard message. Status changes overwrite the row.
func (db *DB) ArchiveMessage(ctx context.Context, m blackboard.Message) error {
	if !db.Enabled() {
		return nil
	}
	args, err := messageRow(m)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO blackboard_messages (id, type, agent, parent_id, status, text, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`, args...)
	if err != nil {
		return fmt.Errorf("archiving message %s: %w", m.ID, err)
	}
	return nil
}

// LoadPricing returns the operator price overrides written by UpsertPricing.
// Policy prices are never stored. An empty table is not an error.
func (db *DB) LoadPricing(ctx context.Context) (models.PricingTable, error) {
	table := models.PricingTable{}
	if !db.Enabled() {
		return table, nil
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT model, provider, input_per_1k, output_per_1k, updated_at
		FROM pricing_overrides
	`)
	if err != nil {
		return nil, fmt.Errorf("querying pricing: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			mp       models.ModelPricing
			provider string
		)
		if err := rows.Scan(&mp.Model, &provider, &mp.InputPer1K, &mp.OutputPer1K, &mp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning pricing: %w", err)
		}
		mp.Provider = models.LLMProvider(provider)
		table[mp.Model] = mp
	}
	return table, rows.Err()
}

// UpsertPricing stores an operator price override.
func (db *DB) UpsertPricing(ctx context.Context, p models.ModelPricing) error {
	if !db.Enabled() {
		return nil
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO pricing_overrides (model, provider, input_per_1k, output_per_1k)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model) DO UPDATE
		SET provider = EXCLUDED.provider,
		    input_per_1k = EXCLUDED.input_per_1k,
		    output_per_1k = EXCLUDED.output_per_1k,
		    updated_at = NOW()
	`, p.Model, string(p.Provider), p.InputPer1K, p.OutputPer1K)
	if err != nil {
		return fmt.Errorf("upserting pricing for %s: %w", p.Model, err)
	}
	return nil
}
