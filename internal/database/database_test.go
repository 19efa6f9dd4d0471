package database

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

var _ ledger.Sink = (*DB)(nil)

func TestNilDB_FailsOpen(t *testing.T) {
	var db *DB
	ctx := context.Background()

	if db.Enabled() {
		t.Fatal("nil DB must report disabled")
	}
	db.Close()
	if err := db.Migrate(ctx); err != nil {
		t.Errorf("Migrate: %v", err)
	}
	if err := db.RecordCost(ctx, ledger.Record{Seq: 1, Model: "gpt-4o"}); err != nil {
		t.Errorf("RecordCost: %v", err)
	}
	if n, err := db.PruneCostRecords(ctx, time.Now()); err != nil || n != 0 {
		t.Errorf("PruneCostRecords = %d, %v", n, err)
	}
	if err := db.ArchiveMessage(ctx, blackboard.Message{ID: "m1"}); err != nil {
		t.Errorf("ArchiveMessage: %v", err)
	}
	if err := db.UpsertPricing(ctx, models.ModelPricing{Model: "x"}); err != nil {
		t.Errorf("UpsertPricing: %v", err)
	}
	table, err := db.LoadPricing(ctx)
	if err != nil || len(table) != 0 {
		t.Errorf("LoadPricing = %v, %v; want empty table", table, err)
	}
}

func TestSchemaStoresOnlyPriceOverrides(t *testing.T) {
	if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS pricing_overrides") {
		t.Error("schema is missing the pricing_overrides table")
	}
	if strings.Contains(schema, "model_pricing") || strings.Contains(strings.ToUpper(schema), "INSERT INTO") {
		t.Error("schema must not create or seed a full price table")
	}
}

func TestEmptyDB_FailsOpen(t *testing.T) {
	db := &DB{}
	if db.Enabled() {
		t.Fatal("DB without pool must report disabled")
	}
	if err := db.RecordCost(context.Background(), ledger.Record{}); err != nil {
		t.Errorf("RecordCost: %v", err)
	}
}

func TestMessageRow(t *testing.T) {
	conf := 0.8
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := blackboard.Message{
		ID:        "m2",
		Type:      blackboard.TypeDecision,
		Agent:     blackboard.RoleRouter,
		Timestamp: ts,
		ParentID:  "m1",
		Status:    blackboard.StatusPending,
		Content: blackboard.Content{
			Text:     "routed",
			Metadata: blackboard.Metadata{DecisionID: "d1", Model: "gpt-4o", Confidence: &conf},
		},
	}

	args, err := messageRow(msg)
	if err != nil {
		t.Fatalf("messageRow: %v", err)
	}
	if len(args) != 8 {
		t.Fatalf("expected 8 columns, got %d", len(args))
	}
	if args[0] != "m2" || args[1] != "decision" || args[2] != "router" || args[4] != "pending" || args[5] != "routed" {
		t.Errorf("unexpected scalar columns %v", args[:6])
	}
	parent, ok := args[3].(*string)
	if !ok || parent == nil || *parent != "m1" {
		t.Errorf("parent column = %v", args[3])
	}
	var md map[string]any
	if err := json.Unmarshal(args[6].([]byte), &md); err != nil {
		t.Fatalf("metadata not JSON: %v", err)
	}
	if md["decision_id"] != "d1" || md["confidence"] != 0.8 {
		t.Errorf("metadata = %v", md)
	}
	if args[7] != ts {
		t.Errorf("timestamp column = %v", args[7])
	}

	root := msg
	root.ParentID = ""
	args, _ = messageRow(root)
	if p := args[3].(*string); p != nil {
		t.Errorf("root message parent should be NULL, got %q", *p)
	}
}
