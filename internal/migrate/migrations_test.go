package migrate_test

import (
	"testing"

	"shepherd/internal/db"
	"shepherd/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if v, err := migrate.Current(conn); err != nil || v != 0 {
		t.Fatalf("fresh db version = %d, %v", v, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatal(err)
	}
	v, err := migrate.Current(conn)
	if err != nil || v != latest {
		t.Fatalf("expected version %d, got %d (%v)", latest, v, err)
	}
}

func TestEventPayloadIsImmutable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO domain_events(id,event_type,aggregate_type,aggregate_id,payload_json,status,created_by,created_at,updated_at)
VALUES ('e1','VM_START','vm','vm-1','{}','PENDING','alice','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.Exec(`UPDATE domain_events SET payload_json='{"x":1}' WHERE id='e1'`); err == nil {
		t.Fatalf("expected payload update to be rejected")
	}
	if _, err := conn.Exec(`UPDATE domain_events SET status='COMPLETED' WHERE id='e1'`); err != nil {
		t.Fatalf("status update should be allowed: %v", err)
	}
}
