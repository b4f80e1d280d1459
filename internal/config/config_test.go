package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shepherd/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.RequiresApproval(domain.OpVMCreate) {
		t.Fatalf("expected VM_CREATE to require approval")
	}
	if cfg.RequiresApproval(domain.OpVMStart) {
		t.Fatalf("expected VM_START to be auto-approved")
	}
	if !cfg.StrictDelete("prod", "low") || !cfg.StrictDelete("test", "high") {
		t.Fatalf("expected prod or high sensitivity to be strict")
	}
	if cfg.StrictDelete("test", "low") {
		t.Fatalf("expected test/low to be non-strict")
	}
}

func TestValidateSafeCeiling(t *testing.T) {
	_, err := FromYAML([]byte(`
worker:
  replicas: 3
  safe_ceiling: 10
  domains:
    cluster-a: 2
    cluster-b: 2
`))
	if err == nil || !strings.Contains(err.Error(), "exceeds safe ceiling") {
		t.Fatalf("expected ceiling error, got %v", err)
	}
	cfg, err := FromYAML([]byte(`
worker:
  replicas: 2
  safe_ceiling: 8
  domains:
    cluster-a: 2
    cluster-b: 2
`))
	if err != nil {
		t.Fatalf("expected ceiling to fit: %v", err)
	}
	if cfg.Worker.LocalCeiling() != 4 {
		t.Fatalf("expected local ceiling 4, got %d", cfg.Worker.LocalCeiling())
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Fatalf("expected defaulted max attempts, got %d", cfg.Worker.MaxAttempts)
	}
}

func TestValidateRejectsUnknownOperation(t *testing.T) {
	_, err := FromYAML([]byte(`
approval:
  required: [VM_EXPLODE]
`))
	if err == nil {
		t.Fatalf("expected unknown operation error")
	}
}

func TestDefaultClusterNeedsDomain(t *testing.T) {
	_, err := FromYAML([]byte(`
approval:
  default_cluster: cluster-z
`))
	if err == nil || !strings.Contains(err.Error(), "no worker domain") {
		t.Fatalf("expected default cluster error, got %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected default config, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "shepherd.yml"), []byte("retention:\n  archive_after_days: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retention.ArchiveAfterDays != 7 {
		t.Fatalf("expected 7 days, got %d", cfg.Retention.ArchiveAfterDays)
	}
	if _, ok := cfg.RBAC.Roles["admin"]; !ok {
		t.Fatalf("expected default roles to be kept")
	}
}

func TestStaleWindowMustOutlastTimeout(t *testing.T) {
	_, err := FromYAML([]byte(`
worker:
  timeout_seconds: 600
  stale_after_seconds: 30
`))
	if err == nil || !strings.Contains(err.Error(), "stale_after_seconds") {
		t.Fatalf("expected stale window error, got %v", err)
	}
	_, err = FromYAML([]byte(`
worker:
  timeout_seconds: 60
  stale_after_seconds: 80
`))
	if err == nil {
		t.Fatalf("expected a window inside the margin to be rejected")
	}
	cfg, err := FromYAML([]byte(`
worker:
  timeout_seconds: 60
  stale_after_seconds: 90
`))
	if err != nil {
		t.Fatalf("expected timeout plus margin to fit: %v", err)
	}
	if cfg.Worker.StaleAfter()-cfg.Worker.Timeout() < StaleMargin {
		t.Fatalf("unexpected window %s", cfg.Worker.StaleAfter())
	}
}
