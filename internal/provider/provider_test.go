package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"shepherd/internal/domain"
)

func TestExecuteDispatchesClosedSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	req := Request{Operation: domain.OpVMCreate, ResourceID: "vm-1", Cluster: "cluster-a", Spec: domain.VMSpec{CPU: 2, MemoryMB: 1024}}
	if _, err := Execute(ctx, m, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Execute(ctx, m, req); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if m.Effects(domain.OpVMCreate) != 1 {
		t.Fatalf("expected one create effect")
	}
	for _, op := range []domain.Operation{domain.OpVMStop, domain.OpVMStart, domain.OpVMRestart} {
		if _, err := Execute(ctx, m, Request{Operation: op, ResourceID: "vm-1"}); err != nil {
			t.Fatalf("%s: %v", op, err)
		}
	}
	if _, err := Execute(ctx, m, Request{Operation: domain.OpVMDelete, ResourceID: "vm-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := Execute(ctx, m, Request{Operation: domain.OpVMDelete, ResourceID: "vm-1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := Execute(ctx, m, Request{Operation: domain.OpResourceDelete, ResourceID: "svc-1"}); err == nil {
		t.Fatalf("catalog operation must not reach the provider")
	}
}

func TestMemoryHonoursContext(t *testing.T) {
	m := NewMemory()
	m.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.CreateVM(ctx, Request{ResourceID: "vm-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if m.Exists("vm-1") {
		t.Fatalf("timed out call must not take effect")
	}
}
