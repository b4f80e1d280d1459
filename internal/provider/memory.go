package provider

import (
	"context"
	"sync"
	"time"

	"shepherd/internal/domain"
)

// Memory is an in-process provider used by the dev server and tests.
type Memory struct {
	// Delay is applied to every call and honours ctx cancellation.
	Delay time.Duration
	// Fail, when set, can fail a call before it takes effect.
	Fail func(req Request) error

	mu      sync.Mutex
	vms     map[string]memoryVM
	effects map[domain.Operation]int
}

type memoryVM struct {
	Cluster string
	Running bool
	Spec    domain.VMSpec
}

func NewMemory() *Memory {
	return &Memory{vms: map[string]memoryVM{}, effects: map[domain.Operation]int{}}
}

// Effects counts side effects actually applied per operation.
func (m *Memory) Effects(op domain.Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effects[op]
}

func (m *Memory) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.vms[id]
	return ok
}

func (m *Memory) SpecOf(id string) (domain.VMSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[id]
	return vm.Spec, ok
}

func (m *Memory) before(ctx context.Context, req Request) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Fail != nil {
		return m.Fail(req)
	}
	return nil
}

func (m *Memory) CreateVM(ctx context.Context, req Request) (Result, error) {
	if err := m.before(ctx, req); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vms[req.ResourceID]; ok {
		return Result{ResourceID: req.ResourceID}, ErrAlreadyExists
	}
	m.vms[req.ResourceID] = memoryVM{Cluster: req.Cluster, Running: true, Spec: req.Spec}
	m.effects[domain.OpVMCreate]++
	return Result{ResourceID: req.ResourceID, Detail: "created"}, nil
}

func (m *Memory) DeleteVM(ctx context.Context, req Request) (Result, error) {
	if err := m.before(ctx, req); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vms[req.ResourceID]; !ok {
		return Result{ResourceID: req.ResourceID}, ErrNotFound
	}
	delete(m.vms, req.ResourceID)
	m.effects[domain.OpVMDelete]++
	return Result{ResourceID: req.ResourceID, Detail: "deleted"}, nil
}

func (m *Memory) StartVM(ctx context.Context, req Request) (Result, error) {
	return m.power(ctx, req, domain.OpVMStart, true)
}

func (m *Memory) StopVM(ctx context.Context, req Request) (Result, error) {
	return m.power(ctx, req, domain.OpVMStop, false)
}

func (m *Memory) RestartVM(ctx context.Context, req Request) (Result, error) {
	return m.power(ctx, req, domain.OpVMRestart, true)
}

func (m *Memory) power(ctx context.Context, req Request, op domain.Operation, running bool) (Result, error) {
	if err := m.before(ctx, req); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[req.ResourceID]
	if !ok {
		return Result{}, ErrNotFound
	}
	vm.Running = running
	m.vms[req.ResourceID] = vm
	m.effects[op]++
	return Result{ResourceID: req.ResourceID, Detail: string(op)}, nil
}

// Seed registers an existing VM, as if created outside the engine.
func (m *Memory) Seed(id, cluster string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms[id] = memoryVM{Cluster: cluster, Running: true}
}
