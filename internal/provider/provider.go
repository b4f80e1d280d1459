// Package provider is the boundary to the infrastructure that actually
// creates, deletes and powers virtual machines.
package provider

import (
	"context"
	"errors"
	"fmt"

	"shepherd/internal/domain"
)

var (
	// ErrAlreadyExists means the side effect is already in place. Workers
	// treat it as success on redelivery.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound means the target is gone. A delete treats it as success.
	ErrNotFound = errors.New("not found on cluster")
)

// Request is the effective work for one job.
type Request struct {
	Operation  domain.Operation
	ResourceID string
	Cluster    string
	Scope      domain.Scope
	Spec       domain.VMSpec
}

type Result struct {
	ResourceID string `json:"resource_id"`
	Detail     string `json:"detail,omitempty"`
}

// Provider has one method per capability.
type Provider interface {
	CreateVM(ctx context.Context, req Request) (Result, error)
	DeleteVM(ctx context.Context, req Request) (Result, error)
	StartVM(ctx context.Context, req Request) (Result, error)
	StopVM(ctx context.Context, req Request) (Result, error)
	RestartVM(ctx context.Context, req Request) (Result, error)
}

// Execute dispatches req to the matching capability of p.
func Execute(ctx context.Context, p Provider, req Request) (Result, error) {
	switch req.Operation {
	case domain.OpVMCreate:
		return p.CreateVM(ctx, req)
	case domain.OpVMDelete:
		return p.DeleteVM(ctx, req)
	case domain.OpVMStart:
		return p.StartVM(ctx, req)
	case domain.OpVMStop:
		return p.StopVM(ctx, req)
	case domain.OpVMRestart:
		return p.RestartVM(ctx, req)
	default:
		return Result{}, fmt.Errorf("operation %s has no provider capability", req.Operation)
	}
}

// NeedsProvider reports whether op reaches the infrastructure. Catalog-only
// operations are settled by the worker alone.
func NeedsProvider(op domain.Operation) bool {
	switch op {
	case domain.OpVMCreate, domain.OpVMDelete, domain.OpVMStart, domain.OpVMStop, domain.OpVMRestart:
		return true
	}
	return false
}
