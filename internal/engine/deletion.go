package engine

import (
	"context"
	"fmt"

	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
)

type DeleteRequest struct {
	ResourceID  string `json:"resource_id"`
	Confirm     bool   `json:"confirm,omitempty"`
	ConfirmName string `json:"confirm_name,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RequestDelete submits VM_DELETE for a vm and RESOURCE_DELETE for a service
// or system.
func (e Engine) RequestDelete(ctx context.Context, p auth.Principal, req DeleteRequest) (SubmitResult, error) {
	res, err := e.Repo.GetResource(ctx, req.ResourceID)
	if err != nil {
		return SubmitResult{}, notFound(err, "resource", req.ResourceID)
	}
	op := domain.OpResourceDelete
	if res.Kind == domain.KindVM {
		op = domain.OpVMDelete
	}
	return e.Submit(ctx, p, SubmitRequest{
		Operation:   op,
		Scope:       domain.Scope{ResourceID: res.ID},
		Reason:      req.Reason,
		Confirm:     req.Confirm,
		ConfirmName: req.ConfirmName,
	})
}

// checkDelete applies the cascade rule and then the confirmation tier. res
// must be a fresh read so the expected name is the live one.
func (e Engine) checkDelete(ctx context.Context, res domain.Resource, confirm bool, confirmName string) error {
	n, err := e.Repo.CountDeleteBlockers(ctx, res.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return domain.RestrictedError{ChildCount: n}
	}
	if e.Config.StrictDelete(res.Environment, res.Sensitivity) {
		if confirmName == "" {
			return domain.ConfirmationRequiredError{Expected: res.Name, Strict: true}
		}
		if confirmName != res.Name {
			return domain.ConflictError{
				Code:    domain.CodeConfirmationMismatch,
				Message: fmt.Sprintf("confirmation %q does not match %q", confirmName, res.Name),
			}
		}
		return nil
	}
	if !confirm {
		return domain.ConfirmationRequiredError{Expected: "true"}
	}
	return nil
}
