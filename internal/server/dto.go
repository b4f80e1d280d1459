package server

import (
	"encoding/json"

	"shepherd/internal/domain"
	"shepherd/internal/engine"
)

// Request payloads

type SubmitRequestBody struct {
	Operation   string        `json:"operation" enum:"VM_CREATE,VM_DELETE,VM_START,VM_STOP,VM_RESTART,RESOURCE_DELETE"`
	Scope       domain.Scope  `json:"scope"`
	Spec        domain.VMSpec `json:"spec,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Confirm     bool          `json:"confirm,omitempty"`
	ConfirmName string        `json:"confirm_name,omitempty"`
}

func (b SubmitRequestBody) toEngine() engine.SubmitRequest {
	return engine.SubmitRequest{
		Operation:   domain.Operation(b.Operation),
		Scope:       b.Scope,
		Spec:        b.Spec,
		Reason:      b.Reason,
		Confirm:     b.Confirm,
		ConfirmName: b.ConfirmName,
	}
}

type BatchRequestBody struct {
	Scope  domain.Scope  `json:"scope"`
	Spec   domain.VMSpec `json:"spec"`
	Reason string        `json:"reason,omitempty"`
	Count  int           `json:"count" minimum:"1" maximum:"100"`
}

type ApproveRequestBody struct {
	ModifiedSpec       map[string]any `json:"modified_spec,omitempty"`
	ModificationReason string         `json:"modification_reason,omitempty"`
	SelectedCluster    string         `json:"selected_cluster,omitempty"`
	Reason             string         `json:"reason,omitempty"`
}

func (b ApproveRequestBody) toEngine() (engine.ApproveOptions, error) {
	opts := engine.ApproveOptions{
		ModificationReason: b.ModificationReason,
		SelectedCluster:    b.SelectedCluster,
		Reason:             b.Reason,
	}
	if b.ModifiedSpec != nil {
		raw, err := json.Marshal(b.ModifiedSpec)
		if err != nil {
			return opts, err
		}
		opts.ModifiedSpec = raw
	}
	return opts, nil
}

type DecisionRequestBody struct {
	Reason string `json:"reason,omitempty"`
}

type DeleteRequestBody struct {
	Confirm     bool   `json:"confirm,omitempty"`
	ConfirmName string `json:"confirm_name,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type RegisterResourceBody struct {
	ID          string `json:"id,omitempty"`
	Kind        string `json:"kind" enum:"system,service,vm"`
	Name        string `json:"name"`
	ParentID    string `json:"parent_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	Sensitivity string `json:"sensitivity,omitempty" enum:"low,high"`
	Cluster     string `json:"cluster,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

type GrantRequestBody struct {
	UserID              string   `json:"user_id"`
	RoleID              string   `json:"role_id"`
	ScopeType           string   `json:"scope_type,omitempty" enum:"global,resource"`
	ScopeID             string   `json:"scope_id,omitempty"`
	AllowedEnvironments []string `json:"allowed_environments"`
}

type CheckPermissionBody struct {
	ActorID     string `json:"actor_id,omitempty"`
	Permission  string `json:"permission"`
	ResourceID  string `json:"resource_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

type ArchiveRequestBody struct {
	OlderThanDays int `json:"older_than_days,omitempty" minimum:"0"`
}

type CreateAPIKeyBody struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ArchiveResponse struct {
	Archived int64 `json:"archived"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only returned on creation.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

type WhoAmIResponse struct {
	ActorID  string               `json:"actor_id"`
	TenantID string               `json:"tenant_id,omitempty"`
	Source   string               `json:"source"`
	Bindings []domain.RoleBinding `json:"bindings"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
