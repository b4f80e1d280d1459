package domain

// Operation identifies the state-changing request a DomainEvent records.
type Operation string

const (
	OpVMCreate       Operation = "VM_CREATE"
	OpVMDelete       Operation = "VM_DELETE"
	OpVMStart        Operation = "VM_START"
	OpVMStop         Operation = "VM_STOP"
	OpVMRestart      Operation = "VM_RESTART"
	OpResourceDelete Operation = "RESOURCE_DELETE"
	OpBatchVMCreate  Operation = "BATCH_VM_CREATE"
)

// Operations lists every operation a request can carry.
var Operations = []Operation{OpVMCreate, OpVMDelete, OpVMStart, OpVMStop, OpVMRestart, OpResourceDelete, OpBatchVMCreate}

func (o Operation) Valid() bool {
	for _, op := range Operations {
		if op == o {
			return true
		}
	}
	return false
}

// Executable reports whether a worker runs the operation. Batch parents are
// bookkeeping only; their children carry the work.
func (o Operation) Executable() bool {
	return o.Valid() && o != OpBatchVMCreate
}

// Event statuses.
const (
	EventPending    = "PENDING"
	EventProcessing = "PROCESSING"
	EventCompleted  = "COMPLETED"
	EventFailed     = "FAILED"
	EventCancelled  = "CANCELLED"
)

func EventTerminal(status string) bool {
	return status == EventCompleted || status == EventFailed || status == EventCancelled
}

// Ticket statuses. PARTIAL_SUCCESS, IN_PROGRESS and COMPLETED are only ever
// derived for batch parents.
const (
	TicketPendingApproval = "PENDING_APPROVAL"
	TicketApproved        = "APPROVED"
	TicketRejected        = "REJECTED"
	TicketCancelled       = "CANCELLED"
	TicketExecuting       = "EXECUTING"
	TicketSuccess         = "SUCCESS"
	TicketFailed          = "FAILED"

	BatchInProgress     = "IN_PROGRESS"
	BatchCompleted      = "COMPLETED"
	BatchFailed         = "FAILED"
	BatchPartialSuccess = "PARTIAL_SUCCESS"
)

// Resource kinds, from root to leaf.
const (
	KindSystem  = "system"
	KindService = "service"
	KindVM      = "vm"
)

const (
	ResourceLive    = "live"
	ResourceDeleted = "deleted"
)

// Job states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobRetrying  = "retrying"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Role binding scopes.
const (
	ScopeGlobal   = "global"
	ScopeResource = "resource"
)

type Event struct {
	ID            string    `json:"id"`
	Type          Operation `json:"type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       string    `json:"payload_json"`
	Status        string    `json:"status" enum:"PENDING,PROCESSING,COMPLETED,FAILED,CANCELLED"`
	TenantID      string    `json:"tenant_id,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
	ArchivedAt    *string   `json:"archived_at,omitempty" format:"date-time"`
}

type Ticket struct {
	ID                 string  `json:"id"`
	EventID            string  `json:"event_id"`
	ParentTicketID     *string `json:"parent_ticket_id,omitempty"`
	Status             string  `json:"status"`
	ModifiedSpec       *string `json:"modified_spec,omitempty"`
	ModificationReason string  `json:"modification_reason,omitempty"`
	SelectedCluster    string  `json:"selected_cluster,omitempty"`
	Requester          string  `json:"requester"`
	DecidedBy          string  `json:"decided_by,omitempty"`
	DecisionReason     string  `json:"decision_reason,omitempty"`
	ChildCount         int     `json:"child_count,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

func (t Ticket) IsBatchParent() bool { return t.ChildCount > 0 }

// BatchStatus is computed from the children of a batch parent ticket.
type BatchStatus struct {
	ParentTicketID string `json:"parent_ticket_id"`
	Decision       string `json:"decision"`
	ChildCount     int    `json:"child_count"`
	SuccessCount   int    `json:"success_count"`
	FailedCount    int    `json:"failed_count"`
	PendingCount   int    `json:"pending_count"`
	Status         string `json:"status" enum:"IN_PROGRESS,COMPLETED,FAILED,PARTIAL_SUCCESS"`
}

// DeriveBatchStatus applies the parent status rule to child counts.
func DeriveBatchStatus(success, failed, pending int) string {
	switch {
	case pending > 0:
		return BatchInProgress
	case failed == 0:
		return BatchCompleted
	case success == 0:
		return BatchFailed
	default:
		return BatchPartialSuccess
	}
}

type RoleBinding struct {
	ID                  string   `json:"id"`
	UserID              string   `json:"user_id"`
	RoleID              string   `json:"role_id"`
	ScopeType           string   `json:"scope_type" enum:"global,resource"`
	ScopeID             string   `json:"scope_id,omitempty"`
	AllowedEnvironments []string `json:"allowed_environments"`
	GrantedBy           string   `json:"granted_by"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
}

type Resource struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind" enum:"system,service,vm"`
	Name        string  `json:"name"`
	ParentID    *string `json:"parent_id,omitempty"`
	Environment string  `json:"environment"`
	Sensitivity string  `json:"sensitivity" enum:"low,high"`
	Cluster     string  `json:"cluster,omitempty"`
	Namespace   string  `json:"namespace,omitempty"`
	Status      string  `json:"status" enum:"live,deleted"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Job struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	EventID     string  `json:"event_id"`
	TicketID    *string `json:"ticket_id,omitempty"`
	Queue       string  `json:"queue"`
	State       string  `json:"state"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	RunAt       string  `json:"run_at"`
	LockedBy    string  `json:"locked_by,omitempty"`
	LockedAt    *string `json:"locked_at,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
