package withdrawals

import "time"

// Role is the role of whoever acts on a withdrawal
type Role string

const (
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
	// RoleSystem is used for actions caused by external collaborators, like
	// the payout processor reporting back
	RoleSystem Role = "system"
)

// Actor is whoever caused an action
type Actor struct {
	ID   int  `json:"id"`
	Role Role `json:"role"`
}

// SystemActor acts on behalf of external collaborators
var SystemActor = Actor{Role: RoleSystem}

// Action is what happened to a withdrawal
type Action string

const (
	ActionRequest  Action = "REQUEST"
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionComplete Action = "COMPLETE"
)

// ActionFor returns the action that moves a request into the given status
func ActionFor(to Status) Action {
	switch to {
	case APPROVED:
		return ActionApprove
	case REJECTED:
		return ActionReject
	case PROCESSED:
		return ActionComplete
	default:
		return ActionRequest
	}
}

// AuditEntry records a single action taken on a withdrawal. Audit entries
// are never changed after they are written.
type AuditEntry struct {
	ID           int64     `db:"id" json:"id"`
	WithdrawalID string    `db:"withdrawal_id" json:"withdrawalId"`
	ActorID      int       `db:"actor_id" json:"actorId"`
	ActorRole    Role      `db:"actor_role" json:"actorRole"`
	Action       Action    `db:"action" json:"action"`
	FromStatus   *Status   `db:"from_status" json:"fromStatus,omitempty"`
	ToStatus     Status    `db:"to_status" json:"toStatus"`
	Note         *string   `db:"note" json:"note,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// NewAuditEntry creates the audit entry for the given actor moving the
// request from one status to another
func NewAuditEntry(actor Actor, withdrawalID string, from *Status, to Status, note *string, at time.Time) AuditEntry {
	action := ActionRequest
	if from != nil {
		action = ActionFor(to)
	}
	return AuditEntry{
		WithdrawalID: withdrawalID,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Action:       action,
		FromStatus:   from,
		ToStatus:     to,
		Note:         note,
		CreatedAt:    at,
	}
}
