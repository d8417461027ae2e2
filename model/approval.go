package model

import "time"

// RiskLevel classifies a task's risk as assessed by the Risk Assessor (§4.5).
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Role is a required-approver role (spec §3, §4.5).
type Role string

const (
	RoleDeveloper      Role = "developer"
	RoleTechLead       Role = "tech_lead"
	RoleDevOpsEngineer Role = "devops_engineer"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest. Terminal
// states (approved, rejected, expired) are write-once (spec §3).
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether s is one of the write-once terminal states.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalRequest is the durable HITL gate record (spec §3, §4.5).
type ApprovalRequest struct {
	RequestID      string         `json:"request_id"`
	WorkflowID     string         `json:"workflow_id"`
	ThreadID       string         `json:"thread_id"`
	CheckpointID   string         `json:"checkpoint_id"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	RequiredRole   Role           `json:"required_role"`
	Status         ApprovalStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	Justification  string         `json:"justification,omitempty"`
	ExternalRef    string         `json:"external_ref,omitempty"`
}
