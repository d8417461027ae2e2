// Package model defines the data types threaded between the orchestrator's
// six components: Task, WorkflowState, Checkpoint, Tool, AgentProfile,
// ApprovalRequest, Event, and Lock (spec §3).
package model

import "time"

// Priority classifies the urgency of a submitted Task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Task is a free-form development task submitted via POST /orchestrate.
// Once assigned to a workflow run it is immutable.
type Task struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	Context     map[string]any `json:"context,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Message is one turn in a WorkflowState's conversation, mirroring the
// role/content/tool_calls shape most chat-completion providers expect.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ToolCall records one LLM-issued tool invocation and, once executed, its result.
type ToolCall struct {
	ID             string `json:"id"`
	ToolName       string `json:"tool_name"`
	Arguments      []byte `json:"arguments,omitempty"`
	Result         []byte `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
