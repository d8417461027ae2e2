package model

// Tool describes one entry in the tool catalog (spec §3, §4.4).
type Tool struct {
	Name          string   `json:"name"`
	Server        string   `json:"server"`
	Description   string   `json:"description"`
	InputSchema   []byte   `json:"input_schema,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	AgentAffinity []string `json:"agent_affinity,omitempty"`
}

// AgentProfile describes one specialist node's configuration (spec §3).
type AgentProfile struct {
	AgentName        string   `json:"agent_name"`
	ModelHint        string   `json:"model_hint"`
	SystemPrompt     string   `json:"system_prompt"`
	AllowedServers   []string `json:"allowed_servers"`
	RecommendedTools []string `json:"recommended_tools"`
	Temperature      float64  `json:"temperature"`
	// StateChanging marks this agent node as one the Approval Gate must
	// interpose before (spec §4.6).
	StateChanging bool `json:"state_changing"`
}
