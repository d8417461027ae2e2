package risk

import (
	"time"

	"github.com/flowforge/orchestrator/model"
)

type timeoutDuration = time.Duration

// levelTimeouts implements the approval window table from spec §4.5. The
// defaults below match spec §6's configuration surface
// (medium=1800s, high=3600s, critical=7200s); SetLevelTimeouts lets the
// config package override them at startup from approval_timeouts.
var levelTimeouts = map[model.RiskLevel]time.Duration{
	model.RiskLow:      0,
	model.RiskMedium:   30 * time.Minute,
	model.RiskHigh:     60 * time.Minute,
	model.RiskCritical: 120 * time.Minute,
}

// SetLevelTimeouts overrides the approval window table. Levels absent from
// timeouts keep their previous value.
func SetLevelTimeouts(timeouts map[model.RiskLevel]time.Duration) {
	for level, d := range timeouts {
		levelTimeouts[level] = d
	}
}

// DefaultRole returns the level table's default required role (spec §4.5),
// used by callers building rules that don't set an explicit RequiredRole.
func DefaultRole(level model.RiskLevel) model.Role {
	switch level {
	case model.RiskMedium:
		return model.RoleDeveloper
	case model.RiskHigh:
		return model.RoleTechLead
	case model.RiskCritical:
		return model.RoleDevOpsEngineer
	default:
		return ""
	}
}
