package patterns

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/movesentry/movesentry/internal/finding"
)

var (
	adminPrefixPattern   = regexp.MustCompile(`^(admin|sudo|owner|god)_`)
	pauseTogglePattern   = regexp.MustCompile(`(^|_)(pause|unpause|resume)($|_)`)
	upgradePattern       = regexp.MustCompile(`(^|_)(upgrade|publish_package|set_code|migrate_code)($|_)`)
	roleGrantPattern     = regexp.MustCompile(`(^|_)(grant_role|add_role|set_role|assign_role|add_admin|add_minter|add_operator)($|_)`)
	timelockBypassTokens = regexp.MustCompile(`(bypass|skip|override)_[a-z_]*(timelock|delay)|execute_immediately|instant_execute`)
)

// permissionRules flag calls that reshape who controls a module: admin
// entry points, pause switches, code upgrades, role grants, and
// timelock bypasses.
func permissionRules() []Rule {
	return []Rule{
		{
			ID:       "permission-admin-function",
			Category: finding.CategoryPermission,
			Function: adminPrefixPattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityMedium,
					Title:       "Privileged admin function",
					Description: fmt.Sprintf("Function %q is a privileged entry point by naming convention.", pc.Call.Function()),
					Confidence:  0.65,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "permission-pause-toggle",
			Category: finding.CategoryPermission,
			Function: pauseTogglePattern,
			Check: func(pc *Context) *finding.Finding {
				// Pausing traps user funds; unpausing merely restores flow.
				name := pc.FunctionName()
				if strings.Contains(name, "unpause") || strings.Contains(name, "resume") {
					return &finding.Finding{
						Severity:    finding.SeverityMedium,
						Title:       "Contract unpause",
						Description: fmt.Sprintf("Function %q re-enables a paused module.", pc.Call.Function()),
						Confidence:  0.65,
						Evidence: map[string]string{
							"function": pc.Call.Function(),
						},
					}
				}
				return &finding.Finding{
					Severity:    finding.SeverityHigh,
					Title:       "Contract pause",
					Description: fmt.Sprintf("Function %q can halt the module, freezing user funds until unpaused.", pc.Call.Function()),
					Confidence:  0.75,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "permission-upgrade",
			Category: finding.CategoryPermission,
			Function: upgradePattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:       finding.SeverityCritical,
					Title:          "Contract upgrade",
					Description:    fmt.Sprintf("Function %q replaces module code. Whatever was audited before the upgrade no longer applies after it.", pc.Call.Function()),
					Recommendation: "Only proceed if the upgrade source is published and verified.",
					Confidence:     0.9,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "permission-role-grant",
			Category: finding.CategoryPermission,
			Function: roleGrantPattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityHigh,
					Title:       "Role grant",
					Description: fmt.Sprintf("Function %q hands a privileged role to another account.", pc.Call.Function()),
					Confidence:  0.7,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "permission-timelock-bypass",
			Category: finding.CategoryPermission,
			Function: timelockBypassTokens,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityCritical,
					Title:       "Timelock bypass",
					Description: fmt.Sprintf("Function %q executes a governance action without waiting out its delay. Timelocks exist so users can exit first.", pc.Call.Function()),
					Confidence:  0.8,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
	}
}
