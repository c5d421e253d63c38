package worker

import (
	"encoding/json"

	"github.com/codeready-toolchain/agentctl/pkg/store"
)

// agentConstraints is the subset of an Agent's resource_limits/model_config
// JSON documents the Execution Worker reads to build a Task's constraints
// (§4.7 step 6, §6's Execution Task schema).
type agentConstraints struct {
	RequiresApproval      bool            `json:"requiresApproval"`
	RiskLevel             store.RiskLevel `json:"riskLevel"`
	Model                 string          `json:"model"`
	MaxTokens             int             `json:"maxTokens"`
	AllowedTools          []string        `json:"allowedTools"`
	DeniedTools           []string        `json:"deniedTools"`
	MaxTurns              int             `json:"maxTurns"`
	NetworkAccess         bool            `json:"networkAccess"`
	ShellAccess           bool            `json:"shellAccess"`
	ApproverUserAccountID *string         `json:"approverUserAccountId"`
}

// decodeConstraints merges an agent's model_config and resource_limits
// documents into one constraints view. Fields set in resource_limits win
// on conflict, since resource_limits is the operator-controlled ceiling.
func decodeConstraints(agent *store.Agent) (agentConstraints, error) {
	var c agentConstraints
	if len(agent.ModelConfig) > 0 {
		if err := json.Unmarshal(agent.ModelConfig, &c); err != nil {
			return c, err
		}
	}
	if len(agent.ResourceLimits) > 0 {
		if err := json.Unmarshal(agent.ResourceLimits, &c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// skill is one resolved skill document from an agent's skill_config.
type skill struct {
	Name          string   `json:"name"`
	AllowedTools  []string `json:"allowedTools"`
	DeniedTools   []string `json:"deniedTools"`
	NetworkAccess *bool    `json:"networkAccess"`
	ShellAccess   *bool    `json:"shellAccess"`
	Instructions  string   `json:"instructions"`
}

// decodeSkills parses an agent's skill_config document into its resolved
// skill list. An empty or absent document resolves to no skills.
func decodeSkills(agent *store.Agent) ([]skill, error) {
	if len(agent.SkillConfig) == 0 {
		return nil, nil
	}
	var doc struct {
		Skills []skill `json:"skills"`
	}
	if err := json.Unmarshal(agent.SkillConfig, &doc); err != nil {
		return nil, err
	}
	return doc.Skills, nil
}

// narrowForSkills applies §4.7 step 6's skill-narrowing rule: allowedTools
// is intersected, deniedTools is unioned, and the two boolean capabilities
// are ANDed across every resolved skill. It is a pure function of the base
// constraints and the skill list, returning the narrowed constraints plus
// the concatenated skill instructions to append to the task context.
func narrowForSkills(base agentConstraints, skills []skill) (agentConstraints, string) {
	if len(skills) == 0 {
		return base, ""
	}

	out := base
	allowed := toSet(base.AllowedTools)
	denied := toSet(base.DeniedTools)
	instructions := ""

	for _, sk := range skills {
		if len(sk.AllowedTools) > 0 {
			allowed = intersect(allowed, toSet(sk.AllowedTools))
		}
		for t := range toSet(sk.DeniedTools) {
			denied[t] = true
		}
		if sk.NetworkAccess != nil {
			out.NetworkAccess = out.NetworkAccess && *sk.NetworkAccess
		}
		if sk.ShellAccess != nil {
			out.ShellAccess = out.ShellAccess && *sk.ShellAccess
		}
		if sk.Instructions != "" {
			if instructions != "" {
				instructions += "\n\n"
			}
			instructions += sk.Instructions
		}
	}

	out.AllowedTools = fromSet(allowed)
	out.DeniedTools = fromSet(denied)
	return out, instructions
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

func intersect(a, b map[string]bool) map[string]bool {
	if len(a) == 0 {
		return b
	}
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func fromSet(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
