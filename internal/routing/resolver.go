// Package routing resolves @mention prefixes against the configured agent
// and team tables (spec.md §4.2), and extracts teammate mentions from a
// team chain agent's response for the Team Chain Executor.
package routing

import (
	"regexp"
	"strings"

	"github.com/clawswarm/orchestrator/internal/config"
)

// Ambiguous is the sentinel agent id returned when more than one distinct
// agent/team is mentioned in the leading run of @tokens. It is never a
// valid agent id (spec.md §4.2 invariant).
const Ambiguous = "error"

// mentionToken matches one leading "@id" token, per spec.md §6's grammar
// "^@<id>(\s+@<id>)*\s+", <id> ∈ [a-z][a-z0-9_-]*.
var mentionToken = regexp.MustCompile(`^@([a-z][a-z0-9_-]*)\s*`)

// Decision is the outcome of resolving a message's routing.
type Decision struct {
	AgentID string // resolved agent id, or routing.Ambiguous
	Message string // payload with any leading @mention prefix stripped
	IsTeam  bool
	TeamID  string
}

// Resolve implements spec.md §4.2's routing rules.
func Resolve(cfg *config.Config, agentHint, message string) Decision {
	if agentHint != "" {
		if _, ok := cfg.AgentByID(agentHint); ok {
			return Decision{AgentID: agentHint, Message: message}
		}
	}

	ids, rest := leadingMentions(message)
	if len(ids) == 0 {
		return Decision{AgentID: cfg.DefaultAgentID(), Message: message}
	}

	distinct := distinctResolved(cfg, ids)
	if len(distinct) == 0 {
		return Decision{AgentID: cfg.DefaultAgentID(), Message: message}
	}
	if len(distinct) > 1 {
		return Decision{AgentID: Ambiguous, Message: message}
	}

	id := distinct[0]
	if agent, ok := cfg.AgentByID(id); ok {
		return Decision{AgentID: agent.ID, Message: rest}
	}
	team, _ := cfg.TeamByID(id)
	return Decision{AgentID: team.LeaderAgent, Message: rest, IsTeam: true, TeamID: team.ID}
}

// leadingMentions consumes the leading run of "@id" tokens from message,
// returning the matched ids in order and the remaining payload text.
func leadingMentions(message string) ([]string, string) {
	var ids []string
	rest := message
	for {
		m := mentionToken.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		ids = append(ids, m[1])
		rest = rest[len(m[0]):]
	}
	return ids, strings.TrimLeft(rest, " \t")
}

// distinctResolved returns the distinct known agent/team ids among ids,
// in order of first occurrence. Unknown tokens are dropped.
func distinctResolved(cfg *config.Config, ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		_, isAgent := cfg.AgentByID(id)
		_, isTeam := cfg.TeamByID(id)
		if !isAgent && !isTeam {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// SwarmPrefix matches a message whose first word is "@swarm", per
// spec.md §4.1's synthetic "swarm:<swarmId>" key rule.
var swarmMention = regexp.MustCompile(`^@swarm\s+(\S+)`)

// ResolveSwarm reports whether message addresses a swarm directly, and if
// so, which swarm id and the remaining payload.
func ResolveSwarm(message string) (swarmID, rest string, ok bool) {
	m := swarmMention.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return "", "", false
	}
	rest = strings.TrimSpace(strings.TrimSpace(message)[len(m[0]):])
	return m[1], rest, true
}

// Mention is one teammate mention extracted from a team chain agent's
// response, per spec.md §4.2's "Teammate-mention extraction".
type Mention struct {
	AgentID string
	Body    string
}

var teammateToken = regexp.MustCompile(`@([a-z][a-z0-9_-]*)`)

// ExtractMentions scans response for @X mentions where X is a teammate id,
// in order of first occurrence. The body for each mention is the text
// immediately following it, up to the next teammate mention or end of
// response.
func ExtractMentions(response string, teammates []string) []Mention {
	teammateSet := make(map[string]bool, len(teammates))
	for _, t := range teammates {
		teammateSet[t] = true
	}

	allLocs := teammateToken.FindAllStringSubmatchIndex(response, -1)
	var locs [][]int
	for _, loc := range allLocs {
		if teammateSet[response[loc[2]:loc[3]]] {
			locs = append(locs, loc)
		}
	}

	var mentions []Mention
	for i, loc := range locs {
		id := response[loc[2]:loc[3]]
		start := loc[1]
		end := len(response)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(response[start:end])
		mentions = append(mentions, Mention{AgentID: id, Body: body})
	}
	return mentions
}
