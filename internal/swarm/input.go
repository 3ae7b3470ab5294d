package swarm

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/clawswarm/orchestrator/internal/config"
)

// CommandExecutor runs a shell command and returns its captured stdout.
// Grounded on the teacher's internal/tools.Executor shell-tool interface.
type CommandExecutor interface {
	Exec(ctx context.Context, command, workDir string) (stdout string, err error)
}

// HostCommandExecutor runs commands on the host via "sh -c".
type HostCommandExecutor struct{}

func (HostCommandExecutor) Exec(ctx context.Context, command, workDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	out, err := cmd.Output()
	return string(out), err
}

var (
	jsonArrayRe  = regexp.MustCompile(`(?s)\[.*\]`)
	repoTokenRe  = regexp.MustCompile(`\b[\w.-]+/[\w.-]+\b`)
	limitTokenRe = regexp.MustCompile(`\b\d+\b`)
	keyValueRe   = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_]*)=(\S+)`)
	backtickRe   = regexp.MustCompile("`([^`]+)`")
)

// resolveInput implements spec.md §4.4's Input Resolution priority order.
func (e *Engine) resolveInput(ctx context.Context, swarmSpec config.SwarmSpec, userMessage string, attachedFiles []string) ([]string, error) {
	if items, ok := parseInlineJSONArray(userMessage); ok {
		return items, nil
	}

	if len(attachedFiles) > 0 {
		var items []string
		for _, path := range attachedFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			items = append(items, parseFileContent(string(data))...)
		}
		if len(items) > 0 {
			return items, nil
		}
	}

	if swarmSpec.Input != nil && swarmSpec.Input.Command != "" {
		command := substituteParams(swarmSpec.Input.Command, userMessage)
		out, err := e.executor.Exec(ctx, command, "")
		if err != nil {
			return nil, err
		}
		return parseByType(out, swarmSpec.Input.Type), nil
	}

	if m := backtickRe.FindStringSubmatch(userMessage); m != nil {
		out, err := e.executor.Exec(ctx, m[1], "")
		if err != nil {
			return nil, err
		}
		inputType := "lines"
		if swarmSpec.Input != nil {
			inputType = swarmSpec.Input.Type
		}
		return parseByType(out, inputType), nil
	}

	return nil, nil
}

// parseInlineJSONArray looks for a JSON array literal anywhere in message.
func parseInlineJSONArray(message string) ([]string, bool) {
	loc := jsonArrayRe.FindString(message)
	if loc == "" {
		return nil, false
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(loc), &raw); err != nil {
		return nil, false
	}
	items := make([]string, 0, len(raw))
	for _, r := range raw {
		items = append(items, stringifyJSON(r))
	}
	return items, true
}

// parseFileContent parses one attachment: a JSON array if the whole
// content parses as one, otherwise one item per non-empty line.
func parseFileContent(content string) []string {
	trimmed := strings.TrimSpace(content)
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err == nil {
		items := make([]string, 0, len(raw))
		for _, r := range raw {
			items = append(items, stringifyJSON(r))
		}
		return items
	}
	return splitLines(content)
}

// parseByType parses command output according to input.type.
func parseByType(output, inputType string) []string {
	if inputType == "json_array" {
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &raw); err == nil {
			items := make([]string, 0, len(raw))
			for _, r := range raw {
				items = append(items, stringifyJSON(r))
			}
			return items
		}
		return nil
	}
	return splitLines(output)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stringifyJSON(r json.RawMessage) string {
	var s string
	if err := json.Unmarshal(r, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r))
}

// substituteParams replaces {{param}} placeholders in command using values
// derived from userMessage: {{repo}} from an owner/name token, {{limit}}
// from a numeric token, and any other {{key}} from an explicit "key=value"
// pair appearing in the message.
func substituteParams(command, userMessage string) string {
	params := map[string]string{}
	if m := repoTokenRe.FindString(userMessage); m != "" {
		params["repo"] = m
	}
	if m := limitTokenRe.FindString(userMessage); m != "" {
		params["limit"] = m
	}
	for _, m := range keyValueRe.FindAllStringSubmatch(userMessage, -1) {
		params[m[1]] = m[2]
	}

	out := command
	for key, value := range params {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
