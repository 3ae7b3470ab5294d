package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/worker"
)

const defaultReducePrompt = "Summarize the following results:\n\n{{items}}"

// reduce implements spec.md §4.4's no-shuffle Reduce phase: concatenate,
// summarize, or hierarchical.
func (e *Engine) reduce(ctx context.Context, swarmSpec config.SwarmSpec, defaultAgent config.AgentSpec, userMessage string, succeeded []Batch) (string, error) {
	texts := make([]string, len(succeeded))
	for i, b := range succeeded {
		texts[i] = b.Result
	}

	strategy := "concatenate"
	reducePrompt := defaultReducePrompt
	reducerAgent := defaultAgent
	if swarmSpec.Reduce != nil {
		if swarmSpec.Reduce.Strategy != "" {
			strategy = swarmSpec.Reduce.Strategy
		}
		if swarmSpec.Reduce.Prompt != "" {
			reducePrompt = swarmSpec.Reduce.Prompt
		}
		if swarmSpec.Reduce.Agent != "" {
			if a, ok := e.cfg.AgentByID(swarmSpec.Reduce.Agent); ok {
				reducerAgent = a
			}
		}
	}

	switch strategy {
	case "summarize":
		return e.summarize(ctx, reducerAgent, reducePrompt, texts)
	case "hierarchical":
		return e.hierarchicalReduce(ctx, reducerAgent, reducePrompt, texts)
	default:
		return strings.Join(texts, "\n---\n"), nil
	}
}

func (e *Engine) summarize(ctx context.Context, agent config.AgentSpec, promptTemplate string, texts []string) (string, error) {
	prompt := renderVars(promptTemplate, map[string]string{"items": strings.Join(texts, "\n---\n")})
	return e.invokeFresh(ctx, agent, prompt)
}

// hierarchicalReduce groups texts into chunks of hierarchicalReduceFanin,
// reduces each chunk, then recursively reduces the chunk summaries until
// one remains.
func (e *Engine) hierarchicalReduce(ctx context.Context, agent config.AgentSpec, promptTemplate string, texts []string) (string, error) {
	if len(texts) == 1 {
		return texts[0], nil
	}

	current := texts
	for len(current) > 1 {
		var next []string
		for i := 0; i < len(current); i += hierarchicalReduceFanin {
			end := i + hierarchicalReduceFanin
			if end > len(current) {
				end = len(current)
			}
			chunk := current[i:end]
			summary, err := e.summarize(ctx, agent, promptTemplate, chunk)
			if err != nil {
				return "", fmt.Errorf("hierarchical reduce: %w", err)
			}
			next = append(next, summary)
		}
		current = next
	}
	return current[0], nil
}

// invokeFresh invokes agent in a fresh conversation, per the reduce
// strategies' "each invocation uses a fresh conversation" rule.
func (e *Engine) invokeFresh(ctx context.Context, agent config.AgentSpec, prompt string) (string, error) {
	workDir := e.cfg.ResolveWorkingDirectory(agent)
	result, err := e.invoker.Invoke(ctx, worker.Request{
		Agent:    agent,
		Prompt:   prompt,
		Continue: false,
		WorkDir:  workDir,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
