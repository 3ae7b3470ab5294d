package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/clawswarm/orchestrator/internal/config"
)

const defaultShuffleReducePrompt = "Review the following items for partition \"{{partition_key}}\" and report any duplicates:\n\n{{items}}"
const defaultShuffleMergePrompt = "Merge the following partition summaries into one report:\n\n{{items}}"

// shuffle re-partitions successful batch results by key and reduces each
// partition, per spec.md §4.4's Shuffle phase.
func (e *Engine) shuffle(ctx context.Context, swarmSpec config.SwarmSpec, defaultAgent config.AgentSpec, userMessage string, succeeded []Batch) (string, error) {
	spec := swarmSpec.Shuffle

	items := parseStructuredItems(succeeded, e.logger)
	partitions := groupByKey(items, spec.KeyField, spec.MultiKey)
	split := subSplit(partitions, spec.MaxPartitionSize)

	agent := defaultAgent
	if swarmSpec.Reduce != nil && swarmSpec.Reduce.Agent != "" {
		if a, ok := e.cfg.AgentByID(swarmSpec.Reduce.Agent); ok {
			agent = a
		}
	}

	reduced := e.reducePartitions(ctx, agent, spec, userMessage, split, swarmSpec.Concurrency)
	return e.mergePartitions(ctx, agent, spec, reduced)
}

// structuredItem is one parsed JSON object from a batch result, plus the
// raw text used to render it back into a prompt.
type structuredItem struct {
	obj map[string]any
	raw string
}

// parseStructuredItems implements spec.md §4.4's Shuffle "Parse" step.
func parseStructuredItems(batches []Batch, logger interface{ Warn(string, ...any) }) []structuredItem {
	var out []structuredItem
	for _, b := range batches {
		result := strings.TrimSpace(b.Result)

		if items, ok := parseAsJSONValue(result); ok {
			out = append(out, items...)
			continue
		}
		if items, ok := parseFirstBracketArray(result); ok {
			out = append(out, items...)
			continue
		}
		if items, ok := parseObjectLines(result); ok {
			out = append(out, items...)
			continue
		}
		logger.Warn("swarm: batch result did not parse into structured items, dropped from shuffle", "batch_index", b.Index)
	}
	return out
}

func parseAsJSONValue(s string) ([]structuredItem, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(s), &arr); err == nil {
		var out []structuredItem
		for _, raw := range arr {
			var obj map[string]any
			if err := json.Unmarshal(raw, &obj); err == nil {
				out = append(out, structuredItem{obj: obj, raw: string(raw)})
			}
		}
		return out, true
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return []structuredItem{{obj: obj, raw: s}}, true
	}
	return nil, false
}

func parseFirstBracketArray(s string) ([]structuredItem, bool) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, false
	}
	return parseAsJSONValue(s[start : end+1])
}

func parseObjectLines(s string) ([]structuredItem, bool) {
	var out []structuredItem
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			out = append(out, structuredItem{obj: obj, raw: trimmed})
		}
	}
	return out, len(out) > 0
}

const unkeyedPartition = "_unkeyed"

type partition struct {
	key   string
	items []structuredItem
}

// groupByKey implements spec.md §4.4's Key extraction and Grouping steps.
func groupByKey(items []structuredItem, keyField, multiKey string) map[string][]structuredItem {
	groups := make(map[string][]structuredItem)
	for _, it := range items {
		keys := extractKeys(it, keyField)
		if len(keys) == 0 {
			groups[unkeyedPartition] = append(groups[unkeyedPartition], it)
			continue
		}
		if multiKey == "first" {
			groups[keys[0]] = append(groups[keys[0]], it)
			continue
		}
		for _, k := range keys {
			groups[k] = append(groups[k], it)
		}
	}
	return groups
}

// extractKeys reads keyField from item, lowercasing and trimming scalar
// values, and fanning out array values into one key per non-empty element.
func extractKeys(item structuredItem, keyField string) []string {
	v, ok := item.obj[keyField]
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case []any:
		var keys []string
		for _, e := range val {
			k := normalizeKey(e)
			if k != "" {
				keys = append(keys, k)
			}
		}
		return keys
	default:
		k := normalizeKey(val)
		if k == "" {
			return nil
		}
		return []string{k}
	}
}

func normalizeKey(v any) string {
	s := fmt.Sprintf("%v", v)
	return strings.ToLower(strings.TrimSpace(s))
}

// subSplit splits any partition larger than maxSize into contiguous
// sub-partitions named "<key>_partN", per spec.md §4.4 step 4.
func subSplit(groups map[string][]structuredItem, maxSize int) []partition {
	if maxSize <= 0 {
		maxSize = 200
	}
	var out []partition
	for key, items := range groups {
		if len(items) <= maxSize {
			out = append(out, partition{key: key, items: items})
			continue
		}
		part := 1
		for i := 0; i < len(items); i += maxSize {
			end := i + maxSize
			if end > len(items) {
				end = len(items)
			}
			out = append(out, partition{key: key + "_part" + strconv.Itoa(part), items: items[i:end]})
			part++
		}
	}
	return out
}

type reducedPartition struct {
	key    string
	result string
}

// reducePartitions runs the reducer agent for each partition under the
// swarm's own bounded-concurrency pool, per spec.md §4.4 step 5 ("the same
// bounded-concurrency pool" as the Map phase).
func (e *Engine) reducePartitions(ctx context.Context, agent config.AgentSpec, spec *config.SwarmShuffleSpec, userMessage string, groups []partition, concurrency int) []reducedPartition {
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)
	results := make([]reducedPartition, len(groups))

	var wg sync.WaitGroup
	for i, p := range groups {
		wg.Add(1)
		go func(i int, p partition) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			promptTemplate := spec.ReducePrompt
			if promptTemplate == "" {
				promptTemplate = defaultShuffleReducePrompt
			}
			itemsText := joinRaw(p.items)
			prompt := renderVars(promptTemplate, map[string]string{
				"partition_key": p.key,
				"items":         itemsText,
				"item_count":    strconv.Itoa(len(p.items)),
				"user_message":  userMessage,
			})

			text, err := e.invokeFresh(ctx, agent, prompt)
			if err != nil {
				text = fmt.Sprintf("[Partition %q failed: %s]", p.key, err.Error())
			}
			results[i] = reducedPartition{key: p.key, result: text}
		}(i, p)
	}
	wg.Wait()
	return results
}

func joinRaw(items []structuredItem) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.raw
	}
	return strings.Join(parts, "\n")
}

// mergePartitions implements spec.md §4.4 step 6, Final merge.
func (e *Engine) mergePartitions(ctx context.Context, agent config.AgentSpec, spec *config.SwarmShuffleSpec, reduced []reducedPartition) (string, error) {
	sort.Slice(reduced, func(i, j int) bool { return reduced[i].key < reduced[j].key })

	sections := make([]string, len(reduced))
	for i, r := range reduced {
		sections[i] = fmt.Sprintf("## Partition: %s\n\n%s", r.key, r.result)
	}
	concatenated := strings.Join(sections, "\n---\n")

	if len(reduced) > hierarchicalReduceFanin {
		e.logger.Warn("swarm: shuffle partition count exceeds fan-in, skipping merge", "count", len(reduced))
		return concatenated, nil
	}

	mergePrompt := spec.MergePrompt
	if mergePrompt == "" {
		mergePrompt = defaultShuffleMergePrompt
	}
	prompt := renderVars(mergePrompt, map[string]string{"items": concatenated})

	merged, err := e.invokeFresh(ctx, agent, prompt)
	if err != nil {
		return concatenated, nil
	}
	return merged, nil
}
