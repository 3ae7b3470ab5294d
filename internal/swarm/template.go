package swarm

import (
	"encoding/json"
	"strconv"
	"strings"
)

// renderBatchTemplate fills promptTemplate's {{...}} placeholders for one
// batch invocation, per spec.md §4.4's Map phase template variables.
func renderBatchTemplate(promptTemplate string, b Batch, totalBatches, batchSize int, userMessage string) string {
	itemsJSON, _ := json.Marshal(b.Items)

	vars := map[string]string{
		"items":         strings.Join(b.Items, "\n"),
		"items_json":    string(itemsJSON),
		"batch_number":  strconv.Itoa(b.Index + 1),
		"batch_index":   strconv.Itoa(b.Index),
		"total_batches": strconv.Itoa(totalBatches),
		"batch_size":    strconv.Itoa(batchSize),
		"user_message":  userMessage,
	}
	return renderVars(promptTemplate, vars)
}

func renderVars(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
