// Package memory composes the per-invocation memory block prepended to an
// agent's prompt, reading the on-disk memory artifacts under an agent's
// working directory (spec.md §4.5). The composer is pure over file system
// state at the moment of invocation: it never writes, and repeated calls
// against unchanged files produce identical output.
package memory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const knowledgePlaceholder = "_No entries yet"

// reflection is one parsed line of reflections.jsonl.
type reflection struct {
	Timestamp string `json:"ts"`
	Type      string `json:"type"`
	Context   string `json:"context"`
	Lesson    string `json:"lesson"`
	Action    string `json:"action,omitempty"`
}

// episode is one parsed line of episodes.jsonl.
type episode struct {
	Timestamp string   `json:"ts"`
	User      string   `json:"user"`
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	Outcome   string   `json:"outcome"`
}

// Compose builds the memory block for an agent invocation and prepends it
// to userMessage, per spec.md §4.5's four sections. workDir is the agent's
// working directory; memory artifacts live under workDir/memory.
func Compose(workDir, userMessage string) string {
	dir := filepath.Join(workDir, "memory")

	var sections []string
	if s := knowledgeSection(dir); s != "" {
		sections = append(sections, s)
	}
	if s := reflectionsSection(dir); s != "" {
		sections = append(sections, s)
	}
	if s := episodesSection(dir, userMessage); s != "" {
		sections = append(sections, s)
	}
	if s := skillsSection(dir, userMessage); s != "" {
		sections = append(sections, s)
	}

	if len(sections) == 0 {
		return userMessage
	}

	var b strings.Builder
	b.WriteString("[MEMORY]\n")
	b.WriteString(strings.Join(sections, "\n\n"))
	b.WriteString("\n[/MEMORY]\n\n")
	b.WriteString(userMessage)
	return b.String()
}

func knowledgeSection(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "knowledge.md"))
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	if content == "" || strings.Contains(content, knowledgePlaceholder) {
		return ""
	}
	return content
}

func reflectionsSection(dir string) string {
	recs := readJSONLReflections(filepath.Join(dir, "reflections.jsonl"))
	if len(recs) == 0 {
		return ""
	}
	if len(recs) > 10 {
		recs = recs[len(recs)-10:]
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		line := "- [" + r.Type + "] " + r.Context + ": " + r.Lesson
		if r.Action != "" {
			line += " → " + r.Action
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func readJSONLReflections(path string) []reflection {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []reflection
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r reflection
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

type scoredEpisode struct {
	episode episode
	score   int
}

func episodesSection(dir, userMessage string) string {
	episodes := readJSONLEpisodes(filepath.Join(dir, "episodes.jsonl"))
	if len(episodes) == 0 {
		return ""
	}

	words := significantWords(userMessage)
	if len(words) == 0 {
		return ""
	}

	var scored []scoredEpisode
	for _, ep := range episodes {
		haystack := strings.ToLower(ep.Summary + " " + strings.Join(ep.Tags, " "))
		score := 0
		for _, w := range words {
			if strings.Contains(haystack, w) {
				score++
			}
		}
		if score > 0 {
			scored = append(scored, scoredEpisode{episode: ep, score: score})
		}
	}
	if len(scored) == 0 {
		return ""
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > 3 {
		scored = scored[:3]
	}

	lines := make([]string, 0, len(scored))
	for _, s := range scored {
		lines = append(lines, "- ["+s.episode.Outcome+"] "+s.episode.Summary+" ("+strings.Join(s.episode.Tags, ", ")+")")
	}
	return strings.Join(lines, "\n")
}

func readJSONLEpisodes(path string) []episode {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []episode
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e episode
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

func skillsSection(dir, userMessage string) string {
	index := readSkillsIndex(filepath.Join(dir, "skills", "index.json"))
	if len(index) == 0 {
		return ""
	}

	lowerMessage := strings.ToLower(userMessage)

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sections []string
	for _, id := range ids {
		desc := index[id]
		matched := false
		for _, w := range significantWords(desc) {
			if strings.Contains(lowerMessage, w) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, "skills", id+".md"))
		if err != nil {
			continue
		}
		sections = append(sections, "### "+id+"\n"+strings.TrimSpace(string(body)))
	}
	if len(sections) == 0 {
		return ""
	}
	return strings.Join(sections, "\n\n")
}

func readSkillsIndex(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var index map[string]string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil
	}
	return index
}

// significantWords lowercases s and returns its words longer than 3
// characters, per spec.md §4.5's relevance-scoring rule.
func significantWords(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}
