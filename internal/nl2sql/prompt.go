package nl2sql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/energyqa/energyqa/internal/llm"
)

const systemPrompt = "You convert questions about building energy consumption into a single %s SQL query. " +
	"Return ONLY SQL. No markdown, no explanation.\n\n" +
	"Rules:\n" +
	"- Never use SELECT *; list the columns you need explicitly.\n" +
	"- Qualify every table with its schema name.\n" +
	"- Join tables only on the documented key columns.\n" +
	"- Use only tables and columns present in the schema below.\n" +
	"- Prefer the matched values below when the question names an entity.\n" +
	"- Add LIMIT 200 unless the question asks for a specific number of rows.\n" +
	"- Output exactly one read-only statement."

// BuildMessages renders the generation prompt: policy and schema as a system message, recent history,
// then the question with grounding hints.
func BuildMessages(req Request) []llm.Message {
	dialect := strings.TrimSpace(req.Dialect)
	if dialect == "" {
		dialect = "PostgreSQL"
	}
	var system strings.Builder
	fmt.Fprintf(&system, systemPrompt, dialect)
	if schema := strings.TrimSpace(req.Schema); schema != "" {
		system.WriteString("\n\nSchema:\n")
		system.WriteString(schema)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system.String()}}
	for _, msg := range req.History {
		if msg.Role == llm.RoleSystem {
			continue
		}
		messages = append(messages, msg)
	}

	var user strings.Builder
	if grounding := strings.TrimSpace(req.Grounding); grounding != "" {
		user.WriteString("Matched values from the database:\n")
		user.WriteString(grounding)
		user.WriteString("\n\n")
	}
	if relevance := renderRelevance(req.RelevantTables, req.RelevantColumns); relevance != "" {
		user.WriteString("Likely relevant tables and columns:\n")
		user.WriteString(relevance)
		user.WriteString("\n\n")
	}
	user.WriteString("Question:\n")
	user.WriteString(strings.TrimSpace(req.Question))
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: user.String()})
	return messages
}

func renderRelevance(tables []string, columns map[string][]string) string {
	if len(tables) == 0 && len(columns) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(tables)+len(columns))
	ordered := make([]string, 0, len(tables)+len(columns))
	for _, table := range tables {
		if _, ok := seen[table]; ok {
			continue
		}
		seen[table] = struct{}{}
		ordered = append(ordered, table)
	}
	extra := make([]string, 0, len(columns))
	for table := range columns {
		if _, ok := seen[table]; !ok {
			extra = append(extra, table)
		}
	}
	sort.Strings(extra)
	ordered = append(ordered, extra...)

	var b strings.Builder
	for _, table := range ordered {
		b.WriteString("- ")
		b.WriteString(table)
		if cols := columns[table]; len(cols) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(cols, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func regenerationPrompt(err error) string {
	return "The previous SQL was rejected by the parser: " + err.Error() +
		"\nReturn a corrected single SQL query only."
}
