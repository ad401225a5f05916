package aiservice

import (
	"strings"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/task"
)

// detectionKeywords maps well-known service slugs onto the vocabulary that
// suggests a task needs them. Registered server slugs and names are always
// matched in addition to this table.
var detectionKeywords = map[string][]string{
	"slack":      {"slack", "channel", "dm", "direct message", "workspace message"},
	"github":     {"github", "pull request", "repository", "repo", "issue", "commit"},
	"filesystem": {"file", "directory", "folder", "read from disk", "write to disk"},
	"database":   {"database", "sql", "query", "table", "postgres", "mysql"},
	"web":        {"website", "web page", "url", "scrape", "browse", "http"},
	"email":      {"email", "e-mail", "inbox", "mail", "smtp"},
}

// DetectMCPs scans the task's title, description, and prompt for registered
// server names and known service keywords. Only servers that are actually
// registered are returned, in registration order.
func DetectMCPs(t *task.Task, servers []mcpmanager.Server) []string {
	text := strings.ToLower(t.Title + " " + t.Description + " " + t.Prompt())

	var detected []string
	for _, s := range servers {
		if matchesServer(text, s) {
			detected = append(detected, s.ID)
		}
	}
	return detected
}

func matchesServer(text string, s mcpmanager.Server) bool {
	if strings.Contains(text, s.ID) || strings.Contains(text, strings.ToLower(s.Name)) {
		return true
	}
	keywords, ok := detectionKeywords[s.ID]
	if !ok {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
