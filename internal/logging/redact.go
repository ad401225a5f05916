package logging

import "regexp"

// Placeholder replaces secret material in log lines.
const Placeholder = "[REDACTED]"

// Provider API keys, MCP server env vars, and Slack bot tokens all transit
// through the execution core; none of them may reach the log file.
var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|bot[_-]?token|secret|password|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+|AIza[A-Za-z0-9\-_]{30,})`,
	)
)

// Redact removes secret material from a log line before it is written.
func Redact(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(line, func(match string) string {
		sub := authorizationBearerPattern.FindStringSubmatch(match)
		if len(sub) != 4 {
			return match
		}
		return sub[1] + sub[2] + Placeholder
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		sub := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(sub) != 4 {
			return match
		}
		return sub[1] + Placeholder + sub[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		sub := bearerTokenPattern.FindStringSubmatch(match)
		if len(sub) != 3 {
			return match
		}
		return sub[1] + Placeholder
	})

	return standaloneSecretPattern.ReplaceAllString(sanitized, Placeholder)
}
