package macro

import (
	"fmt"
	"strings"
)

// Issue describes one problem found while validating a template against the
// dependencies and variables that will be available at run time.
type Issue struct {
	Macro   string
	Message string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s", i.Macro, i.Message) }

// Validate scans a template without resolving it and reports task references
// outside the declared dependency set and undefined variables. Errors here
// are advisory; resolution still degrades to placeholders.
func Validate(template string, dependencies []int, variables map[string]any) []Issue {
	deps := make(map[int]bool, len(dependencies))
	for _, d := range dependencies {
		deps[d] = true
	}

	var issues []Issue
	seen := make(map[string]bool)
	for _, match := range macroPattern.FindAllStringSubmatch(template, -1) {
		body := strings.TrimSpace(match[1])
		if seen[body] {
			continue
		}
		seen[body] = true

		switch {
		case strings.HasPrefix(body, "task:") || strings.HasPrefix(body, "task."):
			seq, _, ok := parseTaskRef(body)
			if !ok {
				issues = append(issues, Issue{Macro: match[0], Message: "malformed task reference"})
				continue
			}
			if !deps[seq] {
				issues = append(issues, Issue{
					Macro:   match[0],
					Message: fmt.Sprintf("references task %d which is not a declared dependency", seq),
				})
			}
		case strings.HasPrefix(body, "var:"):
			name := strings.TrimPrefix(body, "var:")
			if _, ok := variables[name]; !ok {
				issues = append(issues, Issue{
					Macro:   match[0],
					Message: fmt.Sprintf("variable %q is not defined", name),
				})
			}
		}
	}
	return issues
}
