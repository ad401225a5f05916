package aiservice

import (
	"reflect"
	"testing"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/task"
)

func TestDetectMCPs(t *testing.T) {
	servers := []mcpmanager.Server{
		{ID: "slack", Name: "Slack"},
		{ID: "github", Name: "GitHub"},
		{ID: "database", Name: "Postgres-MCP"},
		{ID: "custom-crm", Name: "Custom-CRM"},
	}
	cases := []struct {
		name string
		task task.Task
		want []string
	}{
		{
			name: "keyword match",
			task: task.Task{Title: "Summarize the channel discussion", Description: "post a summary"},
			want: []string{"slack"},
		},
		{
			name: "multiple services",
			task: task.Task{Title: "Open a pull request", AIPrompt: "then query the table for open rows"},
			want: []string{"github", "database"},
		},
		{
			name: "server name match without keyword table",
			task: task.Task{Title: "Sync contacts into custom-crm"},
			want: []string{"custom-crm"},
		},
		{
			name: "no match",
			task: task.Task{Title: "Write a poem about autumn"},
			want: nil,
		},
		{
			name: "registered servers only",
			task: task.Task{Title: "Send an email to the team"},
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectMCPs(&tc.task, servers)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("DetectMCPs = %v, want %v", got, tc.want)
			}
		})
	}
}
