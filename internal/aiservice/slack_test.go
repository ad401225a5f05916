package aiservice

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/task"
)

func TestSlackChannelID(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"summarize C01ABCDEF23 from last week", "C01ABCDEF23"},
		{"post to channel C98765432A", "C98765432A"},
		{"Color the chart", ""},
		{"lowercase c01abcdef23 is not an id", ""},
	}
	for _, tc := range cases {
		if got := slackChannelID(tc.text); got != tc.want {
			t.Errorf("slackChannelID(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestSlackOldest(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		text   string
		window time.Duration
	}{
		{"summarize the last 24 hours", 24 * time.Hour},
		{"what happened over the past week", 7 * 24 * time.Hour},
		{"messages from yesterday", 48 * time.Hour},
		{"digest of the last hour", time.Hour},
	}
	for _, tc := range cases {
		want := strconv.FormatInt(now.Add(-tc.window).Unix(), 10)
		if got := slackOldest(tc.text, now); got != want {
			t.Errorf("slackOldest(%q) = %q, want %q", tc.text, got, want)
		}
	}
	if got := slackOldest("no timeframe here", now); got != "" {
		t.Errorf("expected empty oldest, got %q", got)
	}
}

func TestCollectSlackInsightViaMCPTool(t *testing.T) {
	mcp := &fakeMCP{
		servers: []mcpmanager.Server{{ID: "slack", Name: "slack", Command: "slack-mcp"}},
		tools: map[string][]mcpmanager.ToolDefinition{
			"slack": {
				{Server: "slack", Name: "post_message", Description: "post"},
				{Server: "slack", Name: "conversations_history", Description: "history"},
			},
		},
		outcome: mcpmanager.CallOutcome{Success: true, Data: "[2025-05-31] alice: shipped it"},
	}
	m := New(Config{MCP: mcp})
	tk := &task.Task{ID: 11, ProjectSequence: 1, Title: "Summarize C01ABCDEF23 from the last 24 hours", Type: task.TypeAI}

	insights, tools := m.collectInsights(context.Background(), tk, []string{"slack"})
	if len(insights) != 1 {
		t.Fatalf("insights = %d", len(insights))
	}
	if insights[0].Error != "" {
		t.Fatalf("unexpected insight error: %s", insights[0].Error)
	}
	if !strings.Contains(insights[0].SampleOutput, "shipped it") {
		t.Fatalf("sample output = %q", insights[0].SampleOutput)
	}
	if len(tools) != 2 || tools[0].Name != "slack_post_message" {
		t.Fatalf("tools = %+v", tools)
	}
	if got := mcp.executedTools(); len(got) != 1 || got[0] != "slack/conversations_history" {
		t.Fatalf("executed = %v", got)
	}
}

func TestCollectInsightsUnknownServer(t *testing.T) {
	m := New(Config{MCP: &fakeMCP{}})
	tk := &task.Task{ID: 12, ProjectSequence: 1, Title: "t", Type: task.TypeAI}

	insights, tools := m.collectInsights(context.Background(), tk, []string{"ghost"})
	if len(tools) != 0 {
		t.Fatalf("tools = %+v", tools)
	}
	if len(insights) != 1 || insights[0].Error == "" {
		t.Fatalf("insights = %+v", insights)
	}
}
