package aiservice

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"taskflow/internal/mcpmanager"
	"taskflow/internal/task"
)

// slackHistoryLimit caps how many messages the pre-flight pass pulls.
const slackHistoryLimit = 200

// SlackHistoryFetcher pulls recent channel history for the Slack pre-flight
// collector. A nil fetcher makes the collector fall back to the MCP server's
// own history tool.
type SlackHistoryFetcher interface {
	FetchHistory(ctx context.Context, channelID, oldest string, limit int) (string, error)
}

// slackAPIFetcher implements SlackHistoryFetcher over the Slack Web API.
type slackAPIFetcher struct {
	api *slack.Client
}

// NewSlackFetcher builds a fetcher authenticated with a bot token.
func NewSlackFetcher(botToken string) SlackHistoryFetcher {
	return &slackAPIFetcher{api: slack.New(botToken)}
}

func (f *slackAPIFetcher) FetchHistory(ctx context.Context, channelID, oldest string, limit int) (string, error) {
	resp, err := f.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    oldest,
		Limit:     limit,
	})
	if err != nil {
		return "", fmt.Errorf("slack history for %s: %w", channelID, err)
	}

	var b strings.Builder
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		msg := resp.Messages[i]
		author := msg.User
		if author == "" {
			author = msg.Username
		}
		if author == "" {
			author = "unknown"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", formatSlackTS(msg.Timestamp), author, msg.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func formatSlackTS(ts string) string {
	secs, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return ts
	}
	return time.Unix(int64(secs), 0).UTC().Format("2006-01-02 15:04")
}

var slackChannelPattern = regexp.MustCompile(`\bC[A-Z0-9]{8,}\b`)

// relativeTimeframes maps phrases found in task text onto a lookback window.
// Ordered so longer phrases match before their substrings.
var relativeTimeframes = []struct {
	phrase string
	window time.Duration
}{
	{"last 24 hours", 24 * time.Hour},
	{"past 24 hours", 24 * time.Hour},
	{"last week", 7 * 24 * time.Hour},
	{"past week", 7 * 24 * time.Hour},
	{"last month", 30 * 24 * time.Hour},
	{"past month", 30 * 24 * time.Hour},
	{"yesterday", 48 * time.Hour},
	{"today", 24 * time.Hour},
	{"last hour", time.Hour},
}

// slackChannelID extracts the first channel id mentioned in the task text.
func slackChannelID(text string) string {
	return slackChannelPattern.FindString(text)
}

// slackOldest converts a relative timeframe in the task text into the Slack
// `oldest` parameter (unix seconds). Empty when no timeframe is mentioned.
func slackOldest(text string, now time.Time) string {
	lower := strings.ToLower(text)
	for _, tf := range relativeTimeframes {
		if strings.Contains(lower, tf.phrase) {
			return strconv.FormatInt(now.Add(-tf.window).Unix(), 10)
		}
	}
	return ""
}

// collectSlackInsight fills the insight with recent channel history. The task
// text names the channel; without one this is a no-op.
func (m *Manager) collectSlackInsight(ctx context.Context, t *task.Task, spec mcpmanager.Server, defs []mcpmanager.ToolDefinition, insight *mcpmanager.ContextInsight) {
	text := t.Title + " " + t.Description + " " + t.Prompt()
	channel := slackChannelID(text)
	if channel == "" {
		return
	}
	oldest := slackOldest(text, time.Now())

	if m.slack != nil {
		history, err := m.slack.FetchHistory(ctx, channel, oldest, slackHistoryLimit)
		if err != nil {
			insight.Error = err.Error()
			return
		}
		insight.SampleOutput = capSample(history)
		return
	}

	def, ok := findHistoryTool(defs)
	if !ok {
		return
	}
	args := map[string]any{
		"channel_id": channel,
		"limit":      slackHistoryLimit,
	}
	if oldest != "" {
		args["oldest"] = oldest
	}
	outcome, err := m.mcp.ExecuteTool(ctx, spec.ID, def.Name, args, mcpmanager.CallMeta{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Source:    "preflight",
	})
	if err != nil {
		insight.Error = err.Error()
		return
	}
	if !outcome.Success {
		insight.Error = outcome.Error
		return
	}
	insight.SampleOutput = capSample(outcome.Data)
}

func findHistoryTool(defs []mcpmanager.ToolDefinition) (mcpmanager.ToolDefinition, bool) {
	for _, def := range defs {
		if strings.Contains(strings.ToLower(def.Name), "history") {
			return def, true
		}
	}
	return mcpmanager.ToolDefinition{}, false
}
