package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taskflow/internal/config"
	"taskflow/internal/planner"
	"taskflow/internal/ports"
	"taskflow/internal/runner"
	"taskflow/internal/task"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func errorLine(msg string) string {
	return red("error: " + msg)
}

// cliSink prints progress and log events as colorized terminal lines.
type cliSink struct {
	verbose bool
}

func (s *cliSink) OnProgress(p ports.Progress) {
	line := fmt.Sprintf("stage %d/%d  %d/%d tasks done (%.0f%%)",
		p.Stage, p.TotalStages, p.CompletedTasks, p.TotalTasks, p.Percentage)
	if p.FailedTasks > 0 {
		line += red(fmt.Sprintf("  %d failed", p.FailedTasks))
	}
	if p.ETA > 0 {
		line += gray(fmt.Sprintf("  eta %s", p.ETA.Round(time.Second)))
	}
	fmt.Println(cyan(line))
}

func (s *cliSink) OnLog(level, message string, details map[string]any) {
	switch level {
	case "error":
		fmt.Println(red(message))
	case "warn", "warning":
		fmt.Println(yellow(message))
	default:
		if s.verbose {
			fmt.Println(gray(message))
		}
	}
}

func (s *cliSink) OnPromptGenerated(rec ports.PromptRecord) {
	if !s.verbose {
		return
	}
	fmt.Println(gray(fmt.Sprintf("task #%d prompt: %d chars, provider %s/%s",
		rec.ProjectSequence, len(rec.Prompt), rec.Provider, rec.Model)))
}

type runFlags struct {
	parallelism   int
	checkpointDir string
	budgetCost    float64
	budgetTokens  int
	vars          []string
	render        bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			return runWorkflow(cmd, args[0], flags, verbose, false, "")
		},
	}
	cmd.Flags().IntVar(&flags.parallelism, "parallelism", 0, "Max tasks per parallel stage")
	cmd.Flags().StringVar(&flags.checkpointDir, "checkpoint-dir", "", "Directory for workflow checkpoints")
	cmd.Flags().Float64Var(&flags.budgetCost, "budget-cost", 0, "Budget cap in USD (0 = unlimited)")
	cmd.Flags().IntVar(&flags.budgetTokens, "budget-tokens", 0, "Budget cap in tokens (0 = unlimited)")
	cmd.Flags().StringArrayVar(&flags.vars, "var", nil, "Workflow variable as k=v (repeatable)")
	cmd.Flags().BoolVar(&flags.render, "render", false, "Render the final summary as markdown")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var flags runFlags
	var workflowID string
	cmd := &cobra.Command{
		Use:   "resume <workflow.yaml>",
		Short: "Resume a workflow from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			return runWorkflow(cmd, args[0], flags, verbose, true, workflowID)
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "Workflow id of the checkpoint to resume")
	cmd.Flags().IntVar(&flags.parallelism, "parallelism", 0, "Max tasks per parallel stage")
	cmd.Flags().StringVar(&flags.checkpointDir, "checkpoint-dir", "", "Directory for workflow checkpoints")
	cmd.Flags().BoolVar(&flags.render, "render", false, "Render the final summary as markdown")
	_ = cmd.MarkFlagRequired("workflow-id")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow file and print its execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := task.LoadSpec(args[0])
			if err != nil {
				return err
			}
			plan, err := planner.Build(spec.Tasks)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d tasks in %d stages, estimated %s\n",
				bold(spec.Name), plan.TotalTasks, len(plan.Stages), plan.EstimatedDuration.Round(time.Second))
			printPlan(plan)
			return nil
		},
	}
}

func printPlan(plan *planner.Plan) {
	for _, stage := range plan.Stages {
		mode := "serial"
		if stage.CanRunInParallel {
			mode = "parallel"
		}
		fmt.Printf("  stage %d (%s):\n", stage.Index+1, mode)
		for i := range stage.Tasks {
			t := &stage.Tasks[i]
			fmt.Printf("    #%d %s %s\n", t.ProjectSequence, t.Title, gray("["+string(t.Type)+"]"))
		}
	}
}

func runWorkflow(cmd *cobra.Command, path string, flags runFlags, verbose, resume bool, workflowID string) error {
	spec, err := task.LoadSpec(path)
	if err != nil {
		return err
	}

	overrides := config.Overrides{}
	if flags.parallelism > 0 {
		overrides.Parallelism = &flags.parallelism
	}
	if flags.checkpointDir != "" {
		overrides.CheckpointDir = &flags.checkpointDir
	}
	cfg, _, err := loadRuntimeConfig(overrides)
	if err != nil {
		return err
	}
	if spec.Options.Parallelism > 0 && flags.parallelism == 0 {
		cfg.Parallelism = spec.Options.Parallelism
	}
	if spec.Options.CheckpointDir != "" && flags.checkpointDir == "" {
		cfg.CheckpointDir = spec.Options.CheckpointDir
	}

	plan, err := planner.Build(spec.Tasks)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d tasks in %d stages\n", bold(spec.Name), plan.TotalTasks, len(plan.Stages))

	sink := &cliSink{verbose: verbose}
	app, err := buildApp(cfg, sink)
	if err != nil {
		return err
	}
	defer app.close()

	if len(spec.MCPServers) > 0 {
		app.mcp.SetRuntimeServers(spec.MCPServers)
	}
	app.mcp.SetProjectOverrides(spec.Project.MCPConfig)

	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	execCtx := task.NewExecutionContext(workflowID, 0)
	execCtx.Project = &spec.Project
	for k, v := range spec.Variables {
		execCtx.Variables[k] = v
	}
	applyVarFlags(execCtx, flags.vars)
	execCtx.Budget = buildBudget(spec, cfg, flags)

	checkpoints := resume || spec.Options.Checkpoints || flags.checkpointDir != ""
	opts := app.runnerOptions(checkpoints)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var summary *runner.Summary
	if resume {
		summary, err = app.runner.RunFromCheckpoint(ctx, spec.Tasks, execCtx, opts)
	} else {
		summary, err = app.runner.Run(ctx, spec.Tasks, execCtx, opts)
	}
	if err != nil {
		return err
	}

	printSummary(summary, time.Since(start))
	if flags.render {
		renderResults(summary)
	}
	if summary.Status != runner.StatusCompleted {
		return fmt.Errorf("workflow finished with status %s", summary.Status)
	}
	return nil
}

func applyVarFlags(execCtx *task.ExecutionContext, vars []string) {
	for _, kv := range vars {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			fmt.Println(yellow("ignoring malformed --var " + kv))
			continue
		}
		execCtx.Variables[key] = value
	}
}

// buildBudget layers budget caps: flags beat the workflow file, which beats
// the runtime config. No caps anywhere means no budget tracking.
func buildBudget(spec *task.WorkflowSpec, cfg config.RuntimeConfig, flags runFlags) *task.Budget {
	budget := &task.Budget{MaxCost: cfg.BudgetMaxCost, MaxTokens: cfg.BudgetMaxTokens}
	if spec.Budget != nil {
		if spec.Budget.MaxCost > 0 {
			budget.MaxCost = spec.Budget.MaxCost
		}
		if spec.Budget.MaxTokens > 0 {
			budget.MaxTokens = spec.Budget.MaxTokens
		}
	}
	if flags.budgetCost > 0 {
		budget.MaxCost = flags.budgetCost
	}
	if flags.budgetTokens > 0 {
		budget.MaxTokens = flags.budgetTokens
	}
	if budget.MaxCost == 0 && budget.MaxTokens == 0 {
		return nil
	}
	return budget
}

func printSummary(summary *runner.Summary, elapsed time.Duration) {
	status := string(summary.Status)
	switch summary.Status {
	case runner.StatusCompleted:
		status = green(status)
	case runner.StatusFailed, runner.StatusCancelled:
		status = red(status)
	default:
		status = yellow(status)
	}
	fmt.Printf("\n%s %s  %d completed, %d failed, %d skipped in %s\n",
		bold("workflow"), status, summary.Completed, summary.Failed, summary.Skipped, elapsed.Round(time.Millisecond))
	if summary.TotalCost > 0 || summary.TotalToken > 0 {
		fmt.Println(gray(fmt.Sprintf("spent $%.4f, %d tokens", summary.TotalCost, summary.TotalToken)))
	}
	for i := range summary.Results {
		res := &summary.Results[i]
		switch res.Status {
		case task.ResultSuccess:
			fmt.Printf("  %s #%d %s\n", green("ok"), res.ProjectSequence, res.Title)
		case task.ResultSkipped:
			fmt.Printf("  %s #%d %s\n", gray("--"), res.ProjectSequence, res.Title)
		default:
			fmt.Printf("  %s #%d %s: %s\n", red("!!"), res.ProjectSequence, res.Title, res.ErrorMessage)
		}
	}
}

// renderResults pretty-prints the successful results as markdown.
func renderResults(summary *runner.Summary) {
	var doc strings.Builder
	for i := range summary.Results {
		res := &summary.Results[i]
		if res.Status != task.ResultSuccess || res.Content == "" {
			continue
		}
		fmt.Fprintf(&doc, "## #%d %s\n\n%s\n\n", res.ProjectSequence, res.Title, res.Content)
	}
	if doc.Len() == 0 {
		return
	}

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && w < width {
		width = w - 2
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Print(doc.String())
		return
	}
	out, err := renderer.Render(doc.String())
	if err != nil {
		fmt.Print(doc.String())
		return
	}
	fmt.Print(out)
}
