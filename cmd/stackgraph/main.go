package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/halyard/stackgraph/internal/config"
	"github.com/halyard/stackgraph/internal/orchestrator"
	otelPkg "github.com/halyard/stackgraph/internal/otel"
	"github.com/halyard/stackgraph/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the synchronizer daemon (scheduled pipelines + vault watcher)

SUBCOMMANDS:
  %s sync [pipeline]          Run one sync pipeline (services, mcps, notes, configs, agents) or all
  %s task <kind> [options]    Create and dispatch a task
                              Options: -d <description>, -p <params-json>
  %s goal <text> [options]    Run a goal through the plan-execute-review loop
                              Options: -n <max-iterations>
  %s status [-json]           Show system status (providers, graph, tasks, agents)
  %s health [-json]           Run a health assessment over the agent registry
  %s version                  Print version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STACKGRAPH_CONFIG       Config file path (default: stackgraph.yaml)
  STACKGRAPH_GRAPH_URI    Neo4j connection URI
  STACKGRAPH_LOG_LEVEL    debug, info, warn, error

EXAMPLES:
  Run the daemon:         %s daemon
  Sync everything:        %s sync
  Run a goal:             %s goal "restart the billing workflow"
  Check health:           %s health -json
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", defaultConfigPath(), "config file path")
	quiet := flag.Bool("quiet", false, "suppress stdout log mirror (file-only logs)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version":
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// One-shot subcommands keep the terminal clean; the daemon mirrors
	// logs to stdout unless it is attached to a pipe.
	quietLogs := *quiet || (cmd != "daemon" && isatty.IsTerminal(os.Stdout.Fd()))

	dataDir := filepath.Dir(cfg.Store.Path)
	logger, closer, err := telemetry.NewLogger(dataDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", *configPath)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTel.Enabled,
		Exporter: cfg.OTel.Exporter,
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	orch, err := orchestrator.New(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_INIT", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := orch.Close(shutCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	if err := orch.SetTelemetry(otelProvider); err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	logger.Info("startup phase", "phase", "orchestrator_ready")

	var code int
	switch cmd {
	case "daemon":
		code = runDaemon(ctx, orch, logger)
	case "sync":
		code = runSync(ctx, orch, args[1:])
	case "task":
		code = runTask(ctx, orch, args[1:])
	case "goal":
		code = runGoal(ctx, orch, cfg, args[1:])
	case "status":
		code = runStatus(ctx, orch, args[1:])
	case "health":
		code = runHealth(ctx, orch, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		code = 2
	}
	stop()
	os.Exit(code)
}

func runDaemon(ctx context.Context, orch *orchestrator.Orchestrator, logger *slog.Logger) int {
	if err := orch.Start(ctx); err != nil {
		logger.Error("daemon start failed", "error", err)
		return 1
	}
	logger.Info("daemon running", "version", Version)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return 0
}

func runSync(ctx context.Context, orch *orchestrator.Orchestrator, args []string) int {
	name := "all"
	if len(args) > 0 {
		name = strings.TrimSpace(args[0])
	}
	report, err := orch.Sync(ctx, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		return 1
	}
	for _, p := range report.Pipelines {
		line := fmt.Sprintf("%-10s observed=%d created=%d updated=%d tombstoned=%d edges=%d ignored=%d duration=%s",
			p.Pipeline, p.Observed, p.Created, p.Updated, p.Tombstoned, p.Edges, p.Ignored,
			p.Duration.Round(time.Millisecond))
		if p.Error != "" {
			line += " error=" + p.Error
		}
		fmt.Println(line)
	}
	if len(report.Unreachable) > 0 {
		fmt.Printf("unreachable: %s\n", strings.Join(report.Unreachable, ", "))
	}
	return 0
}

func runTask(ctx context.Context, orch *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	desc := fs.String("d", "", "task description")
	paramsJSON := fs.String("p", "{}", "task parameters as a JSON object")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: task <kind> [-d description] [-p params-json]")
		return 2
	}
	kind := fs.Arg(0)

	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -p: %v\n", err)
		return 2
	}

	task, err := orch.CreateTask(ctx, kind, *desc, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create task: %v\n", err)
		return 1
	}
	result := orch.ExecuteTask(ctx, task.ID)
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Success {
		return 1
	}
	return 0
}

func runGoal(ctx context.Context, orch *orchestrator.Orchestrator, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("goal", flag.ExitOnError)
	iterations := fs.Int("n", cfg.PERL.MaxIterations, "maximum plan-execute-review iterations")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: goal <text> [-n max-iterations]")
		return 2
	}
	goal := strings.Join(fs.Args(), " ")

	result := orch.RunGoal(ctx, goal, *iterations)
	fmt.Printf("verdict:    %s\n", result.Verdict)
	fmt.Printf("iterations: %d\n", result.Iterations)
	fmt.Printf("duration:   %s\n", result.Duration.Round(time.Millisecond))
	if result.Error != "" {
		fmt.Printf("error:      %s\n", result.Error)
	}
	for i, r := range result.Results {
		status := "ok"
		if !r.Success {
			status = string(r.ErrorKind)
		}
		fmt.Printf("  step %d: %s [%s] %dms\n", i+1, r.Kind, status, r.LatencyMS)
	}
	if result.Verdict != "goal_met" {
		return 1
	}
	return 0
}

func runStatus(ctx context.Context, orch *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	_ = fs.Parse(args)

	status, err := orch.SystemStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status failed: %v\n", err)
		return 1
	}
	if *asJSON {
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	fmt.Println("providers:")
	for _, p := range status.Providers {
		state := "ok"
		if !p.OK {
			state = "unreachable: " + p.Cause
		}
		fmt.Printf("  %-12s %s\n", p.Provider, state)
	}
	fmt.Println("graph:")
	for label, n := range status.Nodes {
		fmt.Printf("  %-12s %d\n", label, n)
	}
	fmt.Printf("  edges        %d (tombstoned %d)\n", status.Edges, status.Tombstoned)
	fmt.Printf("tasks: pending=%d running=%d\n", status.PendingTasks, status.RunningTasks)
	if len(status.Agents) > 0 {
		fmt.Println("agents:")
		for _, a := range status.Agents {
			fmt.Printf("  %-12s runs=%d success=%.2f latency=%dms\n",
				a.Kind, a.Invocations, a.SuccessRate, a.AvgLatency)
		}
	}
	return 0
}

func runHealth(ctx context.Context, orch *orchestrator.Orchestrator, args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON")
	_ = fs.Parse(args)

	report, err := orch.HealthCheck(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 1
	}
	if *asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	worst := 0
	for _, a := range report.Agents {
		fmt.Printf("%-12s %-10s score=%.0f success=%.2f runs=%d\n",
			a.Kind, a.Status, a.PerformanceScore, a.SuccessRate, a.Invocations)
		for _, issue := range a.Issues {
			fmt.Printf("             - %s\n", issue)
		}
		if a.Status == "error" {
			worst = 1
		}
	}
	for _, rec := range report.Recommendations {
		fmt.Printf("recommend [p%d] %s: %s (%s)\n", rec.Priority, rec.Agent, rec.Action, rec.Reason)
	}
	for _, patch := range report.Patches {
		fmt.Printf("tune %s=%v (%s)\n", patch.Key, patch.Value, patch.Reason)
	}
	return worst
}

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv(config.EnvPrefix + "CONFIG")); v != "" {
		return v
	}
	return "stackgraph.yaml"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"engine","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
