// Command visor runs declarative step workflows.
//
// Subcommands:
//
//	run       execute a workflow from a config file (default)
//	validate  load and validate a config file
//	schedule  manage persisted schedules (start|list|create|cancel|pause|resume)
//
// Environment: VISOR_CONFIG_PATH, VISOR_OUTPUT_FORMAT,
// VISOR_NO_REMOTE_EXTENDS, VISOR_DEBUG. Exit code 0 means no critical
// issues; 1 means critical issues or a terminal error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/probelabs/visor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return cmdRun(args)
	}
	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "validate", "lint":
		return cmdValidate(args[1:])
	case "schedule":
		return cmdSchedule(args[1:])
	case "-h", "--help", "help":
		usage()
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return cmdRun(args)
		}
		fmt.Fprintf(os.Stderr, "visor: unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: visor [run|validate|schedule] [flags]

  run       execute a workflow (default). See visor run -h.
  validate  validate a config file.
  schedule  manage schedules: start|list|create|cancel|pause|resume.`)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func defaultConfigPath() string {
	if v := os.Getenv("VISOR_CONFIG_PATH"); v != "" {
		return v
	}
	return ".visor.yaml"
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || os.Getenv("VISOR_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string) (*visor.Config, error) {
	var opts []visor.LoadOption
	if os.Getenv("VISOR_NO_REMOTE_EXTENDS") != "" {
		opts = append(opts, visor.WithNoRemoteExtends())
	}
	cfg, warnings, err := visor.Load(path, opts...)
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return cfg, err
}

// --- run ---

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var checks stringList
	configPath := fs.String("config", defaultConfigPath(), "config file path")
	fs.Var(&checks, "check", "root step to run (repeatable; default all)")
	output := fs.String("output", envOr("VISOR_OUTPUT_FORMAT", "plain"), "output format: plain|json")
	timeoutMS := fs.Int("timeout", 0, "overall timeout in milliseconds (0 = none)")
	maxParallelism := fs.Int("max-parallelism", 0, "override max_parallelism")
	failFast := fs.Bool("fail-fast", false, "stop on the first failed step")
	tags := fs.String("tags", "", "comma-separated include tags")
	excludeTags := fs.String("exclude-tags", "", "comma-separated exclude tags")
	event := fs.String("event", "manual", "trigger event type")
	debug := fs.Bool("debug", false, "debug logging")
	fs.Parse(args)

	logger := newLogger(*debug)
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "visor: %v\n", err)
		return 1
	}
	if *maxParallelism > 0 {
		cfg.MaxParallelism = *maxParallelism
	}
	if *failFast {
		cfg.FailFast = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *timeoutMS > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(*timeoutMS)*time.Millisecond)
		defer tcancel()
	}

	engine := visor.NewEngine(cfg, visor.NewProviderRegistry(logger), visor.WithEngineLogger(logger))
	result, err := engine.Run(ctx, visor.Invocation{
		Roots:     checks,
		EventType: *event,
		TagFilter: visor.TagFilter{Include: csv(*tags), Exclude: csv(*excludeTags)},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "visor: %v\n", err)
		if result == nil {
			return 1
		}
	}

	if err := render(os.Stdout, *output, result); err != nil {
		fmt.Fprintf(os.Stderr, "visor: render: %v\n", err)
		return 1
	}
	if result.State != visor.RunCompleted || visor.HasCritical(result.Issues) {
		return 1
	}
	return 0
}

func render(w *os.File, format string, result *visor.RunResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	default:
		fmt.Fprintf(w, "run %s: %s (%s)\n", result.RunID, result.State, result.Duration.Round(time.Millisecond))
		for _, res := range result.Results {
			line := fmt.Sprintf("  %-9s %s", res.Status, res.Step)
			if res.Scope != "" {
				line += " [" + res.Scope + "]"
			}
			if res.SkipReason != "" {
				line += " (" + string(res.SkipReason) + ")"
			}
			if res.Error != "" {
				line += ": " + res.Error
			}
			fmt.Fprintln(w, line)
			for _, issue := range res.Issues {
				fmt.Fprintf(w, "    %s %s: %s\n", issue.Severity, issue.RuleID, issue.Message)
			}
		}
		return nil
	}
}

// --- validate ---

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file path")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "visor: %v\n", err)
		return 1
	}
	fmt.Printf("config ok: %d steps\n", len(cfg.Steps))
	return 0
}

// --- schedule ---

func cmdSchedule(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: visor schedule <start|list|create|cancel|pause|resume> [flags]")
		return 1
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("schedule "+sub, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file path")
	storePath := fs.String("store", visor.DefaultScheduleFile, "schedule store file")
	at := fs.String("at", "", "cron expression, RFC3339 time, or +duration for one-shot")
	workflow := fs.String("workflow", "", "workflow step to run")
	outputSpec := fs.String("output", "none", "result delivery: <type>:<target>")
	inputs := fs.String("inputs", "", "JSON inputs object")
	timezone := fs.String("timezone", "", "IANA timezone for cron schedules")
	id := fs.String("id", "", "schedule id (cancel|pause|resume)")
	debug := fs.Bool("debug", false, "debug logging")
	fs.Parse(rest)

	logger := newLogger(*debug)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend := visor.NewFileBackend(*storePath)
	if err := backend.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "visor: %v\n", err)
		return 1
	}
	defer backend.Close()
	store := visor.NewScheduleStore(backend)

	switch sub {
	case "list":
		all, err := store.GetAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "visor: %v\n", err)
			return 1
		}
		for _, s := range all {
			when := s.Cron
			if s.OneShot() {
				when = time.Unix(s.RunAt, 0).Format(time.RFC3339)
			}
			fmt.Printf("%s  %-9s  %-20s  next=%s  workflow=%s\n",
				s.ID, s.Status, when, time.Unix(s.NextRunAt, 0).Format(time.RFC3339), s.Workflow)
		}
		return 0

	case "create":
		s := visor.Schedule{Workflow: *workflow, Timezone: *timezone}
		if err := parseAt(*at, &s); err != nil {
			fmt.Fprintf(os.Stderr, "visor: %v\n", err)
			return 1
		}
		if typ, target, ok := strings.Cut(*outputSpec, ":"); ok {
			s.OutputType, s.OutputTarget = typ, target
		} else {
			s.OutputType = *outputSpec
		}
		if *inputs != "" {
			if err := json.Unmarshal([]byte(*inputs), &s.Inputs); err != nil {
				fmt.Fprintf(os.Stderr, "visor: parse inputs: %v\n", err)
				return 1
			}
		}
		created, err := store.Create(ctx, s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "visor: %v\n", err)
			return 1
		}
		fmt.Println(created.ID)
		return 0

	case "cancel":
		if err := store.Delete(ctx, *id); err != nil {
			fmt.Fprintf(os.Stderr, "visor: %v\n", err)
			return 1
		}
		return 0

	case "pause", "resume":
		status := visor.SchedulePaused
		if sub == "resume" {
			status = visor.ScheduleActive
		}
		if _, err := store.Update(ctx, *id, func(s *visor.Schedule) { s.Status = status }); err != nil {
			fmt.Fprintf(os.Stderr, "visor: %v\n", err)
			return 1
		}
		return 0

	case "start":
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "visor: %v\n", err)
			return 1
		}
		engine := visor.NewEngine(cfg, visor.NewProviderRegistry(logger), visor.WithEngineLogger(logger))
		sched := visor.NewScheduler(store, engine, cfg.Scheduler, visor.WithSchedulerLogger(logger))
		if err := sched.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "visor: %v\n", err)
			return 1
		}
		logger.Info("scheduler running, ctrl-c to stop")
		<-ctx.Done()
		sched.Stop()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "visor: unknown schedule command %q\n", sub)
		return 1
	}
}

// parseAt interprets -at as a cron expression, an RFC3339 time, or a
// +duration relative one-shot.
func parseAt(at string, s *visor.Schedule) error {
	if at == "" {
		return fmt.Errorf("-at is required")
	}
	if strings.HasPrefix(at, "+") {
		d, err := time.ParseDuration(at[1:])
		if err != nil {
			return fmt.Errorf("parse -at duration: %w", err)
		}
		s.RunAt = time.Now().Add(d).Unix()
		return nil
	}
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		s.RunAt = t.Unix()
		return nil
	}
	if err := visor.ValidateCron(at); err != nil {
		return fmt.Errorf("-at %q is neither cron, RFC3339, nor +duration", at)
	}
	s.Cron = at
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func csv(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
