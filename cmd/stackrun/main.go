package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/stackrun/internal/config"
	"github.com/basket/stackrun/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

SERVER:
  %[1]s serve                      Run the engine, liveness driver, cron and HTTP API

CLIENT (talks to a running server):
  %[1]s submit <task> [json]       Submit a task run. Flags: -wait, -timeout
  %[1]s get <task_run_id>          Show a task run and its frames
  %[1]s tasks                      List registered tasks
  %[1]s status                     Show engine and liveness status
  %[1]s tick                       Dispatch the oldest eligible frame
  %[1]s process <stack_run_id>     Dispatch one frame

LOCAL:
  %[1]s doctor [-json]             Diagnose config, database and environment

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STACKRUN_HOME           Data directory (default: ~/.stackrun)
  STACKRUN_AUTH_TOKEN     API token (default: <home>/auth.token)
  GEMINI_API_KEY          Key for the google llm provider
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "serve":
		os.Exit(runServeCommand(ctx, args))
	case "submit":
		os.Exit(runSubmitCommand(ctx, args))
	case "get":
		os.Exit(runGetCommand(ctx, args))
	case "tasks":
		os.Exit(runTasksCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "tick":
		os.Exit(runTickCommand(ctx, args))
	case "process":
		os.Exit(runProcessCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "log to file only")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// A terminal session keeps stdout for the operator unless asked otherwise.
	quietLogs := *quiet || (isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("STACKRUN_VERBOSE") == "")
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	if quietLogs {
		fmt.Fprintf(os.Stderr, "stackrun %s serving on %s (logs: %s/logs/system.jsonl)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	if err := serve(ctx, cfg, level, logger); err != nil {
		fatalStartup(logger, "E_SERVE", err)
	}
	return 0
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
			`{"timestamp":"%s","level":"ERROR","component":"stackrun","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
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
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
